package drift

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

type (
	// Sink receives emitted drift signals. Emission failures are the
	// producer's problem to log, never to propagate into the pipeline.
	Sink interface {
		Emit(ctx context.Context, signal *Signal) error
	}

	// LogSink writes drift signals to the structured log. It is the
	// default sink when no broker is configured.
	LogSink struct {
		logger *slog.Logger
	}

	// KafkaSink publishes drift signals to a Kafka topic, keyed by test ID
	// so signals for one test land in one partition.
	KafkaSink struct {
		writer *kafka.Writer
	}

	// FanoutSink emits to every wrapped sink and returns the first error.
	FanoutSink struct {
		sinks []Sink
	}
)

// NewLogSink creates a sink that logs signals.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}

	return &LogSink{logger: logger}
}

// Emit logs the signal at a level matching its severity.
func (s *LogSink) Emit(_ context.Context, signal *Signal) error {
	level := slog.LevelInfo
	if signal.Severity.AtLeast(SeverityHigh) {
		level = slog.LevelWarn
	}

	s.logger.Log(context.Background(), level, "Drift signal",
		slog.String("id", signal.ID.String()),
		slog.String("type", string(signal.Type)),
		slog.String("severity", string(signal.Severity)),
		slog.String("test_id", signal.TestID),
		slog.String("framework", signal.Framework),
		slog.String("message", signal.Message),
	)

	return nil
}

// NewKafkaSink creates a sink publishing to the given brokers and topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
	}
}

// Emit publishes the signal as JSON keyed by test ID.
func (s *KafkaSink) Emit(ctx context.Context, signal *Signal) error {
	payload, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("marshal drift signal: %w", err)
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(signal.TestID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("publish drift signal: %w", err)
	}

	return nil
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}

	return nil
}

// NewFanoutSink combines multiple sinks.
func NewFanoutSink(sinks ...Sink) *FanoutSink {
	return &FanoutSink{sinks: sinks}
}

// Emit forwards to every sink; the first error is returned after all sinks
// have been attempted.
func (s *FanoutSink) Emit(ctx context.Context, signal *Signal) error {
	var firstErr error

	for _, sink := range s.sinks {
		if err := sink.Emit(ctx, signal); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

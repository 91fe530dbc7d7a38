// Package main provides the spill replay tool for the CrossBridge
// observer.
//
// Events the observer dead-lettered to its local JSONL spill log are
// POSTed back to a running observer. Accepted events are removed from the
// spill file; rejected events stay behind for the next run, so replay is
// safe to repeat until the file is empty.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/crossbridge-io/crossbridge/internal/config"
	"github.com/crossbridge-io/crossbridge/internal/event"
	"github.com/crossbridge-io/crossbridge/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "replay"
)

const (
	defaultSpillPath      = "crossbridge-spill.jsonl"
	defaultObserverURL    = "http://localhost:8765"
	defaultRequestTimeout = 10 * time.Second
)

func main() {
	var (
		versionFlag = flag.Bool("version", false, "show version information")
		spillPath   = flag.String("spill", config.GetEnvStr("CROSSBRIDGE_SPILL_PATH", defaultSpillPath),
			"path to the spill log file")
		observerURL = flag.String("url", config.GetEnvStr("CROSSBRIDGE_OBSERVER_URL", defaultObserverURL),
			"base URL of the running observer")
		apiKey = flag.String("api-key", config.GetEnvStr("CROSSBRIDGE_API_KEY", ""),
			"API key sent as X-API-Key (optional)")
		timeout = flag.Duration("timeout", defaultRequestTimeout, "per-request timeout")
	)
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("CROSSBRIDGE_LOG_LEVEL", slog.LevelInfo),
	}))

	spill, err := storage.OpenSpillLog(*spillPath)
	if err != nil {
		logger.Error("Failed to open spill log",
			slog.String("path", *spillPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	defer func() {
		_ = spill.Close()
	}()

	pending, err := spill.Len()
	if err != nil {
		logger.Error("Failed to read spill log",
			slog.String("path", *spillPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	if pending == 0 {
		logger.Info("Spill log is empty, nothing to replay",
			slog.String("path", *spillPath),
		)

		return
	}

	logger.Info("Replaying spilled events",
		slog.String("path", *spillPath),
		slog.String("url", *observerURL),
		slog.Int("pending", pending),
	)

	replayer := &replayer{
		client:   &http.Client{Timeout: *timeout},
		endpoint: *observerURL + "/events",
		apiKey:   *apiKey,
	}

	drained, err := spill.Drain(replayer.post)
	if err != nil {
		logger.Error("Spill drain failed",
			slog.Int("replayed", drained),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	remaining := pending - drained

	logger.Info("Replay finished",
		slog.Int("replayed", drained),
		slog.Int("remaining", remaining),
	)

	if remaining > 0 {
		// Partial replay is an operator signal: some events were rejected
		// and stay in the spill file.
		os.Exit(1)
	}
}

// replayer POSTs one spilled event per request in wire format.
type replayer struct {
	client   *http.Client
	endpoint string
	apiKey   string
}

func (r *replayer) post(evt *event.Event) error {
	body, err := evt.MarshalWire()
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", evt.ID, err)
	}

	req, err := http.NewRequest(http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if r.apiKey != "" {
		req.Header.Set("X-API-Key", r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event %s: %w", evt.ID, err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("observer rejected event %s: %s", evt.ID, resp.Status)
	}

	return nil
}

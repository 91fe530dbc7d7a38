package explain

import (
	"math"
	"strings"

	"github.com/crossbridge-io/crossbridge/internal/event"
)

// historicalFrequencyCeiling is the occurrence count at which the
// historical_frequency factor saturates at 1.0.
const historicalFrequencyCeiling = 30

// buildSignalQuality computes the five standard quality factors from the
// event and the frozen history.
func buildSignalQuality(evt *event.Event, hist History) SignalQuality {
	return SignalQuality{
		StacktracePresence:    stacktracePresence(evt.StackTrace),
		ErrorMessageStability: errorMessageStability(evt.ErrorMessage, hist.RetryMessages),
		RetryConsistency:      retryConsistency(hist),
		HistoricalFrequency:   historicalFrequency(hist.Occurrences),
		CrossTestCorrelation:  crossTestCorrelation(hist),
	}
}

// stacktracePresence scores the stack trace: 0.0 absent, 0.5 present but
// truncated (fewer than 3 frames or an explicit truncation marker), 1.0
// full.
func stacktracePresence(trace string) float64 {
	trace = strings.TrimSpace(trace)
	if trace == "" {
		return 0.0
	}

	frames := 0

	for _, line := range strings.Split(trace, "\n") {
		if strings.TrimSpace(line) != "" {
			frames++
		}
	}

	if frames < 3 || strings.Contains(trace, "... truncated") {
		return 0.5
	}

	return 1.0
}

// errorMessageStability compares the error message across this run's
// retries: 1.0 identical, 0.5 similar (edit distance within 20% of the
// longer message), 0.2 otherwise. With no retries the message is trivially
// stable.
func errorMessageStability(message string, retryMessages []string) float64 {
	if len(retryMessages) == 0 {
		return 1.0
	}

	identical := true
	similar := true

	for _, retry := range retryMessages {
		if retry == message {
			continue
		}

		identical = false

		longer := len(message)
		if len(retry) > longer {
			longer = len(retry)
		}

		if longer == 0 {
			continue
		}

		if float64(editDistance(message, retry))/float64(longer) > 0.2 {
			similar = false
		}
	}

	switch {
	case identical:
		return 1.0
	case similar:
		return 0.5
	default:
		return 0.2
	}
}

func retryConsistency(hist History) float64 {
	total := hist.RetriesTotal
	if total < 1 {
		total = 1
	}

	v := float64(hist.RetryFailures) / float64(total)
	if v > 1 {
		v = 1
	}

	return v
}

// historicalFrequency maps occurrence counts onto [0,1] with logarithmic
// compression, saturating at 30 prior occurrences.
func historicalFrequency(occurrences int) float64 {
	if occurrences <= 0 {
		return 0.0
	}

	v := math.Log1p(float64(occurrences)) / math.Log1p(historicalFrequencyCeiling)
	if v > 1 {
		return 1.0
	}

	return v
}

func crossTestCorrelation(hist History) float64 {
	if hist.SiblingTotal <= 0 {
		return 0.0
	}

	v := float64(hist.SiblingFailures) / float64(hist.SiblingTotal)
	if v > 1 {
		v = 1
	}

	return v
}

// editDistance is the Levenshtein distance between two strings, computed
// over runes with a two-row table.
func editDistance(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)

	if len(ra) == 0 {
		return len(rb)
	}

	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i

		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}

			curr[j] = minInt(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(rb)]
}

func minInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}

	return m
}

package event

// Accessors for well-known metadata keys. Producers are free to omit any of
// these; each accessor degrades to a zero value.

// metadataStrings reads a metadata key as a list of strings. JSON arrays
// arrive as []interface{}; single string values are accepted as a
// one-element list since several emitters send them that way.
func (e *Event) metadataStrings(key string) []string {
	value, ok := e.Metadata[key]
	if !ok {
		return nil
	}

	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))

		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}

		return out
	case string:
		if v == "" {
			return nil
		}

		return []string{v}
	default:
		return nil
	}
}

// APICalls returns the API endpoints observed during this event
// (metadata key "api_calls").
func (e *Event) APICalls() []string {
	return e.metadataStrings("api_calls")
}

// PagesVisited returns the pages visited during this event
// (metadata key "pages_visited").
func (e *Event) PagesVisited() []string {
	return e.metadataStrings("pages_visited")
}

// UIComponents returns the UI components touched during this event
// (metadata key "ui_components").
func (e *Event) UIComponents() []string {
	return e.metadataStrings("ui_components")
}

// Logs returns raw log lines attached to the event (metadata key "logs").
func (e *Event) Logs() []string {
	return e.metadataStrings("logs")
}

// Feature returns the feature this test belongs to (metadata key
// "feature"), or empty string when unset.
func (e *Event) Feature() string {
	if value, ok := e.Metadata["feature"].(string); ok {
		return value
	}

	return ""
}

// RetryMessages returns the error messages of this run's retries, in the
// order reported by the framework (metadata key "retry_messages"). Used by
// the explainability builder's error_message_stability quality factor.
func (e *Event) RetryMessages() []string {
	return e.metadataStrings("retry_messages")
}

// Retries returns the retry count reported by the framework (metadata key
// "retries"). JSON numbers decode as float64.
func (e *Event) Retries() int {
	switch v := e.Metadata["retries"].(type) {
	case float64:
		if v < 0 {
			return 0
		}

		return int(v)
	case int:
		if v < 0 {
			return 0
		}

		return v
	default:
		return 0
	}
}

// RetryFailures returns how many retries reproduced the failure (metadata
// key "retry_failures"). Used by the explainability builder's
// retry_consistency quality factor.
func (e *Event) RetryFailures() int {
	switch v := e.Metadata["retry_failures"].(type) {
	case float64:
		if v < 0 {
			return 0
		}

		return int(v)
	case int:
		if v < 0 {
			return 0
		}

		return v
	default:
		return 0
	}
}

package model

// Log levels emitted by the pipeline. Other values are displayed as received.
const (
	LogLevelDebug   = "DEBUG"
	LogLevelInfo    = "INFO"
	LogLevelWarning = "WARNING"
	LogLevelError   = "ERROR"
)

// LogEntry is one line of a job's log, in the order the backend produced it.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// IsZero reports whether the entry carries nothing to show.
func (e LogEntry) IsZero() bool {
	return e.Timestamp == "" && e.Level == "" && e.Message == ""
}

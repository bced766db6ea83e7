package models

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TaskStatus is the lifecycle state reported by the backend for a generation task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// AllStatuses lists every valid status in lifecycle order.
var AllStatuses = []TaskStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// ErrUnknownStatus is returned when a status string is not one of [AllStatuses].
var ErrUnknownStatus = errors.New("unknown task status")

// ParseTaskStatus converts a string into a TaskStatus, returning an error for unknown values.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}

func (s TaskStatus) String() string { return string(s) }

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	return s.Rank() >= 0
}

// IsTerminal reports whether no further transitions are allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Rank orders statuses along the lifecycle: pending < processing < terminal.
func (s TaskStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// TaskResult describes the output of a completed task.
type TaskResult struct {
	OutputDir  string         `json:"output_dir"`
	OutputFile string         `json:"output_file"`
	Statistics map[string]any `json:"statistics,omitempty"`
	Files      []string       `json:"files,omitempty"`
	ManualURL  string         `json:"manual_url,omitempty"`
}

// GenerationTask is one snapshot of a backend generation job.
type GenerationTask struct {
	TaskID    string      `json:"task_id"`
	Status    TaskStatus  `json:"status"`
	Progress  int         `json:"progress"`
	Message   string      `json:"message"`
	Result    *TaskResult `json:"result,omitempty"`
	CreatedAt Timestamp   `json:"created_at"`
	UpdatedAt Timestamp   `json:"updated_at"`
}

// Validate checks the fields every snapshot must carry.
func (t GenerationTask) Validate() error {
	if t.TaskID == "" {
		return errors.New("missing task_id")
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, t.Status)
	}
	return nil
}

// IsTerminal reports whether the snapshot is completed or failed.
func (t GenerationTask) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Timestamp is a JSON time that accepts RFC 3339, zone-less ISO-8601 and unix seconds.
//
// Zone-less values are read as UTC. null and "" decode to the zero time.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// ParseTimestamp parses s with the accepted layouts.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{Time: t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("invalid timestamp %q", s)
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}

	if data[0] != '"' {
		secs, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %s", data)
		}
		whole := int64(secs)
		*t = Timestamp{Time: time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC()}
		return nil
	}

	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("invalid timestamp %s", data)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(t.UTC().Format(time.RFC3339Nano))), nil
}

package registry

import (
	"maps"
	"sort"
	"time"

	"github.com/isdmx/sandboxd/sandbox"
)

// Record is the persisted state of one sandbox session.
type Record struct {
	ID             string            `json:"id" yaml:"id"`
	Template       string            `json:"template" yaml:"template"`
	AdapterKind    string            `json:"adapter_kind" yaml:"adapter_kind"`
	Status         sandbox.Status    `json:"status" yaml:"status"`
	CreatedAt      time.Time         `json:"created_at" yaml:"created_at"`
	LastActiveAt   time.Time         `json:"last_active_at" yaml:"last_active_at"`
	TimeoutSeconds int               `json:"timeout_seconds" yaml:"timeout_seconds"`
	TimeoutAt      time.Time         `json:"timeout_at" yaml:"timeout_at"`
	Metadata       map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	BackendHandle  string            `json:"backend_handle,omitempty" yaml:"backend_handle,omitempty"`

	// ReapAttempts counts failed watchdog destroy calls. A record in error
	// with a non-zero count is still owned by the watchdog.
	ReapAttempts int    `json:"reap_attempts,omitempty" yaml:"reap_attempts,omitempty"`
	LastError    string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// Records maps session id to record.
type Records map[string]*Record

// Touch marks activity at now and recomputes the deadline. LastActiveAt never
// moves backwards, so neither does TimeoutAt for a fixed TimeoutSeconds.
func (r *Record) Touch(now time.Time) {
	now = now.UTC()
	if now.After(r.LastActiveAt) {
		r.LastActiveAt = now
	}
	r.TimeoutAt = r.LastActiveAt.Add(time.Duration(r.TimeoutSeconds) * time.Second)
}

// SetTimeout replaces the idle timeout and counts as activity at now.
func (r *Record) SetTimeout(seconds int, now time.Time) {
	r.TimeoutSeconds = seconds
	r.Touch(now)
}

// Expired reports whether the idle deadline has passed at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.TimeoutAt.After(now)
}

// Clone returns a deep copy of r.
func (r *Record) Clone() Record {
	c := *r
	if r.Metadata != nil {
		c.Metadata = maps.Clone(r.Metadata)
	}
	return c
}

// Sorted returns copies of the records ordered by creation time, then id.
func (rs Records) Sorted() []Record {
	out := make([]Record, 0, len(rs))
	for _, rec := range rs {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

package dlq

import (
	"time"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/resource"
)

// Entry is a failure report for a thread paused by a fatal failure.
type Entry struct {
	ID         id.ID           `json:"id"`
	ThreadID   id.ID           `json:"thread_id"`
	ThreadName string          `json:"thread_name"`
	Authority  resource.Handle `json:"authority"`
	Class      tempo.Class     `json:"class"`
	Error      string          `json:"error"`
	RetryCount int             `json:"retry_count"`
	FailedAt   time.Time       `json:"failed_at"`
	ReplayedAt *time.Time      `json:"replayed_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Open reports whether the thread has not been resumed since the failure.
func (e *Entry) Open() bool { return e.ReplayedAt == nil }

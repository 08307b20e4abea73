// Package job holds the plumbing shared by deploy and rollback jobs: ids,
// store interfaces and the log fan-out.
package job

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/deployster/internal/domain"
	"github.com/splax/deployster/internal/ledger"
	"github.com/splax/deployster/internal/lock"
	"github.com/splax/deployster/internal/service/record"
	"github.com/splax/deployster/internal/worker"
)

// NewID returns a time-ordered job id: unix millis, a dash and six hex chars.
func NewID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + suffix
}

// Locker issues project leases.
type Locker interface {
	Acquire(ctx context.Context, key string) (lock.Lease, error)
	Releaser(lease lock.Lease) lock.ReleaseFunc
	KeepAlive(ctx context.Context, lease lock.Lease, every time.Duration) error
}

// Ledger is the ephemeral job store.
type Ledger interface {
	Create(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id string, status domain.JobStatus) error
	AppendLog(ctx context.Context, id, text string) error
	Poll(ctx context.Context, id string) (ledger.Entry, error)
}

// Broadcaster streams log text to live subscribers.
type Broadcaster interface {
	Publish(jobID, text string)
	Finish(jobID, status string)
}

// Submitter queues work for the worker pool.
type Submitter interface {
	TrySubmit(task worker.Task) error
}

// Accepted is returned to callers once a job has been queued.
type Accepted struct {
	JobID        string `json:"job_id"`
	DeploymentID int64  `json:"deployment_id,omitempty"`
}

// Sink fans log text out to the ledger, the durable record and live subscribers.
type Sink struct {
	JobID    string
	RecordID int64
	Ledger   Ledger
	Records  *record.Service
	Hub      Broadcaster
}

// AppendLog writes text to every configured destination.
func (s *Sink) AppendLog(ctx context.Context, text string) error {
	var errs []error
	if s.Ledger != nil {
		if err := s.Ledger.AppendLog(ctx, s.JobID, text); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Records != nil && s.RecordID > 0 {
		if err := s.Records.AppendLog(ctx, s.RecordID, text); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Hub != nil {
		s.Hub.Publish(s.JobID, text)
	}
	return errors.Join(errs...)
}

// Finish sets the ledger status and closes live streams.
func (s *Sink) Finish(ctx context.Context, status domain.JobStatus, logger *slog.Logger) {
	if s.Ledger != nil {
		if err := s.Ledger.SetStatus(ctx, s.JobID, status); err != nil {
			logger.Error("set job status", "job_id", s.JobID, "status", status, "error", err)
		}
	}
	if s.Hub != nil {
		s.Hub.Finish(s.JobID, string(status))
	}
}

// Hold keeps lease alive until the returned stop function is called.
func Hold(ctx context.Context, locks Locker, lease lock.Lease, logger *slog.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	every := lease.TTL / 3
	if every <= 0 {
		every = time.Minute
	}
	go func() {
		defer close(done)
		if err := locks.KeepAlive(ctx, lease, every); err != nil {
			logger.Warn("lost project lock while job was running", "key", lease.Key, "error", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

var (
	_ Locker = (*lock.Manager)(nil)
	_ Ledger = (*ledger.Ledger)(nil)
)

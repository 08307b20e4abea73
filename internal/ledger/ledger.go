// Package ledger stores ephemeral job status and log text in Redis.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/deployster/internal/domain"
)

// ErrNotFound is returned when a job has no status entry.
var ErrNotFound = errors.New("ledger: job not found")

// DefaultTTL bounds how long an unpolled job survives.
const DefaultTTL = 24 * time.Hour

// Entry is a snapshot of one job.
type Entry struct {
	Status domain.JobStatus
	Logs   string
}

// Ledger reads and writes job entries.
type Ledger struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// New constructs a Ledger. A non-positive ttl selects DefaultTTL.
func New(client redis.UniversalClient, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Ledger{client: client, ttl: ttl}
}

func statusKey(id string) string { return "job:" + id + ":status" }
func logsKey(id string) string   { return "job:" + id + ":logs" }

// Create registers a queued job with an empty log.
func (l *Ledger) Create(ctx context.Context, id string) error {
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, statusKey(id), string(domain.JobQueued), l.ttl)
		pipe.Del(ctx, logsKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("create job %s: %w", id, err)
	}
	return nil
}

// SetStatus overwrites the job status and refreshes its expiry.
func (l *Ledger) SetStatus(ctx context.Context, id string, status domain.JobStatus) error {
	if err := l.client.Set(ctx, statusKey(id), string(status), l.ttl).Err(); err != nil {
		return fmt.Errorf("set status of job %s: %w", id, err)
	}
	return nil
}

// AppendLog adds text to the job log.
func (l *Ledger) AppendLog(ctx context.Context, id, text string) error {
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Append(ctx, logsKey(id), text)
		pipe.Expire(ctx, logsKey(id), l.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append log of job %s: %w", id, err)
	}
	return nil
}

// Read returns the job status and the log accumulated since the last drain.
func (l *Ledger) Read(ctx context.Context, id string) (Entry, error) {
	var statusCmd, logsCmd *redis.StringCmd
	_, err := l.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		statusCmd = pipe.Get(ctx, statusKey(id))
		logsCmd = pipe.Get(ctx, logsKey(id))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, fmt.Errorf("read job %s: %w", id, err)
	}
	return entryFrom(id, statusCmd, logsCmd)
}

// Drain clears the job log while keeping its status.
func (l *Ledger) Drain(ctx context.Context, id string) error {
	if err := l.client.Del(ctx, logsKey(id)).Err(); err != nil {
		return fmt.Errorf("drain job %s: %w", id, err)
	}
	return nil
}

// Poll reads and drains in one transaction, so each call returns only the text
// written since the previous poll. Callers concatenate successive results.
func (l *Ledger) Poll(ctx context.Context, id string) (Entry, error) {
	var statusCmd, logsCmd *redis.StringCmd
	exists, err := l.client.Exists(ctx, statusKey(id)).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("poll job %s: %w", id, err)
	}
	if exists == 0 {
		return Entry{}, ErrNotFound
	}
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		statusCmd = pipe.Get(ctx, statusKey(id))
		logsCmd = pipe.Get(ctx, logsKey(id))
		pipe.Del(ctx, logsKey(id))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, fmt.Errorf("poll job %s: %w", id, err)
	}
	return entryFrom(id, statusCmd, logsCmd)
}

func entryFrom(id string, statusCmd, logsCmd *redis.StringCmd) (Entry, error) {
	status, err := statusCmd.Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("read status of job %s: %w", id, err)
	}
	logs, err := logsCmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, fmt.Errorf("read logs of job %s: %w", id, err)
	}
	return Entry{Status: domain.JobStatus(status), Logs: logs}, nil
}

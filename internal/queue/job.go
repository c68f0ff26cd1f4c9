package queue

import (
	"time"
)

// State is the lifecycle of a job inside the dispatcher.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Active reports whether a job with this state still holds its idempotency key.
func (s State) Active() bool {
	return s == StateQueued || s == StateRunning || s == StateRetrying
}

// Job is one unit of queued work. The dispatcher hands out copies. With a
// Store configured each state change is also written to the jobs table.
type Job struct {
	ID          string
	Queue       Name
	Key         string
	Payload     Payload
	Attempts    int
	MaxAttempts int
	State       State
	LastError   string
	EnqueuedAt  time.Time
	StartedAt   *time.Time
	NextRunAt   *time.Time
	FinishedAt  *time.Time
}

// RetryPolicy bounds attempts and spaces them with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Backoff returns the delay before the attempt following the given one:
// BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// QueueConfig configures one typed queue.
type QueueConfig struct {
	Name        Name
	Concurrency int
	Capacity    int
	Retry       RetryPolicy
	JobTimeout  time.Duration
}

// DefaultQueues returns the stock settings for the three queues.
func DefaultQueues() []QueueConfig {
	return []QueueConfig{
		{
			Name:        QueueProvision,
			Concurrency: 3,
			Retry:       RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 2 * time.Minute},
			JobTimeout:  20 * time.Minute,
		},
		{
			Name:        QueuePower,
			Concurrency: 5,
			Retry:       RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 2 * time.Minute},
			JobTimeout:  5 * time.Minute,
		},
		{
			Name:        QueueSnapshot,
			Concurrency: 2,
			Retry:       RetryPolicy{MaxAttempts: 2, BaseDelay: 5 * time.Second, MaxDelay: 2 * time.Minute},
			JobTimeout:  10 * time.Minute,
		},
	}
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Record is a job as persisted. Payload holds the JSON form of the typed
// payload and is only set on insert.
type Record struct {
	ID          string
	Queue       Name
	Key         string
	Payload     json.RawMessage
	Attempts    int
	MaxAttempts int
	State       State
	LastError   string
	EnqueuedAt  time.Time
	StartedAt   *time.Time
	NextRunAt   *time.Time
	FinishedAt  *time.Time
}

// Store persists jobs so accepted work survives a restart.
type Store interface {
	// Insert adds a job. It reports false, without error, when an active
	// job already holds the key.
	Insert(ctx context.Context, rec Record) (bool, error)
	// Update writes the state columns of rec. The payload never changes.
	Update(ctx context.Context, rec Record) error
	// ListActive returns jobs that are queued, running or retrying, oldest
	// first.
	ListActive(ctx context.Context) ([]Record, error)
	// PurgeFinished deletes finished jobs older than before.
	PurgeFinished(ctx context.Context, before time.Time) (int64, error)
}

// record snapshots the job's state. Callers hold the dispatcher lock.
func (j *Job) record() Record {
	return Record{
		ID:          j.ID,
		Queue:       j.Queue,
		Key:         j.Key,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		State:       j.State,
		LastError:   j.LastError,
		EnqueuedAt:  j.EnqueuedAt,
		StartedAt:   j.StartedAt,
		NextRunAt:   j.NextRunAt,
		FinishedAt:  j.FinishedAt,
	}
}

func newRecord(j *Job) (Record, error) {
	raw, err := json.Marshal(j.Payload)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s payload: %w", j.Queue, err)
	}
	rec := j.record()
	rec.Payload = raw
	return rec, nil
}

func jobFromRecord(rec Record) (*Job, error) {
	payload, err := DecodePayload(rec.Queue, rec.Payload)
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:          rec.ID,
		Queue:       rec.Queue,
		Key:         rec.Key,
		Payload:     payload,
		Attempts:    rec.Attempts,
		MaxAttempts: rec.MaxAttempts,
		State:       rec.State,
		LastError:   rec.LastError,
		EnqueuedAt:  rec.EnqueuedAt,
		StartedAt:   rec.StartedAt,
		NextRunAt:   rec.NextRunAt,
		FinishedAt:  rec.FinishedAt,
	}, nil
}

// DecodePayload rebuilds the typed payload of a queue from its JSON form.
func DecodePayload(queue Name, raw []byte) (Payload, error) {
	var (
		payload Payload
		err     error
	)
	switch queue {
	case QueueProvision:
		var p ProvisionPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case QueuePower:
		var p PowerPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case QueueSnapshot:
		var p SnapshotPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	default:
		return nil, fmt.Errorf("decode payload: unknown queue %q", queue)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", queue, err)
	}
	return payload, nil
}

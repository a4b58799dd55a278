package queueservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ssuji15/xsonic/internal/store"
	"github.com/ssuji15/xsonic/internal/util"
	"github.com/ssuji15/xsonic/model"
	"github.com/vmihailenco/msgpack/v5"
)

// Fleet state lives in the job store without a TTL. Only the fleet controller writes it.

func (q *QueueService) SetFleetStatus(ctx context.Context, status model.FleetStatus) error {
	return q.store.Set(ctx, util.FleetStatusKey, []byte(status), 0)
}

// GetFleetStatus returns "" when no status was ever written.
func (q *QueueService) GetFleetStatus(ctx context.Context) (model.FleetStatus, error) {
	b, err := q.store.Get(ctx, util.FleetStatusKey)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return model.FleetStatus(b), nil
}

func (q *QueueService) SetFleetLastUpdate(ctx context.Context, t time.Time) error {
	return q.setTime(ctx, util.FleetLastUpdateKey, t)
}

// GetFleetLastUpdate returns the zero time when unset.
func (q *QueueService) GetFleetLastUpdate(ctx context.Context) (time.Time, error) {
	return q.getTime(ctx, util.FleetLastUpdateKey)
}

func (q *QueueService) SetFleetStartDeadline(ctx context.Context, t time.Time) error {
	return q.setTime(ctx, util.FleetStartDeadline, t)
}

func (q *QueueService) GetFleetStartDeadline(ctx context.Context) (time.Time, error) {
	return q.getTime(ctx, util.FleetStartDeadline)
}

func (q *QueueService) ClearFleetStartDeadline(ctx context.Context) error {
	return q.store.Del(ctx, util.FleetStartDeadline)
}

func (q *QueueService) setTime(ctx context.Context, key string, t time.Time) error {
	b, err := t.UTC().MarshalText()
	if err != nil {
		return err
	}
	return q.store.Set(ctx, key, b, 0)
}

func (q *QueueService) getTime(ctx context.Context, key string) (time.Time, error) {
	b, err := q.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	var t time.Time
	if err := t.UnmarshalText(b); err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp under %s: %w", key, err)
	}
	return t, nil
}

// WriteHeartbeat records a GPU poller's liveness; it expires after ttl.
func (q *QueueService) WriteHeartbeat(ctx context.Context, hb model.FleetHeartbeat, ttl time.Duration) error {
	b, err := msgpack.Marshal(&hb)
	if err != nil {
		return err
	}
	return q.store.Set(ctx, util.GetFleetHeartbeatKey(hb.WorkerID), b, ttl)
}

func (q *QueueService) ClearHeartbeat(ctx context.Context, workerID string) error {
	return q.store.Del(ctx, util.GetFleetHeartbeatKey(workerID))
}

// ListHeartbeats returns every heartbeat that has not expired yet.
func (q *QueueService) ListHeartbeats(ctx context.Context) ([]model.FleetHeartbeat, error) {
	keys, err := q.store.Keys(ctx, util.GetFleetHeartbeatPattern())
	if err != nil {
		return nil, err
	}
	out := make([]model.FleetHeartbeat, 0, len(keys))
	for _, key := range keys {
		b, err := q.store.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var hb model.FleetHeartbeat
		if err := msgpack.Unmarshal(b, &hb); err != nil {
			return nil, fmt.Errorf("corrupt heartbeat under %s: %w", key, err)
		}
		out = append(out, hb)
	}
	return out, nil
}

func (q *QueueService) AcquireControllerLease(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	return q.store.AcquireLease(ctx, util.FleetLeaseKey, owner, ttl)
}

func (q *QueueService) ReleaseControllerLease(ctx context.Context, owner string) error {
	return q.store.ReleaseLease(ctx, util.FleetLeaseKey, owner)
}

// Package storetest holds behaviour checks shared by every store.Store implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ssuji15/xsonic/internal/store"
	"github.com/stretchr/testify/require"
)

func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("Get", func(t *testing.T) { testGet(t, newStore(t)) })
	t.Run("SetNX", func(t *testing.T) { testSetNX(t, newStore(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("Lists", func(t *testing.T) { testLists(t, newStore(t)) })
	t.Run("ConcurrentPop", func(t *testing.T) { testConcurrentPop(t, newStore(t)) })
	t.Run("Keys", func(t *testing.T) { testKeys(t, newStore(t)) })
	t.Run("Lease", func(t *testing.T) { testLease(t, newStore(t)) })
}

func testGet(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Set(ctx, "job:1", []byte("payload"), time.Hour))
	got, err := s.Get(ctx, "job:1")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)

	require.NoError(t, s.Del(ctx, "job:1"))
	_, err = s.Get(ctx, "job:1")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.ErrorIs(t, s.Expire(ctx, "job:1", time.Minute), store.ErrNotFound)
}

func testSetNX(t *testing.T, s store.Store) {
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "idempotency:k", []byte("job-a"), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.SetNX(ctx, "idempotency:k", []byte("job-b"), time.Hour)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.Get(ctx, "idempotency:k")
	require.NoError(t, err)
	require.Equal(t, []byte("job-a"), got)
}

func testUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()

	err := s.Update(ctx, "job:none", func(b []byte) ([]byte, error) { return b, nil })
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Set(ctx, "job:1", []byte("pending"), time.Hour))
	require.NoError(t, s.Update(ctx, "job:1", func(b []byte) ([]byte, error) {
		require.Equal(t, []byte("pending"), b)
		return []byte("processing"), nil
	}))
	got, err := s.Get(ctx, "job:1")
	require.NoError(t, err)
	require.Equal(t, []byte("processing"), got)

	boom := errors.New("boom")
	err = s.Update(ctx, "job:1", func([]byte) ([]byte, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	got, err = s.Get(ctx, "job:1")
	require.NoError(t, err)
	require.Equal(t, []byte("processing"), got)
}

func testLists(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.RPop(ctx, "queue:cpu")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.LPush(ctx, "queue:cpu", "a"))
	require.NoError(t, s.LPush(ctx, "queue:cpu", "b", "c"))

	n, err := s.LLen(ctx, "queue:cpu")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	for _, want := range []string{"a", "b", "c"} {
		got, err := s.RPop(ctx, "queue:cpu")
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	n, err = s.LLen(ctx, "queue:cpu")
	require.NoError(t, err)
	require.Zero(t, n)
}

func testConcurrentPop(t *testing.T, s store.Store) {
	ctx := context.Background()
	const total = 50

	for i := 0; i < total; i++ {
		require.NoError(t, s.LPush(ctx, "queue:gpu", fmt.Sprintf("job-%d", i)))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, err := s.RPop(ctx, "queue:gpu")
				if errors.Is(err, store.ErrNotFound) {
					return
				}
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				seen[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, total)
	for id, c := range seen {
		require.Equal(t, 1, c, "job %s popped more than once", id)
	}
}

func testKeys(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "gpu_worker_heartbeat:w1", []byte("1"), time.Hour))
	require.NoError(t, s.Set(ctx, "gpu_worker_heartbeat:w2", []byte("0"), time.Hour))
	require.NoError(t, s.Set(ctx, "job:1", []byte("x"), time.Hour))

	keys, err := s.Keys(ctx, "gpu_worker_heartbeat:*")
	require.NoError(t, err)
	sort.Strings(keys)
	require.Equal(t, []string{"gpu_worker_heartbeat:w1", "gpu_worker_heartbeat:w2"}, keys)
}

func testLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	const key = "gpu_worker_controller_lease"

	ok, err := s.AcquireLease(ctx, key, "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AcquireLease(ctx, key, "b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.AcquireLease(ctx, key, "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "holder must be able to extend")

	require.NoError(t, s.ReleaseLease(ctx, key, "b"))
	ok, err = s.AcquireLease(ctx, key, "b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "non-holder release must not drop the lease")

	require.NoError(t, s.ReleaseLease(ctx, key, "a"))
	ok, err = s.AcquireLease(ctx, key, "b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

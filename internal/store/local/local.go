package local

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/ssuji15/xsonic/internal/store"
)

// ErrFull is returned when a write would take the store past its byte budget.
// Acknowledged records are never evicted to make room.
var ErrFull = errors.New("local store: capacity exceeded")

type record struct {
	value    []byte
	expireAt time.Time // zero never expires
}

// LocalStore keeps records and lists in memory under a fixed byte budget.
// It backs single-process deployments and tests.
type LocalStore struct {
	mu      sync.Mutex
	records map[string]record
	lists   map[string][]string // index 0 is the right end
	used    int
	limit   int
	now     func() time.Time
}

func NewLocalStore(sizeBytes int) store.Store {
	return &LocalStore{
		records: make(map[string]record),
		lists:   make(map[string][]string),
		limit:   sizeBytes,
		now:     time.Now,
	}
}

func (l *LocalStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return l.now().Add(ttl)
}

func (r record) expired(now time.Time) bool {
	return !r.expireAt.IsZero() && !now.Before(r.expireAt)
}

func (l *LocalStore) get(key string) (record, error) {
	r, ok := l.records[key]
	if !ok {
		return record{}, store.ErrNotFound
	}
	if r.expired(l.now()) {
		l.drop(key)
		return record{}, store.ErrNotFound
	}
	return r, nil
}

func (l *LocalStore) drop(key string) {
	if r, ok := l.records[key]; ok {
		l.used -= len(key) + len(r.value)
		delete(l.records, key)
	}
}

// sweep drops every expired record.
func (l *LocalStore) sweep() {
	now := l.now()
	for key, r := range l.records {
		if r.expired(now) {
			l.drop(key)
		}
	}
}

// reserve makes sure delta more bytes fit, sweeping expired records first.
func (l *LocalStore) reserve(delta int) error {
	if delta <= 0 || l.used+delta <= l.limit {
		return nil
	}
	l.sweep()
	if l.used+delta > l.limit {
		return fmt.Errorf("%w: %d of %d bytes used", ErrFull, l.used, l.limit)
	}
	return nil
}

func (l *LocalStore) set(key string, value []byte, expireAt time.Time) error {
	delta := len(key) + len(value)
	if old, ok := l.records[key]; ok {
		delta -= len(key) + len(old.value)
	}
	if err := l.reserve(delta); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	l.drop(key)
	l.records[key] = record{value: append([]byte(nil), value...), expireAt: expireAt}
	l.used += len(key) + len(value)
	return nil
}

func (l *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, err := l.get(key)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), r.value...), nil
}

func (l *LocalStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.set(key, value, l.expiry(ttl))
}

func (l *LocalStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("key cannot be empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.get(key); err == nil {
		return false, nil
	}
	if err := l.set(key, value, l.expiry(ttl)); err != nil {
		return false, err
	}
	return true, nil
}

func (l *LocalStore) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, err := l.get(key)
	if err != nil {
		return err
	}
	next, err := fn(append([]byte(nil), cur.value...))
	if err != nil {
		return err
	}
	return l.set(key, next, cur.expireAt)
}

func (l *LocalStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, err := l.get(key)
	if err != nil {
		return err
	}
	cur.expireAt = l.expiry(ttl)
	l.records[key] = cur
	return nil
}

func (l *LocalStore) Del(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.drop(key)
	for _, v := range l.lists[key] {
		l.used -= len(v)
	}
	delete(l.lists, key)
	return nil
}

func (l *LocalStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %s: %w", pattern, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep()
	var out []string
	for key := range l.records {
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	for key, list := range l.lists {
		if len(list) == 0 {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	return out, nil
}

func (l *LocalStore) LPush(ctx context.Context, key string, values ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, v := range values {
		n += len(v)
	}
	if err := l.reserve(n); err != nil {
		return fmt.Errorf("failed to push to %s: %w", key, err)
	}
	l.lists[key] = append(l.lists[key], values...)
	l.used += n
	return nil
}

func (l *LocalStore) RPop(ctx context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	list := l.lists[key]
	if len(list) == 0 {
		return "", store.ErrNotFound
	}
	v := list[0]
	if len(list) == 1 {
		delete(l.lists, key)
	} else {
		l.lists[key] = list[1:]
	}
	l.used -= len(v)
	return v, nil
}

func (l *LocalStore) LLen(ctx context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return int64(len(l.lists[key])), nil
}

func (l *LocalStore) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, err := l.get(key)
	if err == nil && string(cur.value) != owner {
		return false, nil
	}
	if err := l.set(key, []byte(owner), l.expiry(ttl)); err != nil {
		return false, err
	}
	return true, nil
}

func (l *LocalStore) ReleaseLease(ctx context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, err := l.get(key)
	if err != nil {
		return nil
	}
	if string(cur.value) == owner {
		l.drop(key)
	}
	return nil
}

func (l *LocalStore) ShutDown(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = make(map[string]record)
	l.lists = make(map[string][]string)
	l.used = 0
}

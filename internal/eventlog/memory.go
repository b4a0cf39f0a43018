package eventlog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryLog is an in-process Log used by tests and --dry-run development.
// It honours the same semantics as the Redis provider: ordered ids,
// per-group cursors, at-least-once delivery until ack.
type MemoryLog struct {
	mu      sync.Mutex
	streams map[string][]Entry
	seq     map[string]int64
	// cursor per stream/group: index of next undelivered entry
	cursors map[string]int64
	// pending per stream/group: delivered but unacked ids
	pending map[string]map[string]Entry
	maxLen  int64

	kv   map[string]kvEntry
	sets map[string]map[string]struct{}
	hash map[string]map[string]string
}

type kvEntry struct {
	value string
	exp   time.Time
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog(maxLen int64) *MemoryLog {
	if maxLen == 0 {
		maxLen = 50000
	}
	return &MemoryLog{
		streams: make(map[string][]Entry),
		seq:     make(map[string]int64),
		cursors: make(map[string]int64),
		pending: make(map[string]map[string]Entry),
		maxLen:  maxLen,
		kv:      make(map[string]kvEntry),
		sets:    make(map[string]map[string]struct{}),
		hash:    make(map[string]map[string]string),
	}
}

func groupKey(stream, group string) string { return stream + "/" + group }

func (l *MemoryLog) Append(_ context.Context, stream string, fields map[string]string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq[stream]++
	id := fmt.Sprintf("%d-0", l.seq[stream])
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	l.streams[stream] = append(l.streams[stream], Entry{ID: id, Fields: copied})
	if int64(len(l.streams[stream])) > l.maxLen {
		// Length-capped retention: evict the oldest and shift group cursors.
		drop := int64(len(l.streams[stream])) - l.maxLen
		l.streams[stream] = l.streams[stream][drop:]
		for k := range l.cursors {
			if strings.HasPrefix(k, stream+"/") && l.cursors[k] >= drop {
				l.cursors[k] -= drop
			}
		}
	}
	return id, nil
}

func (l *MemoryLog) EnsureGroup(_ context.Context, stream, group string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := groupKey(stream, group)
	if _, ok := l.pending[key]; !ok {
		l.pending[key] = make(map[string]Entry)
	}
	return nil
}

func (l *MemoryLog) Consume(ctx context.Context, stream, group, _ string, max int64, block time.Duration) ([]Entry, error) {
	deadline := time.Now().Add(block)
	for {
		l.mu.Lock()
		key := groupKey(stream, group)
		if _, ok := l.pending[key]; !ok {
			l.pending[key] = make(map[string]Entry)
		}
		entries := l.streams[stream]
		cur := l.cursors[key]
		var out []Entry
		for cur < int64(len(entries)) && int64(len(out)) < max {
			e := entries[cur]
			out = append(out, e)
			l.pending[key][e.ID] = e
			cur++
		}
		l.cursors[key] = cur
		l.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		if block <= 0 || time.Now().After(deadline) {
			return nil, ErrNoEntries
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (l *MemoryLog) Ack(_ context.Context, stream, group, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending[groupKey(stream, group)], id)
	return nil
}

// PendingCount reports unacked entries for a group. Test helper.
func (l *MemoryLog) PendingCount(stream, group string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending[groupKey(stream, group)])
}

func (l *MemoryLog) Len(_ context.Context, stream string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.streams[stream])), nil
}

func (l *MemoryLog) Set(_ context.Context, key, value string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := kvEntry{value: value}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl)
	}
	l.kv[key] = e
	return nil
}

func (l *MemoryLog) Get(_ context.Context, key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.kv[key]
	if !ok || (!e.exp.IsZero() && time.Now().After(e.exp)) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (l *MemoryLog) SAdd(_ context.Context, key, member string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sets[key] == nil {
		l.sets[key] = make(map[string]struct{})
	}
	if _, exists := l.sets[key][member]; exists {
		return false, nil
	}
	l.sets[key][member] = struct{}{}
	return true, nil
}

func (l *MemoryLog) SIsMember(_ context.Context, key, member string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.sets[key][member]
	return ok, nil
}

func (l *MemoryLog) HSet(_ context.Context, key string, fields map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hash[key] == nil {
		l.hash[key] = make(map[string]string)
	}
	for k, v := range fields {
		l.hash[key][k] = v
	}
	return nil
}

func (l *MemoryLog) HGetAll(_ context.Context, key string) (map[string]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.hash[key]))
	for k, v := range l.hash[key] {
		out[k] = v
	}
	return out, nil
}

func (l *MemoryLog) Expire(_ context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.kv[key]; ok {
		e.exp = time.Now().Add(ttl)
		l.kv[key] = e
	}
	// Hash and set expiry is a no-op in memory; tests do not depend on it.
	return nil
}

func (l *MemoryLog) Ping(context.Context) error { return nil }

func (l *MemoryLog) Close() error { return nil }

// Package callstore persists a summary record for every relayed call.
package callstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when no record exists for a call id.
var ErrNotFound = errors.New("callstore: record not found")

// Record summarizes one relayed call. Transcripts are not stored.
type Record struct {
	CallID         string    `json:"callId"`
	NativeCallID   string    `json:"nativeCallId,omitempty"`
	Direction      string    `json:"direction"`
	CallerIDNumber string    `json:"callerIdNumber,omitempty"`
	CalledNumber   string    `json:"calledNumber,omitempty"`
	Mode           string    `json:"mode,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	EndedAt        time.Time `json:"endedAt"`
	DurationMs     int64     `json:"durationMs"`
	BytesIn        int64     `json:"bytesIn"`
	BytesOut       int64     `json:"bytesOut"`
	EndReason      string    `json:"endReason"`
}

// Store persists call records.
type Store interface {
	// Save inserts or replaces the record for rec.CallID.
	Save(ctx context.Context, rec *Record) error
	Get(ctx context.Context, callID string) (*Record, error)
	// List returns records, most recently ended first.
	List(ctx context.Context, limit, offset int) ([]*Record, error)
	// Prune removes records that ended more than olderThan ago.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
	Close() error
}

// MemoryStore keeps records in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// Save stores a copy of rec.
func (s *MemoryStore) Save(_ context.Context, rec *Record) error {
	if rec == nil {
		return nil
	}
	if rec.CallID == "" {
		return errors.New("callstore: call id is required")
	}
	clone := *rec
	s.mu.Lock()
	s.records[rec.CallID] = &clone
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the record.
func (s *MemoryStore) Get(_ context.Context, callID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[callID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

// List returns copies of the records, most recently ended first.
func (s *MemoryStore) List(_ context.Context, limit, offset int) ([]*Record, error) {
	s.mu.RLock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		clone := *rec
		out = append(out, &clone)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].EndedAt.Equal(out[j].EndedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].EndedAt.After(out[j].EndedAt)
	})
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return []*Record{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Prune removes records that ended before now minus olderThan.
func (s *MemoryStore) Prune(_ context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.records {
		if rec.EndedAt.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

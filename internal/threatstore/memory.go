package threatstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"otwatch/internal/schema"
)

// MemoryStore is an in-memory ThreatStore guarded by a mutex. It backs
// development mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	byIndex  map[int]*schema.ThreatRecord
	byID     map[string]int
	maxIndex int

	// issued is the highest index handed out by NextIndex. Reservation
	// happens at issue time, so an index is never shared between two
	// callers even before either record is inserted.
	issued int

	// classificationWrites counts effective (non-idempotent) updates.
	classificationWrites uint64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byIndex:  make(map[int]*schema.ThreatRecord),
		byID:     make(map[string]int),
		maxIndex: IndexStart - 1,
		issued:   IndexStart - 1,
	}
}

// Insert stores a new threat record.
func (s *MemoryStore) Insert(_ context.Context, threat *schema.ThreatRecord) error {
	if threat == nil || threat.ID == "" {
		return ErrInvalidData
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byIndex[threat.Index]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateIndex, threat.Index)
	}

	stored := *threat
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	s.byIndex[stored.Index] = &stored
	s.byID[stored.ID] = stored.Index
	if stored.Index > s.maxIndex {
		s.maxIndex = stored.Index
	}
	if stored.Index > s.issued {
		s.issued = stored.Index
	}
	return nil
}

// NextIndex reserves and returns the next threat index. The counter
// advances on issue, not on insert, so two calls never share an index
// even while the first record is still in flight through the queue.
func (s *MemoryStore) NextIndex(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.issued++
	return s.issued, nil
}

// FindByIndex returns the record with the exact index.
func (s *MemoryStore) FindByIndex(_ context.Context, index int) (*schema.ThreatRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	threat, ok := s.byIndex[index]
	if !ok {
		return nil, fmt.Errorf("%w: index=%d", ErrNotFound, index)
	}
	return copyOf(threat), nil
}

// FindByTimestamp returns a record whose event timestamp denotes the same
// instant, comparing normalized representations.
func (s *MemoryStore) FindByTimestamp(_ context.Context, ts time.Time) (*schema.ThreatRecord, error) {
	want := schema.NormalizeInstant(ts)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var match *schema.ThreatRecord
	for _, threat := range s.byIndex {
		if schema.NormalizeInstant(threat.EventTimestamp) == want {
			if match == nil || threat.Index < match.Index {
				match = threat
			}
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: timestamp=%s", ErrNotFound, want)
	}
	return copyOf(match), nil
}

// FindByTimestampRange returns records in [start, end], both inclusive,
// ordered by index ascending.
func (s *MemoryStore) FindByTimestampRange(_ context.Context, start, end time.Time) ([]*schema.ThreatRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*schema.ThreatRecord
	for _, threat := range s.byIndex {
		ts := threat.EventTimestamp
		if !ts.Before(start) && !ts.After(end) {
			results = append(results, copyOf(threat))
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	return results, nil
}

// UpdateClassification sets the classification of the identified record.
// Reapplying the current label is a no-op.
func (s *MemoryStore) UpdateClassification(_ context.Context, id, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: id=%s", ErrNotFound, id)
	}

	threat := s.byIndex[index]
	if threat.Classification == label {
		return nil
	}
	threat.Classification = label
	atomic.AddUint64(&s.classificationWrites, 1)
	return nil
}

// ListAfterIndex returns up to limit records with index greater than the
// watermark, ordered by index ascending.
func (s *MemoryStore) ListAfterIndex(_ context.Context, watermark, limit int) ([]*schema.ThreatRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*schema.ThreatRecord
	for _, threat := range s.byIndex {
		if threat.Index > watermark {
			results = append(results, copyOf(threat))
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// ListRecent returns up to limit records ordered by event timestamp descending.
func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]*schema.ThreatRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*schema.ThreatRecord, 0, len(s.byIndex))
	for _, threat := range s.byIndex {
		results = append(results, copyOf(threat))
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].EventTimestamp.After(results[j].EventTimestamp)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// MaxIndex returns the highest issued index.
func (s *MemoryStore) MaxIndex(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxIndex, nil
}

// Count returns the total number of records.
func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.byIndex)), nil
}

// CountSince returns the number of records with event timestamps after since.
func (s *MemoryStore) CountSince(_ context.Context, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, threat := range s.byIndex {
		if threat.EventTimestamp.After(since) {
			n++
		}
	}
	return n, nil
}

// CountByStatus returns the number of records in the given status.
func (s *MemoryStore) CountByStatus(_ context.Context, status schema.Status) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, threat := range s.byIndex {
		if threat.Status == status {
			n++
		}
	}
	return n, nil
}

// CountByLevelAndStatus returns the number of records with the given level
// and status.
func (s *MemoryStore) CountByLevelAndStatus(_ context.Context, level schema.Level, status schema.Status) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, threat := range s.byIndex {
		if threat.Level == level && threat.Status == status {
			n++
		}
	}
	return n, nil
}

// DistinctSourceIPsSince returns distinct non-empty source IPs seen after since.
func (s *MemoryStore) DistinctSourceIPsSince(_ context.Context, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, threat := range s.byIndex {
		if threat.SourceIP != "" && threat.EventTimestamp.After(since) {
			seen[threat.SourceIP] = true
		}
	}

	ips := make([]string, 0, len(seen))
	for ip := range seen {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips, nil
}

// ClassificationWrites returns the number of effective classification
// updates applied. Idempotent reapplications do not count.
func (s *MemoryStore) ClassificationWrites() uint64 {
	return atomic.LoadUint64(&s.classificationWrites)
}

func copyOf(threat *schema.ThreatRecord) *schema.ThreatRecord {
	c := *threat
	return &c
}

// MemoryAnalysisStore is an in-memory AnalysisStore.
type MemoryAnalysisStore struct {
	mu       sync.RWMutex
	analyses []*schema.Analysis
	nextID   int64
}

// NewMemoryAnalysisStore creates an empty MemoryAnalysisStore.
func NewMemoryAnalysisStore() *MemoryAnalysisStore {
	return &MemoryAnalysisStore{nextID: 1}
}

// SaveAll stores a batch of analyses.
func (s *MemoryAnalysisStore) SaveAll(_ context.Context, analyses []*schema.Analysis) ([]*schema.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := make([]*schema.Analysis, 0, len(analyses))
	for _, a := range analyses {
		stored := *a
		stored.ID = s.nextID
		s.nextID++
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = time.Now().UTC()
		}
		s.analyses = append(s.analyses, &stored)
		out := stored
		saved = append(saved, &out)
	}
	return saved, nil
}

// ListRecent returns up to limit analyses ordered by timestamp descending.
func (s *MemoryAnalysisStore) ListRecent(_ context.Context, limit int) ([]*schema.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*schema.Analysis, 0, len(s.analyses))
	for _, a := range s.analyses {
		c := *a
		results = append(results, &c)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.After(results[j].Timestamp)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// CountSince returns the number of analyses with timestamps after since.
func (s *MemoryAnalysisStore) CountSince(_ context.Context, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, a := range s.analyses {
		if a.Timestamp.After(since) {
			n++
		}
	}
	return n, nil
}

// HasAnalysis reports whether any analysis is bound to the given threat ID.
func (s *MemoryAnalysisStore) HasAnalysis(_ context.Context, threatID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.analyses {
		if a.ThreatID == threatID {
			return true, nil
		}
	}
	return false, nil
}

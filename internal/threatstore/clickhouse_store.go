package threatstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"otwatch/internal/schema"
)

const threatColumns = `threat_id, threat_index, event_timestamp, detection_engine,
	source_ip, source_asset, destination_ip, destination_asset,
	threat_type, threat_level, status, score, created_at`

// ClickHouseStore is a ThreatStore backed by ClickHouse.
//
// Index issuance is serialized in-process: the counter is seeded from the
// table's max index on first use and advanced under a mutex, so indexes
// stay monotonic as long as one server owns ingestion.
type ClickHouseStore struct {
	client *ClickHouseClient

	indexMu   sync.Mutex
	nextIndex int
	seeded    bool
}

// NewClickHouseStore creates a ClickHouse-backed threat store.
func NewClickHouseStore(client *ClickHouseClient) *ClickHouseStore {
	return &ClickHouseStore{client: client}
}

// Insert stores a new threat record.
func (s *ClickHouseStore) Insert(ctx context.Context, threat *schema.ThreatRecord) error {
	if threat == nil || threat.ID == "" {
		return ErrInvalidData
	}

	createdAt := threat.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := fmt.Sprintf("INSERT INTO threats (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", threatColumns)
	err := s.client.Exec(ctx, query,
		threat.ID,
		uint32(threat.Index),
		threat.EventTimestamp.UTC(),
		string(threat.Engine),
		threat.SourceIP,
		threat.SourceAsset,
		threat.DestinationIP,
		threat.DestAsset,
		threat.Classification,
		string(threat.Level),
		string(threat.Status),
		threat.Score,
		createdAt,
	)
	if err != nil {
		return WrapQueryError("Insert", err)
	}
	return nil
}

// NextIndex returns the next unissued threat index.
func (s *ClickHouseStore) NextIndex(ctx context.Context) (int, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	if !s.seeded {
		max, err := s.maxIndexLocked(ctx)
		if err != nil {
			return 0, err
		}
		s.nextIndex = max + 1
		s.seeded = true
	}

	issued := s.nextIndex
	s.nextIndex++
	return issued, nil
}

// FindByIndex returns the record with the exact index.
func (s *ClickHouseStore) FindByIndex(ctx context.Context, index int) (*schema.ThreatRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM threats WHERE threat_index = ? LIMIT 1", threatColumns)
	return s.queryOne(ctx, "FindByIndex", query, uint32(index))
}

// FindByTimestamp returns a record whose event timestamp denotes the same
// instant as ts.
func (s *ClickHouseStore) FindByTimestamp(ctx context.Context, ts time.Time) (*schema.ThreatRecord, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM threats WHERE event_timestamp = ? ORDER BY threat_index LIMIT 1", threatColumns)
	return s.queryOne(ctx, "FindByTimestamp", query, ts.UTC())
}

// FindByTimestampRange returns records in [start, end], both inclusive,
// ordered by index ascending.
func (s *ClickHouseStore) FindByTimestampRange(ctx context.Context, start, end time.Time) ([]*schema.ThreatRecord, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM threats WHERE event_timestamp >= ? AND event_timestamp <= ? ORDER BY threat_index",
		threatColumns)
	return s.queryMany(ctx, "FindByTimestampRange", query, start.UTC(), end.UTC())
}

// UpdateClassification sets the classification of the identified record.
// The mutation predicate makes reapplying the current label a no-op.
func (s *ClickHouseStore) UpdateClassification(ctx context.Context, id, label string) error {
	err := s.client.Exec(ctx,
		"ALTER TABLE threats UPDATE threat_type = ? WHERE threat_id = ? AND threat_type != ?",
		label, id, label)
	if err != nil {
		return WrapQueryError("UpdateClassification", err)
	}
	return nil
}

// ListAfterIndex returns up to limit records with index greater than the
// watermark, ordered by index ascending.
func (s *ClickHouseStore) ListAfterIndex(ctx context.Context, watermark, limit int) ([]*schema.ThreatRecord, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM threats WHERE threat_index > ? ORDER BY threat_index LIMIT ?", threatColumns)
	return s.queryMany(ctx, "ListAfterIndex", query, uint32(watermark), uint32(limit))
}

// ListRecent returns up to limit records ordered by event timestamp descending.
func (s *ClickHouseStore) ListRecent(ctx context.Context, limit int) ([]*schema.ThreatRecord, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM threats ORDER BY event_timestamp DESC LIMIT ?", threatColumns)
	return s.queryMany(ctx, "ListRecent", query, uint32(limit))
}

// MaxIndex returns the highest issued index.
func (s *ClickHouseStore) MaxIndex(ctx context.Context) (int, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	return s.maxIndexLocked(ctx)
}

func (s *ClickHouseStore) maxIndexLocked(ctx context.Context) (int, error) {
	var max uint32
	row := s.client.QueryRow(ctx, "SELECT max(threat_index) FROM threats")
	if err := row.Scan(&max); err != nil {
		return 0, WrapQueryError("MaxIndex", err)
	}
	if max == 0 {
		return IndexStart - 1, nil
	}
	return int(max), nil
}

// Count returns the total number of records.
func (s *ClickHouseStore) Count(ctx context.Context) (int64, error) {
	return s.count(ctx, "Count", "SELECT count() FROM threats")
}

// CountSince returns the number of records with event timestamps after since.
func (s *ClickHouseStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	return s.count(ctx, "CountSince",
		"SELECT count() FROM threats WHERE event_timestamp > ?", since.UTC())
}

// CountByStatus returns the number of records in the given status.
func (s *ClickHouseStore) CountByStatus(ctx context.Context, status schema.Status) (int64, error) {
	return s.count(ctx, "CountByStatus",
		"SELECT count() FROM threats WHERE status = ?", string(status))
}

// CountByLevelAndStatus returns the number of records with the given level
// and status.
func (s *ClickHouseStore) CountByLevelAndStatus(ctx context.Context, level schema.Level, status schema.Status) (int64, error) {
	return s.count(ctx, "CountByLevelAndStatus",
		"SELECT count() FROM threats WHERE threat_level = ? AND status = ?",
		string(level), string(status))
}

// DistinctSourceIPsSince returns distinct non-empty source IPs seen after since.
func (s *ClickHouseStore) DistinctSourceIPsSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.client.Query(ctx,
		"SELECT DISTINCT source_ip FROM threats WHERE source_ip != '' AND event_timestamp > ? ORDER BY source_ip",
		since.UTC())
	if err != nil {
		return nil, WrapQueryError("DistinctSourceIPsSince", err)
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, WrapQueryError("DistinctSourceIPsSince", err)
		}
		ips = append(ips, ip)
	}
	return ips, rows.Err()
}

func (s *ClickHouseStore) count(ctx context.Context, op, query string, args ...any) (int64, error) {
	var n uint64
	row := s.client.QueryRow(ctx, query, args...)
	if err := row.Scan(&n); err != nil {
		return 0, WrapQueryError(op, err)
	}
	return int64(n), nil
}

func (s *ClickHouseStore) queryOne(ctx context.Context, op, query string, args ...any) (*schema.ThreatRecord, error) {
	threats, err := s.queryMany(ctx, op, query, args...)
	if err != nil {
		return nil, err
	}
	if len(threats) == 0 {
		return nil, ErrNotFound
	}
	return threats[0], nil
}

func (s *ClickHouseStore) queryMany(ctx context.Context, op, query string, args ...any) ([]*schema.ThreatRecord, error) {
	rows, err := s.client.Query(ctx, query, args...)
	if err != nil {
		return nil, WrapQueryError(op, err)
	}
	defer rows.Close()

	var threats []*schema.ThreatRecord
	for rows.Next() {
		var (
			t      schema.ThreatRecord
			index  uint32
			engine string
			level  string
			status string
		)
		if err := rows.Scan(
			&t.ID, &index, &t.EventTimestamp, &engine,
			&t.SourceIP, &t.SourceAsset, &t.DestinationIP, &t.DestAsset,
			&t.Classification, &level, &status, &t.Score, &t.CreatedAt,
		); err != nil {
			return nil, WrapQueryError(op, err)
		}
		t.Index = int(index)
		t.Engine = schema.Engine(engine)
		t.Level = schema.Level(level)
		t.Status = schema.Status(status)
		threats = append(threats, &t)
	}
	return threats, rows.Err()
}

// ClickHouseAnalysisStore is an AnalysisStore backed by ClickHouse.
type ClickHouseAnalysisStore struct {
	client *ClickHouseClient

	idMu   sync.Mutex
	nextID int64
	seeded bool
}

// NewClickHouseAnalysisStore creates a ClickHouse-backed analysis store.
func NewClickHouseAnalysisStore(client *ClickHouseClient) *ClickHouseAnalysisStore {
	return &ClickHouseAnalysisStore{client: client}
}

const analysisColumns = `id, threat_id, threat_index, timestamp, threat_type,
	source_ip, destination_asset_ip, detection_details, violation, conclusion, created_at`

// SaveAll stores a batch of analyses.
func (s *ClickHouseAnalysisStore) SaveAll(ctx context.Context, analyses []*schema.Analysis) ([]*schema.Analysis, error) {
	if len(analyses) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf("INSERT INTO analyses (%s)", analysisColumns)
	batch, err := s.client.PrepareBatch(ctx, query)
	if err != nil {
		return nil, WrapQueryError("SaveAll", err)
	}

	saved := make([]*schema.Analysis, 0, len(analyses))
	for _, a := range analyses {
		stored := *a
		stored.ID, err = s.issueID(ctx)
		if err != nil {
			return nil, err
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = time.Now().UTC()
		}

		if err := batch.Append(
			uint64(stored.ID), stored.ThreatID, uint32(stored.ThreatIndex),
			stored.Timestamp.UTC(), stored.Classification,
			stored.SourceIP, stored.DestinationIP,
			stored.DetectionDetails, stored.Violation, stored.Conclusion,
			stored.CreatedAt,
		); err != nil {
			return nil, WrapQueryError("SaveAll", err)
		}
		saved = append(saved, &stored)
	}

	if err := batch.Send(); err != nil {
		return nil, WrapQueryError("SaveAll", err)
	}
	return saved, nil
}

// ListRecent returns up to limit analyses ordered by timestamp descending.
func (s *ClickHouseAnalysisStore) ListRecent(ctx context.Context, limit int) ([]*schema.Analysis, error) {
	query := fmt.Sprintf("SELECT %s FROM analyses ORDER BY timestamp DESC LIMIT ?", analysisColumns)
	rows, err := s.client.Query(ctx, query, uint32(limit))
	if err != nil {
		return nil, WrapQueryError("ListRecent", err)
	}
	defer rows.Close()

	var analyses []*schema.Analysis
	for rows.Next() {
		var (
			a     schema.Analysis
			id    uint64
			index uint32
		)
		if err := rows.Scan(
			&id, &a.ThreatID, &index, &a.Timestamp, &a.Classification,
			&a.SourceIP, &a.DestinationIP,
			&a.DetectionDetails, &a.Violation, &a.Conclusion, &a.CreatedAt,
		); err != nil {
			return nil, WrapQueryError("ListRecent", err)
		}
		a.ID = int64(id)
		a.ThreatIndex = int(index)
		analyses = append(analyses, &a)
	}
	return analyses, rows.Err()
}

// CountSince returns the number of analyses with timestamps after since.
func (s *ClickHouseAnalysisStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n uint64
	row := s.client.QueryRow(ctx,
		"SELECT count() FROM analyses WHERE timestamp > ?", since.UTC())
	if err := row.Scan(&n); err != nil {
		return 0, WrapQueryError("CountSince", err)
	}
	return int64(n), nil
}

// HasAnalysis reports whether any analysis is bound to the given threat ID.
func (s *ClickHouseAnalysisStore) HasAnalysis(ctx context.Context, threatID string) (bool, error) {
	var n uint64
	row := s.client.QueryRow(ctx,
		"SELECT count() FROM analyses WHERE threat_id = ?", threatID)
	if err := row.Scan(&n); err != nil {
		return false, WrapQueryError("HasAnalysis", err)
	}
	return n > 0, nil
}

func (s *ClickHouseAnalysisStore) issueID(ctx context.Context) (int64, error) {
	s.idMu.Lock()
	defer s.idMu.Unlock()

	if !s.seeded {
		var max uint64
		row := s.client.QueryRow(ctx, "SELECT max(id) FROM analyses")
		if err := row.Scan(&max); err != nil {
			return 0, WrapQueryError("issueID", err)
		}
		s.nextID = int64(max) + 1
		s.seeded = true
	}

	id := s.nextID
	s.nextID++
	return id, nil
}

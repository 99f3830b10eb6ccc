// Package threatstore provides storage for threat records and analyses.
// The store exposes only narrow lookup and update methods: callers never
// hold a live reference to a stored record across calls.
package threatstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"otwatch/internal/schema"
)

// IndexStart is the first threat index issued by an empty store.
const IndexStart = 1000

// Store error types for categorizing storage failures.
var (
	// ErrConnectionFailed indicates a failure to connect to the database.
	ErrConnectionFailed = errors.New("threatstore: connection failed")

	// ErrQueryFailed indicates a query execution failure.
	ErrQueryFailed = errors.New("threatstore: query failed")

	// ErrNotFound indicates the requested record was not found.
	ErrNotFound = errors.New("threatstore: not found")

	// ErrDuplicateIndex indicates an insert reusing an existing threat index.
	ErrDuplicateIndex = errors.New("threatstore: duplicate threat index")

	// ErrInvalidData indicates invalid data was provided.
	ErrInvalidData = errors.New("threatstore: invalid data")
)

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// WrapQueryError wraps an error as a query error with operation context.
func WrapQueryError(op string, err error) error {
	return fmt.Errorf("threatstore.%s: %w: %v", op, ErrQueryFailed, err)
}

// ThreatStore is the canonical store of threat records.
//
// Classification updates are last-write-wins: two concurrent correlations
// binding to the same record race on the classification field. This is a
// known, accepted race; classification converges once analyses stabilize.
type ThreatStore interface {
	// Insert stores a new threat record. The record's index must be unused.
	Insert(ctx context.Context, threat *schema.ThreatRecord) error

	// NextIndex returns the next unissued threat index. Indexes are
	// monotonically increasing and never reused.
	NextIndex(ctx context.Context) (int, error)

	// FindByIndex returns the record with the exact index, or ErrNotFound.
	FindByIndex(ctx context.Context, index int) (*schema.ThreatRecord, error)

	// FindByTimestamp returns a record whose event timestamp denotes the
	// same instant as ts (normalized comparison), or ErrNotFound.
	FindByTimestamp(ctx context.Context, ts time.Time) (*schema.ThreatRecord, error)

	// FindByTimestampRange returns all records with event timestamps in
	// [start, end], both bounds inclusive.
	FindByTimestampRange(ctx context.Context, start, end time.Time) ([]*schema.ThreatRecord, error)

	// UpdateClassification sets the classification of the identified
	// record. Reapplying the current label is a no-op.
	UpdateClassification(ctx context.Context, id, label string) error

	// ListAfterIndex returns up to limit records with index greater than
	// the watermark, ordered by index ascending.
	ListAfterIndex(ctx context.Context, watermark, limit int) ([]*schema.ThreatRecord, error)

	// ListRecent returns up to limit records ordered by event timestamp
	// descending.
	ListRecent(ctx context.Context, limit int) ([]*schema.ThreatRecord, error)

	// MaxIndex returns the highest issued index, or IndexStart-1 when the
	// store is empty.
	MaxIndex(ctx context.Context) (int, error)

	// Count returns the total number of records.
	Count(ctx context.Context) (int64, error)

	// CountSince returns the number of records with event timestamps
	// after since.
	CountSince(ctx context.Context, since time.Time) (int64, error)

	// CountByStatus returns the number of records in the given status.
	CountByStatus(ctx context.Context, status schema.Status) (int64, error)

	// CountByLevelAndStatus returns the number of records with the given
	// level and status.
	CountByLevelAndStatus(ctx context.Context, level schema.Level, status schema.Status) (int64, error)

	// DistinctSourceIPsSince returns the distinct non-empty source IPs of
	// records with event timestamps after since.
	DistinctSourceIPsSince(ctx context.Context, since time.Time) ([]string, error)
}

// AnalysisStore persists resolved analysis results.
type AnalysisStore interface {
	// SaveAll stores a batch of analyses and returns the stored entities.
	SaveAll(ctx context.Context, analyses []*schema.Analysis) ([]*schema.Analysis, error)

	// ListRecent returns up to limit analyses ordered by timestamp descending.
	ListRecent(ctx context.Context, limit int) ([]*schema.Analysis, error)

	// CountSince returns the number of analyses with timestamps after since.
	CountSince(ctx context.Context, since time.Time) (int64, error)

	// HasAnalysis reports whether at least one analysis is bound to the
	// given threat ID.
	HasAnalysis(ctx context.Context, threatID string) (bool, error)
}

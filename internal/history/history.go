// Package history keeps a queryable record of completed rounds in SQLite.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dyluth/fedloop/internal/flow"
)

// RoundRecord is one completed round.
type RoundRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Job          string    `gorm:"size:100;not null;index:idx_job_round" json:"job"`
	Round        int       `gorm:"not null;index:idx_job_round" json:"round"`
	Contributors int       `gorm:"not null" json:"contributors"`
	MetricsJSON  string    `gorm:"type:text" json:"-"`
	Best         bool      `gorm:"default:false" json:"best"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

// Metrics decodes the stored metrics.
func (r RoundRecord) Metrics() (map[string]float64, error) {
	metrics := map[string]float64{}
	if r.MetricsJSON == "" {
		return metrics, nil
	}
	if err := json.Unmarshal([]byte(r.MetricsJSON), &metrics); err != nil {
		return nil, fmt.Errorf("round %d: invalid metrics: %w", r.Round, err)
	}
	return metrics, nil
}

// Summary converts the record back to a round summary.
func (r RoundRecord) Summary() (flow.RoundSummary, error) {
	metrics, err := r.Metrics()
	if err != nil {
		return flow.RoundSummary{}, err
	}
	return flow.RoundSummary{
		Job:          r.Job,
		Round:        r.Round,
		Contributors: r.Contributors,
		Metrics:      metrics,
		Best:         r.Best,
	}, nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Job   string
	Since time.Time
	Until time.Time
	Limit int
}

// Store is a round history backed by gorm.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens (creating if needed) the SQLite database at path and migrates
// the schema. ":memory:" gives a private in-memory store.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("history path cannot be empty")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// SQLite allows a single writer; an in-memory database also exists per
	// connection, so the pool is pinned to one.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access history database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&RoundRecord{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordRound stores a completed round.
func (s *Store) RecordRound(ctx context.Context, summary flow.RoundSummary) error {
	metrics := summary.Metrics
	if metrics == nil {
		metrics = map[string]float64{}
	}
	data, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	record := RoundRecord{
		Job:          summary.Job,
		Round:        summary.Round,
		Contributors: summary.Contributors,
		MetricsJSON:  string(data),
		Best:         summary.Best,
		CreatedAt:    s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to record round %d: %w", summary.Round, err)
	}
	return nil
}

// List returns matching rounds, oldest first. With a limit, the most recent
// rounds are kept.
func (s *Store) List(ctx context.Context, f Filter) ([]RoundRecord, error) {
	q := s.db.WithContext(ctx).Model(&RoundRecord{})
	if f.Job != "" {
		q = q.Where("job = ?", f.Job)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("created_at <= ?", f.Until)
	}

	var records []RoundRecord
	if f.Limit > 0 {
		if err := q.Order("id DESC").Limit(f.Limit).Find(&records).Error; err != nil {
			return nil, fmt.Errorf("failed to list rounds: %w", err)
		}
		for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
			records[i], records[j] = records[j], records[i]
		}
		return records, nil
	}

	if err := q.Order("id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list rounds: %w", err)
	}
	return records, nil
}

// Best returns the most recent round of job that became the best, or nil.
func (s *Store) Best(ctx context.Context, job string) (*RoundRecord, error) {
	var record RoundRecord
	err := s.db.WithContext(ctx).
		Where("job = ? AND best = ?", job, true).
		Order("id DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query best round: %w", err)
	}
	return &record, nil
}

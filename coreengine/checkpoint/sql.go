package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type checkpointRow struct {
	ID        uint      `gorm:"primaryKey"`
	SessionID string    `gorm:"size:128;not null;index:idx_checkpoint_session_seq,priority:1"`
	Sequence  int       `gorm:"not null;index:idx_checkpoint_session_seq,priority:2"`
	Step      string    `gorm:"size:128"`
	Status    string    `gorm:"size:32"`
	Encoding  string    `gorm:"size:16"`
	Payload   []byte    `gorm:"not null"`
	SavedAt   time.Time `gorm:"not null"`
}

func (checkpointRow) TableName() string {
	return "case_checkpoints"
}

func (row *checkpointRow) record() Record {
	return Record{
		SessionID: row.SessionID,
		Sequence:  row.Sequence,
		Step:      row.Step,
		Status:    row.Status,
		Encoding:  row.Encoding,
		Payload:   row.Payload,
		SavedAt:   row.SavedAt,
	}
}

// SQLCheckpointer stores records in a gorm-managed table.
type SQLCheckpointer struct {
	db *gorm.DB
}

// NewSQLCheckpointer migrates the checkpoint table on db.
func NewSQLCheckpointer(db *gorm.DB) (*SQLCheckpointer, error) {
	if err := db.AutoMigrate(&checkpointRow{}); err != nil {
		return nil, fmt.Errorf("migrate checkpoint table: %w", err)
	}
	return &SQLCheckpointer{db: db}, nil
}

// OpenSQLite opens a pure-Go sqlite database at path (":memory:" for an
// in-memory database) and migrates it.
func OpenSQLite(path string) (*SQLCheckpointer, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// sqlite allows one writer; ":memory:" is also per connection.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return NewSQLCheckpointer(db)
}

// Save inserts the record.
func (s *SQLCheckpointer) Save(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	row := checkpointRow{
		SessionID: rec.SessionID,
		Sequence:  rec.Sequence,
		Step:      rec.Step,
		Status:    rec.Status,
		Encoding:  rec.Encoding,
		Payload:   rec.Payload,
		SavedAt:   rec.SavedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("save checkpoint %s: %w", rec.SessionID, err)
	}
	return nil
}

// Load returns the record with the highest sequence for the session.
func (s *SQLCheckpointer) Load(ctx context.Context, sessionID string) (*Record, error) {
	var row checkpointRow
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("sequence DESC").Order("id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", sessionID, err)
	}
	rec := row.record()
	return &rec, nil
}

// History returns every record for the session ordered by sequence.
func (s *SQLCheckpointer) History(ctx context.Context, sessionID string) ([]Record, error) {
	var rows []checkpointRow
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("sequence ASC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load checkpoint history %s: %w", sessionID, err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	out := make([]Record, len(rows))
	for i := range rows {
		out[i] = rows[i].record()
	}
	return out, nil
}

// Prune deletes records saved before cutoff and returns how many went.
func (s *SQLCheckpointer) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("saved_at < ?", cutoff).Delete(&checkpointRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Close closes the underlying connection pool.
func (s *SQLCheckpointer) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

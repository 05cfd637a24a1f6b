// Package archive persists appended turns beyond the short-term TTL. The
// store notifies the sink after every successful append batch; the sink
// keeps a durable copy in SQLite so expired conversations can still be
// audited or replayed.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/engramhq/engram/store"
	"github.com/engramhq/engram/types"
)

// TurnRecord is the archived form of one conversation turn. (thread_id,
// turn_id) is unique, so redelivered batches insert nothing.
type TurnRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	ThreadID   string `gorm:"size:128;not null;uniqueIndex:uq_thread_turn;index"`
	TurnID     string `gorm:"size:64;not null;uniqueIndex:uq_thread_turn"`
	Role       string `gorm:"size:16;not null"`
	Content    string
	Name       string `gorm:"size:128"`
	ToolCallID string `gorm:"size:128"`
	Metadata   string
	Timestamp  time.Time
	CreatedAt  time.Time
}

// TableName sets the archive table name.
func (TurnRecord) TableName() string { return "archived_turns" }

// SQLiteSink is a store.ArchiveSink backed by SQLite.
type SQLiteSink struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLiteSink opens (or creates) the archive database at path and runs
// the schema migration. Use ":memory:" for an ephemeral archive.
func NewSQLiteSink(path string, logger *zap.Logger) (*SQLiteSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	if err := db.AutoMigrate(&TurnRecord{}); err != nil {
		return nil, fmt.Errorf("migrate archive schema: %w", err)
	}

	return &SQLiteSink{
		db:     db,
		logger: logger.With(zap.String("component", "archive")),
	}, nil
}

// Notify implements store.ArchiveSink. Inserts are conflict-tolerant: a
// turn already archived for the thread is silently skipped.
func (s *SQLiteSink) Notify(ctx context.Context, threadID string, turns []types.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	records := make([]TurnRecord, 0, len(turns))
	for _, turn := range turns {
		rec := TurnRecord{
			ThreadID:   threadID,
			TurnID:     turn.ID,
			Role:       string(turn.Role),
			Content:    turn.Content,
			Name:       turn.Name,
			ToolCallID: turn.ToolCallID,
			Timestamp:  turn.Timestamp,
		}
		if turn.Metadata != nil {
			meta, err := json.Marshal(turn.Metadata)
			if err == nil {
				rec.Metadata = string(meta)
			}
		}
		records = append(records, rec)
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&records).Error
	if err != nil {
		return types.NewError(types.ErrArchiveFailed, "archive turns").
			WithCause(err).WithRetryable(true)
	}

	s.logger.Debug("turns archived",
		zap.String("thread_id", threadID),
		zap.Int("turns", len(records)))
	return nil
}

// Turns returns the archived turns for a thread, oldest-first.
func (s *SQLiteSink) Turns(ctx context.Context, threadID string) ([]types.Turn, error) {
	var records []TurnRecord
	err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, types.NewError(types.ErrArchiveFailed, "load archived turns").
			WithCause(err).WithRetryable(true)
	}

	turns := make([]types.Turn, 0, len(records))
	for _, rec := range records {
		turn := types.Turn{
			ID:         rec.TurnID,
			Role:       types.Role(rec.Role),
			Content:    rec.Content,
			Name:       rec.Name,
			ToolCallID: rec.ToolCallID,
			Timestamp:  rec.Timestamp,
		}
		if rec.Metadata != "" {
			var meta types.TurnMetadata
			if err := json.Unmarshal([]byte(rec.Metadata), &meta); err == nil {
				turn.Metadata = &meta
			}
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// Close closes the underlying database connection.
func (s *SQLiteSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ store.ArchiveSink = (*SQLiteSink)(nil)

// Package postgres stores transcript entries in PostgreSQL using GORM.
// All GORM usage is confined to this package and its sqlite sibling; the
// transcript.Entry type stays ORM-free.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/devbot/internal/transcript"
)

// EntryModel maps to the "transcript_entries" table.
// No UpdatedAt or DeletedAt: the transcript is append-only.
type EntryModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID string    `gorm:"not null;index"`
	Seq       int64     `gorm:"not null"`
	Turn      int       `gorm:"not null"`
	Kind      string    `gorm:"not null"`
	Tool      string
	Status    string
	Text      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index"`
}

func (EntryModel) TableName() string { return "transcript_entries" }

// Store implements transcript.Sink on top of a GORM connection. It is shared
// by the postgres and sqlite drivers.
type Store struct {
	db     *gorm.DB
	seq    atomic.Int64 // insertion order; timestamps can collide
	logger *slog.Logger
}

var _ transcript.Sink = (*Store)(nil)

// NewStore wraps an open GORM connection and migrates the transcript table.
func NewStore(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	if err := db.AutoMigrate(&EntryModel{}); err != nil {
		return nil, fmt.Errorf("auto-migrating transcript: %w", err)
	}
	s := &Store{db: db, logger: logger}
	s.seq.Store(time.Now().UnixNano())
	return s, nil
}

// Record appends a single entry. This is the only write method.
func (s *Store) Record(ctx context.Context, e transcript.Entry) error {
	model := toModel(e)
	model.Seq = s.seq.Add(1)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending transcript entry: %w", err)
	}
	return nil
}

// Session returns the entries of one session in insertion order. Used by
// operators and tests; the control loop never reads the transcript.
func (s *Store) Session(ctx context.Context, sessionID string) ([]transcript.Entry, error) {
	var models []EntryModel
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("querying transcript: %w", err)
	}
	entries := make([]transcript.Entry, len(models))
	for i := range models {
		entries[i] = toDomain(&models[i])
	}
	return entries, nil
}

// Ping checks the connection for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toModel(e transcript.Entry) EntryModel {
	created := e.Time
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return EntryModel{
		ID:        uuid.New(),
		SessionID: e.SessionID,
		Turn:      e.Turn,
		Kind:      string(e.Kind),
		Tool:      e.Tool,
		Status:    e.Status,
		Text:      e.Text,
		CreatedAt: created,
	}
}

func toDomain(m *EntryModel) transcript.Entry {
	return transcript.Entry{
		SessionID: m.SessionID,
		Turn:      m.Turn,
		Kind:      transcript.Kind(m.Kind),
		Tool:      m.Tool,
		Status:    m.Status,
		Text:      m.Text,
		Time:      m.CreatedAt,
	}
}

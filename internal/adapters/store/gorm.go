// Package store persists meeting records.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/liveroom/internal/config"
	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// meetingRecord is the meeting_records row.
type meetingRecord struct {
	ID        string     `gorm:"primaryKey;type:varchar(36)"`
	RoomID    string     `gorm:"type:varchar(128);not null;index"`
	StartedBy string     `gorm:"type:varchar(128);not null"`
	StartedAt time.Time  `gorm:"not null"`
	EndedAt   *time.Time `gorm:"index"`
}

func (meetingRecord) TableName() string { return "meeting_records" }

func (r meetingRecord) toDomain() *domain.MeetingRecord {
	return &domain.MeetingRecord{
		ID:        r.ID,
		RoomID:    domain.RoomID(r.RoomID),
		StartedBy: domain.UserID(r.StartedBy),
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
	}
}

// openRecordIndex allows a single row per room with ended_at unset. Both
// PostgreSQL and SQLite support partial indexes.
const openRecordIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_meeting_records_open
	ON meeting_records (room_id) WHERE ended_at IS NULL`

type GormStore struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// Open connects with the configured driver and migrates the schema.
func Open(cfg config.StoreConfig) (*GormStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		// Maps driver unique violations to gorm.ErrDuplicatedKey.
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if cfg.Driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	s := &GormStore{db: db, logger: log.With().Str("module", "store").Str("driver", cfg.Driver).Logger()}
	if err := s.Migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.logger.Info().Msg("meeting store ready")
	return s, nil
}

func (s *GormStore) Migrate() error {
	if err := s.db.AutoMigrate(&meetingRecord{}); err != nil {
		return fmt.Errorf("migrate meeting_records: %w", err)
	}
	if err := s.db.Exec(openRecordIndex).Error; err != nil {
		return fmt.Errorf("create open record index: %w", err)
	}
	return nil
}

func (s *GormStore) FindOpen(ctx context.Context, room domain.RoomID) (*domain.MeetingRecord, error) {
	var row meetingRecord
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND ended_at IS NULL", string(room)).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

func (s *GormStore) Insert(ctx context.Context, rec *domain.MeetingRecord) error {
	row := meetingRecord{
		ID:        rec.ID,
		RoomID:    string(rec.RoomID),
		StartedBy: string(rec.StartedBy),
		StartedAt: rec.StartedAt,
		EndedAt:   rec.EndedAt,
	}
	err := s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		s.logger.Warn().Str("room", row.RoomID).Msg("open record already exists")
		return core.ErrConflict
	}
	return err
}

// End only touches a row that is still open, so concurrent closes end it once.
func (s *GormStore) End(ctx context.Context, id string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&meetingRecord{}).
		Where("id = ? AND ended_at IS NULL", id).
		Update("ended_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Records lists every record of the room by start time.
func (s *GormStore) Records(ctx context.Context, room domain.RoomID) ([]domain.MeetingRecord, error) {
	var rows []meetingRecord
	if err := s.db.WithContext(ctx).Where("room_id = ?", string(room)).Order("started_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.MeetingRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r.toDomain())
	}
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

package jobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "remindbot/pkg/logx"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// pgJob is the gorm model behind the postgres driver.
type pgJob struct {
	ID             string     `gorm:"primaryKey;type:text"`
	Cron           string     `gorm:"type:text;not null"`
	Timezone       string     `gorm:"type:text;not null"`
	ChatID         int64      `gorm:"index;not null"`
	TaskMessage    string     `gorm:"type:text;not null"`
	NextRunTime    *time.Time `gorm:"index;type:timestamptz"`
	MaxInstances   int        `gorm:"not null"`
	CoalesceMissed bool       `gorm:"not null"`
	Executor       string     `gorm:"type:text;not null"`
	CreatedAt      time.Time  `gorm:"type:timestamptz;not null"`
}

func (pgJob) TableName() string { return "reminder_jobs" }

func toPG(r Record) pgJob {
	row := pgJob{
		ID:             r.ID,
		Cron:           r.Cron,
		Timezone:       r.Timezone,
		ChatID:         r.ChatID,
		TaskMessage:    r.TaskMessage,
		MaxInstances:   r.MaxInstances,
		CoalesceMissed: r.Coalesce,
		Executor:       r.Executor,
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if !r.NextRunTime.IsZero() {
		t := r.NextRunTime.UTC()
		row.NextRunTime = &t
	}
	return row
}

func fromPG(row pgJob) Record {
	r := Record{
		ID:           row.ID,
		Cron:         row.Cron,
		Timezone:     row.Timezone,
		ChatID:       row.ChatID,
		TaskMessage:  row.TaskMessage,
		MaxInstances: row.MaxInstances,
		Coalesce:     row.CoalesceMissed,
		Executor:     row.Executor,
		CreatedAt:    row.CreatedAt.UTC(),
	}
	if row.NextRunTime != nil {
		r.NextRunTime = row.NextRunTime.UTC()
	}
	return r
}

type postgresStore struct {
	db  *gorm.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}
	if err := db.AutoMigrate(&pgJob{}); err != nil {
		return nil, &StoreError{Op: "migrate", Err: err}
	}
	log.Debug("postgres store opened")
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Put(ctx context.Context, r Record) error {
	if err := validate(r); err != nil {
		return &StoreError{Op: "put", ID: r.ID, Err: err}
	}
	row := toPG(r)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"cron", "timezone", "chat_id", "task_message", "next_run_time",
				"max_instances", "coalesce_missed", "executor",
			}),
		}).
		Create(&row).Error
	if err != nil {
		return &StoreError{Op: "put", ID: r.ID, Err: err}
	}
	return nil
}

func (s *postgresStore) Get(ctx context.Context, id string) (Record, bool, error) {
	var row pgJob
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, &StoreError{Op: "get", ID: id, Err: err}
	}
	return fromPG(row), true, nil
}

func (s *postgresStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&pgJob{}, "id = ?", id)
	if res.Error != nil {
		return &StoreError{Op: "delete", ID: id, Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *postgresStore) List(ctx context.Context) ([]Record, error) {
	var rows []pgJob
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromPG(row))
	}
	return out, nil
}

func (s *postgresStore) Update(ctx context.Context, id string, fn func(*Record) error) (Record, error) {
	var out Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row pgJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("update %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return &StoreError{Op: "update", ID: id, Err: err}
		}
		next, err := applyUpdate(fromPG(row), fn)
		if err != nil {
			return err
		}
		updated := toPG(next)
		if err := tx.Save(&updated).Error; err != nil {
			return &StoreError{Op: "update", ID: id, Err: err}
		}
		out = next
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

func (s *postgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

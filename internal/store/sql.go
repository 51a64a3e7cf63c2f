package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// record is the single table shared by all namespaces.
type record struct {
	Namespace string    `gorm:"primaryKey;size:32"`
	Key       string    `gorm:"column:record_key;primaryKey;size:128"`
	Data      []byte    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (record) TableName() string { return "codemode_records" }

// SQLBackend stores records through GORM. Row-level upserts keep writers to
// different keys independent.
type SQLBackend struct {
	db *gorm.DB
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// OpenSQLite opens (creating if needed) a SQLite database at path using the
// pure-Go driver.
func OpenSQLite(path string) (*SQLBackend, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	return NewSQLBackend(db)
}

// OpenPostgres connects to PostgreSQL.
func OpenPostgres(dsn string) (*SQLBackend, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("opening postgres store: %w", err)
	}
	return NewSQLBackend(db)
}

// NewSQLBackend migrates the records table on db.
func NewSQLBackend(db *gorm.DB) (*SQLBackend, error) {
	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("migrating store: %w", err)
	}
	return &SQLBackend{db: db}, nil
}

func (b *SQLBackend) Get(ctx context.Context, ns, key string) ([]byte, error) {
	var r record
	err := b.db.WithContext(ctx).
		Where("namespace = ? AND record_key = ?", ns, key).
		First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting %s/%s: %w", ns, key, err)
	}
	return r.Data, nil
}

func (b *SQLBackend) Put(ctx context.Context, ns, key string, data []byte) error {
	r := record{Namespace: ns, Key: key, Data: data}
	err := b.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "namespace"}, {Name: "record_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
		}).
		Create(&r).Error
	if err != nil {
		return fmt.Errorf("upserting %s/%s: %w", ns, key, err)
	}
	return nil
}

func (b *SQLBackend) Create(ctx context.Context, ns, key string, data []byte) error {
	r := record{Namespace: ns, Key: key, Data: data}
	res := b.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&r)
	if res.Error != nil {
		return fmt.Errorf("creating %s/%s: %w", ns, key, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrExists
	}
	return nil
}

func (b *SQLBackend) Delete(ctx context.Context, ns, key string) error {
	res := b.db.WithContext(ctx).
		Where("namespace = ? AND record_key = ?", ns, key).
		Delete(&record{})
	if res.Error != nil {
		return fmt.Errorf("deleting %s/%s: %w", ns, key, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *SQLBackend) List(ctx context.Context, ns string) ([]string, error) {
	keys := []string{}
	err := b.db.WithContext(ctx).
		Model(&record{}).
		Where("namespace = ?", ns).
		Order("record_key ASC").
		Pluck("record_key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", ns, err)
	}
	return keys, nil
}

func (b *SQLBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

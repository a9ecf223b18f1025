package docstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

const (
	defaultGormTableName = "latch_document"
	defaultGormOpTimeout = 5 * time.Second
)

// gormNamespace is the internal model: one row per namespace of the document.
type gormNamespace struct {
	Namespace string `gorm:"primaryKey;column:namespace"`
	Payload   []byte `gorm:"column:payload"`
}

// GormStore implements Store using a GORM backend.
type GormStore struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
}

// GormOption configures a GormStore.
type GormOption func(*gormStoreOptions)

type gormStoreOptions struct {
	tableName string
	timeout   time.Duration
}

// WithGormTableName sets the table name for the GormStore.
func WithGormTableName(name string) GormOption {
	return func(o *gormStoreOptions) {
		o.tableName = name
	}
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormStoreOptions) {
		o.timeout = d
	}
}

// NewGormStore returns a new GormStore using the provided GORM DB connection.
func NewGormStore(db *gorm.DB, opts ...GormOption) *GormStore {
	o := gormStoreOptions{tableName: defaultGormTableName, timeout: defaultGormOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	// Ensure the table exists
	if !db.Migrator().HasTable(o.tableName) {
		_ = db.Table(o.tableName).AutoMigrate(&gormNamespace{})
	}

	return &GormStore{db: db, tableName: o.tableName, timeout: o.timeout}
}

func mapGormErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return latcherrors.ErrTimeout
	}
	return err
}

// Get implements Store.Get.
func (s *GormStore) Get(ctx context.Context) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapGormErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []gormNamespace
	if err := s.db.WithContext(cctx).Table(s.tableName).Find(&rows).Error; err != nil {
		return nil, mapGormErr(err)
	}
	doc := make(Document, len(rows))
	for _, row := range rows {
		doc[row.Namespace] = append([]byte(nil), row.Payload...)
	}
	return doc, nil
}

// Set implements Store.Set using an upsert per patched namespace.
func (s *GormStore) Set(ctx context.Context, patch Document) error {
	if len(patch) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return mapGormErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows := make([]gormNamespace, 0, len(patch))
	for ns, payload := range patch {
		rows = append(rows, gormNamespace{Namespace: ns, Payload: append([]byte(nil), payload...)})
	}
	err := s.db.WithContext(cctx).Table(s.tableName).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload"}),
	}).Create(&rows).Error
	return mapGormErr(err)
}

// Remove implements Store.Remove.
func (s *GormStore) Remove(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return mapGormErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.db.WithContext(cctx).Table(s.tableName).Delete(&gormNamespace{}, "namespace = ?", namespace).Error
	return mapGormErr(err)
}

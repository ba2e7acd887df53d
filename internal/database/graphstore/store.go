// Package graphstore persists the firehose projection: users, posts and the
// like/repost/follow edges between them.
//
// The upstream source of truth is an eventually-consistent stream, so every
// mutation here is idempotent: inserts are upsert-unless-conflict, edge adds
// are conflict-ignoring, deletes of absent rows are no-ops. Referential
// cleanup (author cascade, edge cleanup, link clearing) is done explicitly in
// transactions rather than relying on database-level foreign keys, which are
// not enforced on every supported backend.
package graphstore

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/atgraph/atgraph/internal/models"
)

// ErrDIDConflict reports that an insert collided on the did column while the
// conflict target was the handle column. Callers recover by re-selecting the
// row by did.
var ErrDIDConflict = errors.New("graphstore: user insert conflicts on did")

// Store wraps a gorm database with the projection's mutation set.
type Store struct {
	db *gorm.DB
}

// Open connects to the database named by dsn and migrates the schema.
// A dsn beginning with "postgres://" selects the postgres driver; anything
// else is treated as a sqlite path.
func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open graph database: %w", err)
	}

	return NewWithDB(db)
}

// NewWithDB wraps an already-open gorm handle and migrates the schema.
// The handle must have been opened with TranslateError enabled.
func NewWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the gorm handle for advanced queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Stats holds row counts for periodic metric collection.
type Stats struct {
	Users   int64
	Posts   int64
	Likes   int64
	Reposts int64
	Follows int64
}

// Counts returns row counts across the projection.
func (s *Store) Counts() (Stats, error) {
	var st Stats
	for _, c := range []struct {
		model any
		dst   *int64
	}{
		{&models.User{}, &st.Users},
		{&models.Post{}, &st.Posts},
		{&models.Like{}, &st.Likes},
		{&models.Repost{}, &st.Reposts},
		{&models.Follow{}, &st.Follows},
	} {
		if err := s.db.Model(c.model).Count(c.dst).Error; err != nil {
			return st, err
		}
	}
	return st, nil
}

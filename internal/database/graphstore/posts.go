package graphstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atgraph/atgraph/internal/models"
)

// GetPostByURI returns the post with the given AT-URI, or nil when absent.
func (s *Store) GetPostByURI(ctx context.Context, uri string) (*models.Post, error) {
	var p models.Post
	err := s.db.WithContext(ctx).Where("uri = ?", uri).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting post %s: %w", uri, err)
	}
	return &p, nil
}

// CreatePost inserts p unless a post with the same URI already exists, and
// returns the stored row either way ("unless conflict on uri else existing").
func (s *Store) CreatePost(ctx context.Context, p *models.Post) (*models.Post, error) {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "uri"}},
			DoNothing: true,
		}).
		Create(p).Error
	if err != nil {
		return nil, fmt.Errorf("inserting post %s: %w", p.URI, err)
	}

	stored, err := s.GetPostByURI(ctx, p.URI)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("post %s vanished after insert", p.URI)
	}
	return stored, nil
}

// DeletePost removes a post, its inbound like/repost edges, and clears
// parent/root/quoted links on posts that referenced it. Deleting an unknown
// URI is a no-op.
func (s *Store) DeletePost(ctx context.Context, uri string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deletePostTx(tx, uri)
	})
	if err != nil {
		return fmt.Errorf("deleting post %s: %w", uri, err)
	}
	return nil
}

func deletePostTx(tx *gorm.DB, uri string) error {
	if err := tx.Where("subject_uri = ?", uri).Delete(&models.Like{}).Error; err != nil {
		return err
	}
	if err := tx.Where("subject_uri = ?", uri).Delete(&models.Repost{}).Error; err != nil {
		return err
	}
	for _, col := range []string{"parent_uri", "root_uri", "quoted_uri"} {
		if err := tx.Model(&models.Post{}).Where(col+" = ?", uri).Update(col, "").Error; err != nil {
			return err
		}
	}
	return tx.Where("uri = ?", uri).Delete(&models.Post{}).Error
}

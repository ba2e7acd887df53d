package graphstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/atgraph/atgraph/internal/models"
)

// Edge mutations. Adds are set-union (conflict on (author_did, rkey) is
// ignored) and removes are set-difference keyed the same way, so replaying
// any op sequence converges.

var edgeConflict = clause.OnConflict{
	Columns:   []clause.Column{{Name: "author_did"}, {Name: "rkey"}},
	DoNothing: true,
}

// AddLike records that authorDID liked the post at subjectURI.
func (s *Store) AddLike(ctx context.Context, subjectURI, authorDID, rkey string) error {
	err := s.db.WithContext(ctx).Clauses(edgeConflict).Create(&models.Like{
		AuthorDID:  authorDID,
		RKey:       rkey,
		SubjectURI: subjectURI,
		IndexedAt:  time.Now(),
	}).Error
	if err != nil {
		return fmt.Errorf("adding like %s/%s: %w", authorDID, rkey, err)
	}
	return nil
}

// RemoveLike deletes the like edge identified by (authorDID, rkey).
func (s *Store) RemoveLike(ctx context.Context, authorDID, rkey string) error {
	err := s.db.WithContext(ctx).
		Where("author_did = ? AND rkey = ?", authorDID, rkey).
		Delete(&models.Like{}).Error
	if err != nil {
		return fmt.Errorf("removing like %s/%s: %w", authorDID, rkey, err)
	}
	return nil
}

// AddRepost records that authorDID reposted the post at subjectURI.
func (s *Store) AddRepost(ctx context.Context, subjectURI, authorDID, rkey string) error {
	err := s.db.WithContext(ctx).Clauses(edgeConflict).Create(&models.Repost{
		AuthorDID:  authorDID,
		RKey:       rkey,
		SubjectURI: subjectURI,
		IndexedAt:  time.Now(),
	}).Error
	if err != nil {
		return fmt.Errorf("adding repost %s/%s: %w", authorDID, rkey, err)
	}
	return nil
}

// RemoveRepost deletes the repost edge identified by (authorDID, rkey).
func (s *Store) RemoveRepost(ctx context.Context, authorDID, rkey string) error {
	err := s.db.WithContext(ctx).
		Where("author_did = ? AND rkey = ?", authorDID, rkey).
		Delete(&models.Repost{}).Error
	if err != nil {
		return fmt.Errorf("removing repost %s/%s: %w", authorDID, rkey, err)
	}
	return nil
}

// AddFollow records that authorDID follows subjectDID.
func (s *Store) AddFollow(ctx context.Context, subjectDID, authorDID, rkey string) error {
	err := s.db.WithContext(ctx).Clauses(edgeConflict).Create(&models.Follow{
		AuthorDID:  authorDID,
		RKey:       rkey,
		SubjectDID: subjectDID,
		IndexedAt:  time.Now(),
	}).Error
	if err != nil {
		return fmt.Errorf("adding follow %s/%s: %w", authorDID, rkey, err)
	}
	return nil
}

// RemoveFollow deletes the follow edge identified by (authorDID, rkey).
func (s *Store) RemoveFollow(ctx context.Context, authorDID, rkey string) error {
	err := s.db.WithContext(ctx).
		Where("author_did = ? AND rkey = ?", authorDID, rkey).
		Delete(&models.Follow{}).Error
	if err != nil {
		return fmt.Errorf("removing follow %s/%s: %w", authorDID, rkey, err)
	}
	return nil
}

// LikesForPost returns the like edges on a post, for queries and tests.
func (s *Store) LikesForPost(ctx context.Context, uri string) ([]models.Like, error) {
	var likes []models.Like
	err := s.db.WithContext(ctx).Where("subject_uri = ?", uri).Find(&likes).Error
	return likes, err
}

// RepostsForPost returns the repost edges on a post.
func (s *Store) RepostsForPost(ctx context.Context, uri string) ([]models.Repost, error) {
	var reposts []models.Repost
	err := s.db.WithContext(ctx).Where("subject_uri = ?", uri).Find(&reposts).Error
	return reposts, err
}

// FollowersOf returns the follow edges pointing at subjectDID.
func (s *Store) FollowersOf(ctx context.Context, subjectDID string) ([]models.Follow, error) {
	var follows []models.Follow
	err := s.db.WithContext(ctx).Where("subject_did = ?", subjectDID).Find(&follows).Error
	return follows, err
}

// FollowingOf returns the follow edges authored by authorDID (the derived
// inverse of followers).
func (s *Store) FollowingOf(ctx context.Context, authorDID string) ([]models.Follow, error) {
	var follows []models.Follow
	err := s.db.WithContext(ctx).Where("author_did = ?", authorDID).Find(&follows).Error
	return follows, err
}

// RepliesTo returns posts whose parent link points at uri (the derived
// inverse of parent).
func (s *Store) RepliesTo(ctx context.Context, uri string) ([]models.Post, error) {
	var posts []models.Post
	err := s.db.WithContext(ctx).Where("parent_uri = ?", uri).Find(&posts).Error
	return posts, err
}

package graphstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/atgraph/atgraph/internal/models"
)

// GetUserByDID returns the user with the given did, or nil when absent.
func (s *Store) GetUserByDID(ctx context.Context, did string) (*models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).Where("did = ?", did).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting user %s: %w", did, err)
	}
	return &u, nil
}

// GetUserByHandle returns the user holding the given handle, or nil.
func (s *Store) GetUserByHandle(ctx context.Context, handle string) (*models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).Where("handle = ?", handle).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting user by handle %s: %w", handle, err)
	}
	return &u, nil
}

// CreateUser inserts u, treating the handle column as the conflict target
// ("unless conflict on handle"). On success it returns (nil, nil). If the
// handle is already held it returns the holding row. If the insert instead
// collided on did, it returns ErrDIDConflict and the caller should re-select
// by did — this is the concurrent-resolver race.
func (s *Store) CreateUser(ctx context.Context, u *models.User) (*models.User, error) {
	err := s.db.WithContext(ctx).Create(u).Error
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, fmt.Errorf("inserting user %s: %w", u.DID, err)
	}

	holder, err := s.GetUserByHandle(ctx, u.Handle)
	if err != nil {
		return nil, err
	}
	if holder != nil {
		return holder, nil
	}
	return nil, ErrDIDConflict
}

// UpdateUserHandle sets a new handle for the user identified by did.
func (s *Store) UpdateUserHandle(ctx context.Context, did, handle string) error {
	err := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("did = ?", did).
		Update("handle", handle).Error
	if err != nil {
		return fmt.Errorf("updating handle for %s: %w", did, err)
	}
	return nil
}

// UpdateUserProfile updates displayName and bio with null-coalescing
// semantics: a nil field keeps the stored value.
func (s *Store) UpdateUserProfile(ctx context.Context, did string, displayName, bio *string) error {
	updates := map[string]any{}
	if displayName != nil {
		updates["display_name"] = *displayName
	}
	if bio != nil {
		updates["bio"] = *bio
	}
	if len(updates) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("did = ?", did).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("updating profile for %s: %w", did, err)
	}
	return nil
}

// DeleteUser removes a user and cascades: the user's posts (with their
// inbound edges and links), the user's outbound edges, and inbound follows.
// Deleting an unknown did is a no-op.
func (s *Store) DeleteUser(ctx context.Context, did string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var uris []string
		if err := tx.Model(&models.Post{}).Where("author_did = ?", did).Pluck("uri", &uris).Error; err != nil {
			return err
		}
		for _, uri := range uris {
			if err := deletePostTx(tx, uri); err != nil {
				return err
			}
		}
		if err := tx.Where("author_did = ?", did).Delete(&models.Like{}).Error; err != nil {
			return err
		}
		if err := tx.Where("author_did = ?", did).Delete(&models.Repost{}).Error; err != nil {
			return err
		}
		if err := tx.Where("author_did = ? OR subject_did = ?", did, did).Delete(&models.Follow{}).Error; err != nil {
			return err
		}
		return tx.Where("did = ?", did).Delete(&models.User{}).Error
	})
	if err != nil {
		return fmt.Errorf("deleting user %s: %w", did, err)
	}
	return nil
}

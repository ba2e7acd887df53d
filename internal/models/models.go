// Package models defines the graph entities the firehose is projected into.
//
// Users and Posts are the nodes; likes, reposts and follows are edge rows
// identified by (author_did, rkey) — the rkey of the originating record is
// the per-edge identifier, so replaying the same firehose op can never
// produce a duplicate edge.
package models

import (
	"fmt"
	"strings"
	"time"
)

// User is an actor on the network. DID and handle are each globally unique;
// the handle may move between DIDs over time and is reconciled by the
// resolver when that happens.
type User struct {
	ID          uint   `gorm:"primarykey"`
	DID         string `gorm:"column:did;uniqueIndex"`
	Handle      string `gorm:"uniqueIndex"`
	DisplayName string
	Bio         string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Post is a feed post addressed by its AT-URI. Posts are never updated by
// the pipeline; they are created once and deleted by their author's delete
// op or by the author's tombstone cascade.
type Post struct {
	ID        uint   `gorm:"primarykey"`
	URI       string `gorm:"column:uri;uniqueIndex"`
	CID       string `gorm:"column:cid"`
	AuthorDID string `gorm:"column:author_did;index"`
	Text      string
	CreatedAt time.Time `gorm:"index"`
	IndexedAt time.Time

	// Reply / quote chain. Each is either empty or the URI of a post that
	// existed when this row was written; deleting the target clears the link.
	ParentURI string `gorm:"index"`
	RootURI   string `gorm:"index"`
	QuotedURI string `gorm:"index"`

	// External-link embed. All-empty collapses to absent.
	EmbedTitle       string
	EmbedDescription string
	EmbedURI         string

	AltText string

	// Newline-joined multi-strings; empty means none.
	Langs  string
	Tags   string
	Labels string
}

// Like is a like edge from a user to a post.
type Like struct {
	ID         uint   `gorm:"primarykey"`
	AuthorDID  string `gorm:"column:author_did;uniqueIndex:idx_likes_author_rkey"`
	RKey       string `gorm:"column:rkey;uniqueIndex:idx_likes_author_rkey"`
	SubjectURI string `gorm:"index"`
	IndexedAt  time.Time
}

// Repost is a repost edge from a user to a post.
type Repost struct {
	ID         uint   `gorm:"primarykey"`
	AuthorDID  string `gorm:"column:author_did;uniqueIndex:idx_reposts_author_rkey"`
	RKey       string `gorm:"column:rkey;uniqueIndex:idx_reposts_author_rkey"`
	SubjectURI string `gorm:"index"`
	IndexedAt  time.Time
}

// Follow is a follow edge; the author follows the subject.
type Follow struct {
	ID         uint   `gorm:"primarykey"`
	AuthorDID  string `gorm:"column:author_did;uniqueIndex:idx_follows_author_rkey"`
	RKey       string `gorm:"column:rkey;uniqueIndex:idx_follows_author_rkey"`
	SubjectDID string `gorm:"column:subject_did;index"`
	IndexedAt  time.Time
}

// All returns every model for AutoMigrate.
func All() []any {
	return []any{&User{}, &Post{}, &Like{}, &Repost{}, &Follow{}}
}

// JoinStrings packs a multi-string field for storage.
func JoinStrings(ss []string) string {
	return strings.Join(ss, "\n")
}

// SplitStrings unpacks a stored multi-string field.
func SplitStrings(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// BuildATURI assembles at://<did>/<collection>/<rkey>.
func BuildATURI(did, collection, rkey string) string {
	return fmt.Sprintf("at://%s/%s/%s", did, collection, rkey)
}

// ParseATURI splits an at:// URI into did, collection and rkey.
func ParseATURI(uri string) (did, collection, rkey string, err error) {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return "", "", "", fmt.Errorf("not an at:// uri: %q", uri)
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed at:// uri: %q", uri)
	}
	return parts[0], parts[1], parts[2], nil
}

// RKeyFromPath returns the trailing record key of a repo op path
// ("app.bsky.feed.like/3jxyz" -> "3jxyz").
func RKeyFromPath(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

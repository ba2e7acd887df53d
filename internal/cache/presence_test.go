package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPresenceMarkHasPurge(t *testing.T) {
	p := NewPresence(0)

	assert.False(t, p.Has("did:plc:alice"))

	p.Mark("did:plc:alice")
	assert.True(t, p.Has("did:plc:alice"))
	assert.False(t, p.Has("did:plc:bob"))

	p.Purge("did:plc:alice")
	assert.False(t, p.Has("did:plc:alice"))
}

func TestPresenceTTLExpiry(t *testing.T) {
	p := NewPresence(10 * time.Millisecond)

	p.Mark("at://did:plc:alice/app.bsky.feed.post/3k")
	assert.True(t, p.Has("at://did:plc:alice/app.bsky.feed.post/3k"))

	assert.Eventually(t, func() bool {
		return !p.Has("at://did:plc:alice/app.bsky.feed.post/3k")
	}, time.Second, 5*time.Millisecond)
}

func TestPresenceLen(t *testing.T) {
	p := NewPresence(0)
	p.Mark("a")
	p.Mark("b")
	p.Mark("a")
	assert.Equal(t, 2, p.Len())
}

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildATURI(t *testing.T) {
	uri := BuildATURI("did:plc:abc", "app.bsky.feed.post", "3k")
	assert.Equal(t, "at://did:plc:abc/app.bsky.feed.post/3k", uri)
}

func TestParseATURI(t *testing.T) {
	did, coll, rkey, err := ParseATURI("at://did:plc:abc/app.bsky.feed.post/3k")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:abc", did)
	assert.Equal(t, "app.bsky.feed.post", coll)
	assert.Equal(t, "3k", rkey)

	for _, bad := range []string{
		"",
		"https://example.com/x",
		"at://did:plc:abc",
		"at://did:plc:abc/app.bsky.feed.post",
		"at://did:plc:abc//3k",
	} {
		_, _, _, err := ParseATURI(bad)
		assert.Error(t, err, "uri %q", bad)
	}
}

func TestParseATURIRoundTrip(t *testing.T) {
	uri := BuildATURI("did:web:example.com", "app.bsky.graph.follow", "self")
	did, coll, rkey, err := ParseATURI(uri)
	require.NoError(t, err)
	assert.Equal(t, uri, BuildATURI(did, coll, rkey))
}

func TestRKeyFromPath(t *testing.T) {
	assert.Equal(t, "3jxyz", RKeyFromPath("app.bsky.feed.like/3jxyz"))
	assert.Equal(t, "plain", RKeyFromPath("plain"))
}

func TestJoinSplitStrings(t *testing.T) {
	assert.Equal(t, "", JoinStrings(nil))
	assert.Nil(t, SplitStrings(""))
	assert.Equal(t, []string{"en", "pt"}, SplitStrings(JoinStrings([]string{"en", "pt"})))
}

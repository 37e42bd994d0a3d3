package hq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatAndParseSessionIDRoundTrip(t *testing.T) {
	namespaced := FormatSessionID("remote-1", "session-abc")
	assert.Equal(t, "remote-1:session-abc", namespaced)

	remoteID, sessionID, ok := ParseSessionID(namespaced)
	assert.True(t, ok)
	assert.Equal(t, "remote-1", remoteID)
	assert.Equal(t, "session-abc", sessionID)
}

func TestParseSessionIDPlainLocalIDIsNotNamespaced(t *testing.T) {
	_, _, ok := ParseSessionID("plain-session-id")
	assert.False(t, ok)
}

func TestParseSessionIDRejectsLeadingOrTrailingSeparator(t *testing.T) {
	_, _, ok := ParseSessionID(":no-remote")
	assert.False(t, ok)

	_, _, ok = ParseSessionID("no-session:")
	assert.False(t, ok)
}

func TestParseSessionIDUsesFirstSeparatorOnly(t *testing.T) {
	remoteID, sessionID, ok := ParseSessionID("remote:session:with:colons")
	assert.True(t, ok)
	assert.Equal(t, "remote", remoteID)
	assert.Equal(t, "session:with:colons", sessionID)
}

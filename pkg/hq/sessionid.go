package hq

import "strings"

// sessionIDSeparator joins a remote's ID to a session's local ID to form
// the namespaced session ID an HQ exposes for a remote-owned session
// (§4.6): "<remoteId>:<sessionId>".
const sessionIDSeparator = ":"

// FormatSessionID builds the namespaced ID an HQ uses to address a
// session living on a specific remote.
func FormatSessionID(remoteID, sessionID string) string {
	return remoteID + sessionIDSeparator + sessionID
}

// ParseSessionID splits a namespaced session ID into its remote and
// local components. ok is false for a plain, non-namespaced local
// session ID (no separator present).
func ParseSessionID(namespaced string) (remoteID, sessionID string, ok bool) {
	idx := strings.Index(namespaced, sessionIDSeparator)
	if idx <= 0 || idx == len(namespaced)-1 {
		return "", "", false
	}
	return namespaced[:idx], namespaced[idx+1:], true
}

package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagWithSessionIDInjectsSessionID(t *testing.T) {
	chunk := `data: {"type":"o","timestamp":1.5,"text":"hi"}` + "\n\n"
	tagged := tagWithSessionID("sess-42", chunk)

	assert.Contains(t, tagged, "data: ")
	assert.Contains(t, tagged, "\n\n")

	payload := tagged[len("data: ") : len(tagged)-2]
	var event map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(payload), &event))
	assert.Equal(t, "sess-42", event["sessionId"])
	assert.Equal(t, "o", event["type"])
}

func TestTagWithSessionIDPassesThroughUnparseableChunk(t *testing.T) {
	chunk := ":heartbeat\n\n"
	assert.Equal(t, chunk, tagWithSessionID("sess-1", chunk))
}

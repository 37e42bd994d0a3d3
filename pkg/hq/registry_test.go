package hq

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibetunnel/vibetunnel-server/pkg/config"
)

func newTestRegistry(t *testing.T) *RemoteRegistry {
	cfg := config.DefaultConfig()
	r := NewRemoteRegistry(cfg)
	t.Cleanup(r.Stop)
	return r
}

func TestRegisterRemoteRejectsDuplicateName(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.RegisterRemote("box", "http://example.invalid", "token")
	require.NoError(t, err)

	_, err = r.RegisterRemote("box", "http://other.invalid", "token2")
	assert.Error(t, err)
}

func TestUnregisterRemoteRemovesSessionOwnership(t *testing.T) {
	r := newTestRegistry(t)

	remote, err := r.RegisterRemote("box", "http://example.invalid", "token")
	require.NoError(t, err)

	r.mu.Lock()
	remote.SessionMap["sess-1"] = true
	r.sessionOwners["sess-1"] = remote.ID
	r.mu.Unlock()

	require.NoError(t, r.UnregisterRemote(remote.ID))
	assert.Nil(t, r.GetRemoteBySessionID("sess-1"))

	err = r.UnregisterRemote(remote.ID)
	assert.Error(t, err)
}

func TestCheckRemoteHealthMarksOfflineAfterThreshold(t *testing.T) {
	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer unhealthy.Close()

	r := newTestRegistry(t)
	remote, err := r.RegisterRemote("flaky", unhealthy.URL, "token")
	require.NoError(t, err)

	for i := 0; i < offlineThreshold; i++ {
		r.checkRemoteHealth()
	}

	r.mu.RLock()
	online := r.remotes[remote.ID].Online
	r.mu.RUnlock()
	assert.False(t, online)
}

func TestCheckRemoteHealthUnregistersAfterUnregisterThreshold(t *testing.T) {
	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer unhealthy.Close()

	r := newTestRegistry(t)
	remote, err := r.RegisterRemote("flaky", unhealthy.URL, "token")
	require.NoError(t, err)

	for i := 0; i < unregisterThreshold; i++ {
		r.checkRemoteHealth()
	}

	r.mu.RLock()
	_, exists := r.remotes[remote.ID]
	r.mu.RUnlock()
	assert.False(t, exists)
}

func TestCheckRemoteHealthRecoversOnSuccess(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer healthy.Close()

	r := newTestRegistry(t)
	remote, err := r.RegisterRemote("stable", healthy.URL, "token")
	require.NoError(t, err)

	r.checkRemoteHealth()

	r.mu.RLock()
	online := r.remotes[remote.ID].Online
	r.mu.RUnlock()
	assert.True(t, online)
}

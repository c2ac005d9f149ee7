package api

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Shugur-Network/peergate/internal/admin"
	"github.com/Shugur-Network/peergate/internal/config"
	"github.com/Shugur-Network/peergate/internal/domain"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminPeersAndBans(t *testing.T) {
	f := newFixture(t)
	f.register(t, "dev-A", "198.51.100.1:5000")
	f.register(t, "dev-B", "198.51.100.2:5000")

	rec := f.do(t, http.MethodPost, "/admin/peers/dev-B/ban", `{"reason":"  spam  "}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st admin.PeerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.IsBanned)
	assert.Equal(t, "spam", st.BanReason)
	assert.Equal(t, "admin", st.BannedBy)

	rec = f.do(t, http.MethodGet, "/admin/peers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Peers []admin.PeerStatus `json:"peers"`
		Count int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)

	rec = f.do(t, http.MethodGet, "/admin/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total":2,"online":2,"degraded":0,"critical":0,"offline":0,"banned":1}`, rec.Body.String())

	rec = f.do(t, http.MethodDelete, "/admin/peers/dev-B/ban", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, f.bans.IsBanned("dev-B"))

	rec = f.do(t, http.MethodPost, "/admin/peers/nobody/ban", `{"reason":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/peers/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRenameAndDelete(t *testing.T) {
	f := newFixture(t)
	f.register(t, "dev-A", "198.51.100.1:5000")
	f.register(t, "dev-B", "198.51.100.2:5000")

	rec := f.do(t, http.MethodPost, "/admin/peers/dev-A/rename", `{"new_id":"dev-B"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/peers/dev-A/rename", `{"new_id":"dev-A2"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st admin.PeerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "dev-A2", st.ID)
	assert.Equal(t, []string{"dev-A"}, st.PreviousIDs)

	rec = f.do(t, http.MethodDelete, "/admin/peers/dev-B", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok := f.reg.Get("dev-B")
	assert.False(t, ok)

	rec = f.do(t, http.MethodPost, "/v1/admission/relay", map[string]string{"source_id": "dev-A2", "target_id": "dev-B", "conn_type": "tcp"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/audit?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var audit struct {
		Entries []domain.AuditEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &audit))
	require.Len(t, audit.Entries, 2)
	assert.Equal(t, domain.AuditDelete, audit.Entries[0].Action)
	assert.Equal(t, domain.AuditChangeID, audit.Entries[1].Action)

	rec = f.do(t, http.MethodGet, "/admin/audit?limit=-3", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminConfig(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/admin/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"warning_threshold":2`)

	rec = f.do(t, http.MethodPut, "/admin/config", `{"warning_threshold":5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "warning must stay below critical")

	rec = f.do(t, http.MethodPut, "/admin/config", `{"warning_threshold":3,"critical_threshold":6}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"critical_threshold":6`)

	rec = f.do(t, http.MethodPut, "/admin/config", `{"peer_timeout_secs":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminBanReasonTooLong(t *testing.T) {
	f := newFixture(t)
	f.register(t, "dev-A", "198.51.100.1:5000")

	long := make([]byte, 600)
	for i := range long {
		long[i] = 'r'
	}
	body, err := json.Marshal(map[string]string{"reason": string(long)})
	require.NoError(t, err)
	rec := f.do(t, http.MethodPost, "/admin/peers/dev-A/ban", string(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, f.bans.IsBanned("dev-A"))
}

func signAuth(t *testing.T, sk, method, url, body string, at time.Time) http.Header {
	t.Helper()
	evt := nostr.Event{
		Kind:      27235,
		CreatedAt: nostr.Timestamp(at.Unix()),
		Tags:      nostr.Tags{{"u", url}, {"method", method}},
	}
	if body != "" {
		sum := sha256.Sum256([]byte(body))
		evt.Tags = append(evt.Tags, nostr.Tag{"payload", hex.EncodeToString(sum[:])})
	}
	require.NoError(t, evt.Sign(sk))
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	return http.Header{"Authorization": {"Nostr " + base64.StdEncoding.EncodeToString(raw)}}
}

func TestAdminAuth(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	otherSK := nostr.GeneratePrivateKey()

	f := newFixture(t, func(c *config.Config) {
		c.Admin.RequireAuth = true
		c.Admin.PubKeys = []string{pk}
	})
	f.register(t, "dev-A", "198.51.100.1:5000")

	const peersURL = "http://example.com/admin/peers"
	now := time.Now()

	rec := f.do(t, http.MethodGet, "/admin/peers", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/peers", nil, signAuth(t, sk, http.MethodGet, peersURL, "", now))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/admin/peers", nil, signAuth(t, otherSK, http.MethodGet, peersURL, "", now))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/peers", nil, signAuth(t, sk, http.MethodPost, peersURL, "", now))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "method mismatch")

	rec = f.do(t, http.MethodGet, "/admin/peers", nil, signAuth(t, sk, http.MethodGet, "http://example.com/admin/stats", "", now))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "url mismatch")

	rec = f.do(t, http.MethodGet, "/admin/peers", nil, signAuth(t, sk, http.MethodGet, peersURL, "", now.Add(-10*time.Minute)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "stale event")

	rec = f.do(t, http.MethodGet, "/admin/peers", nil, http.Header{"Authorization": {"Bearer abc"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Signed bodies must match the payload tag and the actor is the signer.
	const banURL = "http://example.com/admin/peers/dev-A/ban"
	body := `{"reason":"abuse"}`
	rec = f.do(t, http.MethodPost, "/admin/peers/dev-A/ban", `{"reason":"other"}`, signAuth(t, sk, http.MethodPost, banURL, body, now))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "payload mismatch")

	rec = f.do(t, http.MethodPost, "/admin/peers/dev-A/ban", body, signAuth(t, sk, http.MethodPost, banURL, body, now))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st admin.PeerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, pk, st.BannedBy)
}

func TestAdminAuth_RejectsReusedEvent(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	f := newFixture(t, func(c *config.Config) {
		c.Admin.RequireAuth = true
		c.Admin.PubKeys = []string{pk}
	})

	const peersURL = "http://example.com/admin/peers"
	now := time.Now()
	header := signAuth(t, sk, http.MethodGet, peersURL, "", now)

	rec := f.do(t, http.MethodGet, "/admin/peers", nil, header)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/admin/peers", nil, header)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "same event twice")

	// Rewriting the id field leaves the signed content unchanged.
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header.Get("Authorization"), "Nostr "))
	require.NoError(t, err)
	var evt nostr.Event
	require.NoError(t, json.Unmarshal(raw, &evt))
	evt.ID = strings.Repeat("0", 64)
	raw, err = json.Marshal(evt)
	require.NoError(t, err)
	edited := http.Header{"Authorization": {"Nostr " + base64.StdEncoding.EncodeToString(raw)}}
	rec = f.do(t, http.MethodGet, "/admin/peers", nil, edited)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "same event under another id")

	rec = f.do(t, http.MethodGet, "/admin/peers", nil, signAuth(t, sk, http.MethodGet, peersURL, "", now.Add(-time.Second)))
	assert.Equal(t, http.StatusOK, rec.Code, "a new event is accepted")
}

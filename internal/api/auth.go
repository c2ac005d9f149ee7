package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Shugur-Network/peergate/internal/config"
	"github.com/Shugur-Network/peergate/internal/constants"
	apperrors "github.com/Shugur-Network/peergate/internal/errors"
	nostr "github.com/nbd-wtf/go-nostr"
)

type actorKey struct{}

// actorFrom returns the authenticated admin pubkey, or "admin" when auth is
// disabled.
func actorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "admin"
}

// adminAuth verifies NIP-98 HTTP Auth events (kind 27235) on admin routes.
type adminAuth struct {
	required  bool
	pubkeys   map[string]struct{}
	publicURL string
	window    time.Duration
	now       func() time.Time
	seen      *seenEvents
}

// seenEvents remembers accepted auth event ids until their timestamp falls
// out of the window, after which the window check rejects them anyway.
type seenEvents struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

// claim records id and reports false if it was already recorded.
func (s *seenEvents) claim(id string, expires, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, exp := range s.expires {
		if !now.Before(exp) {
			delete(s.expires, k)
		}
	}
	if _, dup := s.expires[id]; dup {
		return false
	}
	s.expires[id] = expires
	return true
}

func newAdminAuth(cfg config.AdminConfig) *adminAuth {
	keys := make(map[string]struct{}, len(cfg.PubKeys))
	for _, k := range cfg.PubKeys {
		keys[strings.ToLower(k)] = struct{}{}
	}
	window := cfg.AuthWindow
	if window <= 0 {
		window = 60 * time.Second
	}
	return &adminAuth{
		required:  cfg.RequireAuth,
		pubkeys:   keys,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		window:    window,
		now:       time.Now,
		seen:      &seenEvents{expires: make(map[string]time.Time)},
	}
}

func (a *adminAuth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.required {
			next.ServeHTTP(w, r)
			return
		}

		var body []byte
		if r.Body != nil {
			var err error
			body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				apperrors.HandleHTTPError(w, r, apperrors.ValidationError("BODY_TOO_LARGE", "request body too large"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		evt, reason := a.verify(r, body)
		if reason != "" {
			apperrors.HandleHTTPError(w, r, apperrors.UnauthorizedError(reason))
			return
		}
		pubkey := strings.ToLower(evt.PubKey)
		if _, ok := a.pubkeys[pubkey]; !ok {
			apperrors.HandleHTTPError(w, r, apperrors.ForbiddenError())
			return
		}
		// The id is recomputed so an edited "id" field cannot dodge the check.
		now := a.now()
		if !a.seen.claim(evt.GetID(), evt.CreatedAt.Time().Add(a.window), now) {
			apperrors.HandleHTTPError(w, r, apperrors.UnauthorizedError("auth event already used"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, pubkey)))
	})
}

// expectedURL is the absolute URL the signed event must name.
func (a *adminAuth) expectedURL(r *http.Request) string {
	if a.publicURL != "" {
		return a.publicURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// verify validates the Authorization header and returns the signed event
// or a failure reason.
func (a *adminAuth) verify(r *http.Request, body []byte) (*nostr.Event, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, "missing Authorization header"
	}
	if !strings.HasPrefix(authHeader, constants.AuthorizationScheme) {
		return nil, "Authorization header must start with 'Nostr '"
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authHeader, constants.AuthorizationScheme))
	if err != nil {
		return nil, "invalid base64 in Authorization header"
	}

	var evt nostr.Event
	if err := json.Unmarshal(decoded, &evt); err != nil {
		return nil, "invalid event in Authorization header"
	}
	if evt.Kind != constants.KindHTTPAuth {
		return nil, "auth event must be kind 27235"
	}
	if ok, err := evt.CheckSignature(); err != nil || !ok {
		return nil, "invalid event signature"
	}

	diff := a.now().Sub(evt.CreatedAt.Time())
	if diff < 0 {
		diff = -diff
	}
	if diff > a.window {
		return nil, "auth event timestamp outside the allowed window"
	}

	uTag := evt.Tags.GetFirst([]string{"u", ""})
	if uTag == nil || len(*uTag) < 2 {
		return nil, "auth event missing 'u' tag"
	}
	if strings.TrimRight((*uTag)[1], "/") != strings.TrimRight(a.expectedURL(r), "/") {
		return nil, "auth event 'u' tag does not match request URL"
	}

	methodTag := evt.Tags.GetFirst([]string{"method", ""})
	if methodTag == nil || len(*methodTag) < 2 {
		return nil, "auth event missing 'method' tag"
	}
	if !strings.EqualFold((*methodTag)[1], r.Method) {
		return nil, "auth event method does not match request"
	}

	if len(body) > 0 {
		payloadTag := evt.Tags.GetFirst([]string{"payload", ""})
		if payloadTag == nil || len(*payloadTag) < 2 {
			return nil, "auth event missing 'payload' tag"
		}
		sum := sha256.Sum256(body)
		if !strings.EqualFold((*payloadTag)[1], hex.EncodeToString(sum[:])) {
			return nil, "auth event payload hash does not match request body"
		}
	}

	return &evt, ""
}

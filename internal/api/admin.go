package api

import (
	"net/http"
	"strconv"

	"github.com/Shugur-Network/peergate/internal/domain"
	apperrors "github.com/Shugur-Network/peergate/internal/errors"
	"github.com/go-chi/chi/v5"
)

type banRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

type renameRequest struct {
	NewID string `json:"new_id" validate:"required,max=128"`
}

type configPatchRequest struct {
	PeerTimeoutSecs       *int `json:"peer_timeout_secs"       validate:"omitempty,gt=0,lte=86400"`
	HeartbeatIntervalSecs *int `json:"heartbeat_interval_secs" validate:"omitempty,gt=0,lte=86400"`
	WarningThreshold      *int `json:"warning_threshold"       validate:"omitempty,gt=0,lte=10000"`
	CriticalThreshold     *int `json:"critical_threshold"      validate:"omitempty,gt=0,lte=10000"`
	DBSyncIntervalSecs    *int `json:"db_sync_interval_secs"   validate:"omitempty,gt=0,lte=86400"`
}

func (p configPatchRequest) patch() domain.RuntimeConfigPatch {
	return domain.RuntimeConfigPatch{
		PeerTimeoutSecs:       p.PeerTimeoutSecs,
		HeartbeatIntervalSecs: p.HeartbeatIntervalSecs,
		WarningThreshold:      p.WarningThreshold,
		CriticalThreshold:     p.CriticalThreshold,
		DBSyncIntervalSecs:    p.DBSyncIntervalSecs,
	}
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) error {
	peers := s.deps.Admin.ListPeers()
	writeJSON(w, http.StatusOK, map[string]any{"peers": peers, "count": len(peers)})
	return nil
}

func (s *Server) handleGetPeer(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	st, err := s.deps.Admin.Peer(id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, st)
	return nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, s.deps.Admin.Stats())
	return nil
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, s.deps.Admin.GetConfig())
	return nil
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) error {
	var req configPatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	cfg, err := s.deps.Admin.UpdateConfig(r.Context(), req.patch(), actorFrom(r.Context()))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, cfg)
	return nil
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) error {
	var req banRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	st, err := s.deps.Admin.Ban(r.Context(), chi.URLParam(r, "id"), req.Reason, actorFrom(r.Context()))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, st)
	return nil
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) error {
	if err := s.deps.Admin.Unban(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context())); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleDeletePeer(w http.ResponseWriter, r *http.Request) error {
	if err := s.deps.Admin.SoftDelete(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context())); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) error {
	var req renameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	st, err := s.deps.Admin.ChangeID(r.Context(), chi.URLParam(r, "id"), req.NewID, actorFrom(r.Context()))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, st)
	return nil
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) error {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return apperrors.ValidationError("INVALID_LIMIT", "limit must be a non-negative integer")
		}
		limit = n
	}
	entries, err := s.deps.Admin.Audit(r.Context(), limit)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	return nil
}

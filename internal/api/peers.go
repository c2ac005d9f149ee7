package api

import (
	"net/http"

	"github.com/Shugur-Network/peergate/internal/domain"
	apperrors "github.com/Shugur-Network/peergate/internal/errors"
)

type registerRequest struct {
	ID      string `json:"id"      validate:"required,max=128"`
	Address string `json:"address" validate:"required,max=256"`
	Pubkey  string `json:"pubkey"  validate:"max=512"`
}

type registerResponse struct {
	ID             string             `json:"id"`
	HeartbeatCount uint64             `json:"heartbeat_count"`
	Health         domain.HealthState `json:"health_state"`
}

type directRequest struct {
	SourceAddress string          `json:"source_address" validate:"required,max=256"`
	TargetID      string          `json:"target_id"      validate:"required,max=128"`
	ConnType      domain.ConnType `json:"conn_type"      validate:"required"`
}

type relayRequest struct {
	SourceID string          `json:"source_id" validate:"required,max=128"`
	TargetID string          `json:"target_id" validate:"required,max=128"`
	ConnType domain.ConnType `json:"conn_type" validate:"required"`
}

type admissionResponse struct {
	Allowed bool               `json:"allowed"`
	Target  *domain.TargetInfo `json:"target,omitempty"`
	Error   string             `json:"error,omitempty"`
}

func (s *Server) register(req registerRequest) (registerResponse, error) {
	view, err := s.deps.Registry.RegisterOrTouch(req.ID, req.Address, req.Pubkey)
	if err != nil {
		return registerResponse{}, err
	}
	return registerResponse{ID: view.ID, HeartbeatCount: view.HeartbeatCount, Health: view.Health}, nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) error {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	resp, err := s.register(req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (s *Server) handleAdmitDirect(w http.ResponseWriter, r *http.Request) error {
	var req directRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	if !req.ConnType.Valid() {
		return apperrors.ValidationError("INVALID_CONN_TYPE", "conn_type must be one of punch, relay, tcp, udp")
	}
	status, body := s.admit(domain.AdmissionRequest{
		SourceAddress: req.SourceAddress,
		TargetID:      req.TargetID,
		ConnType:      req.ConnType,
	})
	writeJSON(w, status, body)
	return nil
}

func (s *Server) handleAdmitRelay(w http.ResponseWriter, r *http.Request) error {
	var req relayRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return err
	}
	if !req.ConnType.Valid() {
		return apperrors.ValidationError("INVALID_CONN_TYPE", "conn_type must be one of punch, relay, tcp, udp")
	}
	status, body := s.admit(domain.AdmissionRequest{
		SourceID: req.SourceID,
		TargetID: req.TargetID,
		ConnType: req.ConnType,
	})
	writeJSON(w, status, body)
	return nil
}

// admit runs the gate and maps the decision to a status code and body. Every
// denial, rate limiting included, carries the same generic message.
func (s *Server) admit(req domain.AdmissionRequest) (int, admissionResponse) {
	d := s.deps.Gate.Check(req)
	switch d.Outcome {
	case domain.OutcomeAllowed:
		return http.StatusOK, admissionResponse{Allowed: true, Target: d.Target}
	case domain.OutcomeNotFound:
		return http.StatusNotFound, admissionResponse{Error: "peer not found"}
	case domain.OutcomeUnreachable:
		return http.StatusServiceUnavailable, admissionResponse{Error: "peer unreachable"}
	default:
		return http.StatusForbidden, admissionResponse{Error: apperrors.ConnectionRefused}
	}
}

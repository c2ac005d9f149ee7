package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Shugur-Network/peergate/internal/domain"
	apperrors "github.com/Shugur-Network/peergate/internal/errors"
	"github.com/Shugur-Network/peergate/internal/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Control frame types.
const (
	frameRegister    = "register"
	frameHeartbeat   = "heartbeat"
	frameAdmitDirect = "admit_direct"
	frameAdmitRelay  = "admit_relay"
	frameResult      = "result"
	frameError       = "error"
)

// controlFrame is one client request on the control channel. ID is echoed
// back so clients can pipeline.
type controlFrame struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Req  json.RawMessage `json:"req"`
}

type controlReply struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Status int    `json:"status"`
	Result any    `json:"result,omitempty"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

// controlConn is one open WebSocket. Writes from the ping loop and the read
// loop go through writeMu.
type controlConn struct {
	s       *Server
	ws      *websocket.Conn
	writeMu sync.Mutex
	limiter *rate.Limiter
	log     *zap.Logger
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("control upgrade failed", zap.Error(err), zap.String("remote", r.RemoteAddr))
		return
	}

	cfg := s.deps.Config.Server.Control
	c := &controlConn{
		s:       s,
		ws:      ws,
		limiter: rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst),
		log:     s.log.With(zap.String("remote", r.RemoteAddr)),
	}

	s.conns.Add(1)
	metrics.ControlConnections.Inc()
	defer func() {
		s.conns.Add(-1)
		metrics.ControlConnections.Dec()
		_ = ws.Close()
	}()

	c.serve(r.Context())
}

func (c *controlConn) serve(ctx context.Context) {
	cfg := c.s.deps.Config.Server.Control
	readWait := 2 * cfg.PingInterval

	c.ws.SetReadLimit(cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readWait))
	})

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(cfg.PingInterval, done, ctx.Done())

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("control client closed connection")
			} else {
				c.log.Debug("control read error, disconnecting", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readWait))

		if !c.limiter.Allow() {
			metrics.ControlMessages.WithLabelValues("rate_limited").Inc()
			c.reply(controlReply{Type: frameError, Status: http.StatusTooManyRequests,
				Code: "RATE_LIMIT_EXCEEDED", Error: "too many messages"})
			continue
		}

		var f controlFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			metrics.ControlMessages.WithLabelValues("malformed").Inc()
			c.fail("", apperrors.ValidationError("INVALID_JSON", "frame is not valid JSON"))
			continue
		}
		c.reply(c.dispatch(f))
	}
}

func (c *controlConn) pingLoop(every time.Duration, done <-chan struct{}, ctxDone <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctxDone:
			c.writeMu.Lock()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug("control ping failed, closing", zap.Error(err))
				_ = c.ws.Close()
				return
			}
		}
	}
}

// dispatch runs one frame through the same code paths as the HTTP handlers.
func (c *controlConn) dispatch(f controlFrame) controlReply {
	switch f.Type {
	case frameRegister, frameHeartbeat, frameAdmitDirect, frameAdmitRelay:
		metrics.ControlMessages.WithLabelValues(f.Type).Inc()
	default:
		metrics.ControlMessages.WithLabelValues("unknown").Inc()
	}

	switch f.Type {
	case frameRegister, frameHeartbeat:
		var req registerRequest
		if err := decodeFrame(f.Req, &req); err != nil {
			return errorReply(f.ID, err)
		}
		resp, err := c.s.register(req)
		if err != nil {
			return errorReply(f.ID, err)
		}
		return controlReply{Type: frameResult, ID: f.ID, Status: http.StatusOK, Result: resp}

	case frameAdmitDirect:
		var req directRequest
		if err := decodeFrame(f.Req, &req); err != nil {
			return errorReply(f.ID, err)
		}
		if !req.ConnType.Valid() {
			return errorReply(f.ID, apperrors.ValidationError("INVALID_CONN_TYPE", "conn_type must be one of punch, relay, tcp, udp"))
		}
		status, body := c.s.admit(domain.AdmissionRequest{
			SourceAddress: req.SourceAddress,
			TargetID:      req.TargetID,
			ConnType:      req.ConnType,
		})
		return controlReply{Type: frameResult, ID: f.ID, Status: status, Result: body}

	case frameAdmitRelay:
		var req relayRequest
		if err := decodeFrame(f.Req, &req); err != nil {
			return errorReply(f.ID, err)
		}
		if !req.ConnType.Valid() {
			return errorReply(f.ID, apperrors.ValidationError("INVALID_CONN_TYPE", "conn_type must be one of punch, relay, tcp, udp"))
		}
		status, body := c.s.admit(domain.AdmissionRequest{
			SourceID: req.SourceID,
			TargetID: req.TargetID,
			ConnType: req.ConnType,
		})
		return controlReply{Type: frameResult, ID: f.ID, Status: status, Result: body}

	default:
		return errorReply(f.ID, apperrors.ValidationError("UNKNOWN_FRAME", "unknown frame type"))
	}
}

func (c *controlConn) fail(id string, err error) {
	c.reply(errorReply(id, err))
}

func (c *controlConn) reply(r controlReply) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.ws.WriteJSON(r); err != nil {
		c.log.Debug("control write failed", zap.Error(err))
	}
}

func errorReply(id string, err error) controlReply {
	status, code, msg := apperrors.PublicMessage(err)
	return controlReply{Type: frameError, ID: id, Status: status, Code: code, Error: msg}
}

func decodeFrame(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return apperrors.ValidationError("EMPTY_BODY", "req is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.ValidationError("INVALID_JSON", "req is not valid JSON")
	}
	return validateStruct(dst)
}

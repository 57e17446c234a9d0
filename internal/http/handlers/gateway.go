// Package handlers implements the gateway's HTTP control surface.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/nortide/whatsgate/internal/dispatch"
	"github.com/nortide/whatsgate/internal/session"
	"github.com/nortide/whatsgate/internal/transport"
	"github.com/nortide/whatsgate/pkg/logging"
)

// sessionController is the slice of the session manager the handlers need.
type sessionController interface {
	Connect(ctx context.Context) (session.ConnectResult, error)
	PairingCode() string
	GetStatus() session.Status
	ListGroups(ctx context.Context) ([]transport.Group, error)
	Logout(ctx context.Context)
}

// publisher is the slice of the dispatch engine the handlers need.
type publisher interface {
	Publish(ctx context.Context, req dispatch.Request) (dispatch.Outcome, error)
}

// statusClientClosedRequest is nginx's non-standard code for a client that
// went away before the response was written.
const statusClientClosedRequest = 499

// GatewayHandler serves the session and dispatch endpoints.
type GatewayHandler struct {
	sessions   sessionController
	dispatcher publisher
	logger     *logging.Logger
}

// NewGatewayHandler creates the control-surface handler.
func NewGatewayHandler(sessions sessionController, dispatcher publisher, logger *logging.Logger) *GatewayHandler {
	if sessions == nil {
		panic("handlers: session controller cannot be nil")
	}
	if dispatcher == nil {
		panic("handlers: publisher cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &GatewayHandler{sessions: sessions, dispatcher: dispatcher, logger: logger}
}

type initializeResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type qrResponse struct {
	Success bool   `json:"success"`
	QR      string `json:"qr,omitempty"`
	Status  string `json:"status"`
}

type statusResponse struct {
	Success   bool   `json:"success"`
	Connected bool   `json:"connected"`
	Status    string `json:"status"`
}

type groupInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Participants int    `json:"participants"`
}

type groupsResponse struct {
	Success bool        `json:"success"`
	Groups  []groupInfo `json:"groups"`
}

type publishRequest struct {
	Mode       string   `json:"mode"`
	Recipients []string `json:"recipients,omitempty"`
	GroupID    string   `json:"groupId,omitempty"`
	Caption    string   `json:"caption"`
	MediaURL   string   `json:"mediaUrl,omitempty"`
	MediaType  string   `json:"mediaType,omitempty"`
}

type publishResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Results []dispatch.Result `json:"results,omitempty"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Initialize handles POST /initialize. It starts (or joins) a connection
// attempt and reports how it resolved within the polling bound.
func (h *GatewayHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.Connect(r.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// The caller hung up while waiting; the attempt keeps running.
			h.logger.Info("initialize abandoned by caller")
			writeJSON(w, statusClientClosedRequest, initializeResponse{
				Message: "request canceled",
				Status:  string(h.sessions.GetStatus().Phase),
			})
			return
		}
		h.logger.Error("connect failed", "error", err)
		writeJSON(w, http.StatusBadGateway, initializeResponse{
			Message: "failed to start session",
			Status:  string(session.PhaseDisconnected),
		})
		return
	}

	switch res.Status {
	case session.ConnectConnected:
		writeJSON(w, http.StatusOK, initializeResponse{
			Success: true,
			Message: "session connected",
			Status:  "connected",
		})
	case session.ConnectPairingReady:
		writeJSON(w, http.StatusOK, initializeResponse{
			Success: true,
			Message: "scan the pairing code to finish connecting",
			Status:  "qr_ready",
		})
	default:
		writeJSON(w, http.StatusGatewayTimeout, initializeResponse{
			Message: "timed out waiting for pairing code; the attempt continues in the background",
			Status:  string(h.sessions.GetStatus().Phase),
		})
	}
}

// QRCode handles GET /qr-code.
func (h *GatewayHandler) QRCode(w http.ResponseWriter, r *http.Request) {
	status := h.sessions.GetStatus()
	writeJSON(w, http.StatusOK, qrResponse{
		Success: true,
		QR:      h.sessions.PairingCode(),
		Status:  string(status.Phase),
	})
}

// Status handles GET /status.
func (h *GatewayHandler) Status(w http.ResponseWriter, r *http.Request) {
	status := h.sessions.GetStatus()
	writeJSON(w, http.StatusOK, statusResponse{
		Success:   true,
		Connected: status.Connected,
		Status:    string(status.Phase),
	})
}

// Groups handles GET /groups.
func (h *GatewayHandler) Groups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.sessions.ListGroups(r.Context())
	if err != nil {
		if errors.Is(err, session.ErrNotConnected) {
			writeJSON(w, http.StatusBadRequest, messageResponse{Message: "session not connected"})
			return
		}
		h.logger.Error("listing groups failed", "error", err)
		writeJSON(w, http.StatusBadGateway, messageResponse{Message: "failed to fetch groups"})
		return
	}

	out := make([]groupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupInfo{ID: g.ID, Name: g.Name, Participants: g.Participants})
	}
	writeJSON(w, http.StatusOK, groupsResponse{Success: true, Groups: out})
}

// Publish handles POST /publish. Partial dispatch failure is still an HTTP
// 200 with success=false and itemized results, so callers can tell "nothing
// sent" from "some sent".
func (h *GatewayHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var body publishRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, publishResponse{Message: "invalid JSON body"})
		return
	}

	req := dispatch.Request{
		Mode:       dispatch.Mode(strings.ToLower(strings.TrimSpace(body.Mode))),
		Recipients: body.Recipients,
		GroupID:    body.GroupID,
		Caption:    body.Caption,
	}
	if body.MediaURL != "" {
		kind := transport.MediaKind(strings.ToLower(strings.TrimSpace(body.MediaType)))
		if kind == "" {
			kind = transport.MediaImage
		}
		req.Media = &dispatch.Media{URL: body.MediaURL, Kind: kind}
	}

	outcome, err := h.dispatcher.Publish(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrInvalidRequest):
			writeJSON(w, http.StatusBadRequest, publishResponse{Message: err.Error()})
		case errors.Is(err, session.ErrNotConnected):
			writeJSON(w, http.StatusBadRequest, publishResponse{Message: "session not connected"})
		default:
			h.logger.Error("publish failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, publishResponse{Message: "publish failed"})
		}
		return
	}

	message := "all messages sent"
	if !outcome.Success {
		message = "some messages failed to send"
	}
	writeJSON(w, http.StatusOK, publishResponse{
		Success: outcome.Success,
		Message: message,
		Results: outcome.Results,
	})
}

// Logout handles POST /logout. It always succeeds: the session manager
// absorbs transport teardown errors.
func (h *GatewayHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Logout(r.Context())
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "logged out"})
}

// HealthCheck handles GET /health.
func (h *GatewayHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

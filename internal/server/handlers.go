package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/iambrandonn/overseer/internal/approval"
	"github.com/iambrandonn/overseer/internal/events"
	"github.com/iambrandonn/overseer/internal/ndjson"
	"github.com/iambrandonn/overseer/internal/protocol"
	"github.com/iambrandonn/overseer/internal/session"
	"github.com/iambrandonn/overseer/internal/stream"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// InstructionAck is the POST /instructions response
type InstructionAck struct {
	Status string `json:"status"`
	Busy   bool   `json:"busy"`
}

// ApprovalRequest is the POST /approvals/{id} payload
type ApprovalRequest struct {
	Approved bool   `json:"approved"`
	UserID   string `json:"user_id"`
}

// CancelRequest is the POST /cancel payload
type CancelRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.manager.Users()),
		"uptime_s": int(s.now().Sub(s.started).Seconds()),
	})
}

func (s *Server) handleInstruction(w http.ResponseWriter, r *http.Request) {
	var instr protocol.Instruction
	if !decode(w, r, &instr) {
		return
	}
	if strings.TrimSpace(instr.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	if strings.TrimSpace(instr.Text) == "" {
		writeError(w, http.StatusBadRequest, "instruction required")
		return
	}
	if !knownAgent(instr.Agent) {
		writeError(w, http.StatusBadRequest, "unknown agent "+string(instr.Agent))
		return
	}
	if instr.Timestamp.IsZero() {
		instr.Timestamp = s.now()
	}

	// Busy is reported to the user as an ERROR update; the intake still acknowledges
	err := s.manager.Submit(instr)
	busy := errors.Is(err, session.ErrBusy)
	if err != nil && !busy {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("instruction received", "user_id", instr.UserID, "busy", busy)
	writeJSON(w, http.StatusAccepted, InstructionAck{Status: "received", Busy: busy})
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req ApprovalRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	applied := s.manager.HandleApproval(protocol.ApprovalResponse{
		ApprovalID: id,
		Approved:   req.Approved,
		UserID:     req.UserID,
	})
	if !applied {
		writeJSON(w, http.StatusNotFound, map[string]any{"applied": false, "error": "approval not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	sess, ok := s.manager.Lookup(userID)
	if !ok {
		writeJSON(w, http.StatusOK, session.Status{
			UserID:    userID,
			SubAgents: []stream.SubAgent{},
			Pending:   []approval.Snapshot{},
		})
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "cancelled by user"
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": s.manager.Cancel(req.UserID, reason)})
}

// handleEvents streams one user's updates as NDJSON until the client goes away
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	updates, unsubscribe := s.manager.Session(userID).Bus().SubscribeChan(events.DefaultChannelBuffer)
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	logger := s.logger.With("user_id", userID)
	logger.Debug("event stream opened")
	defer logger.Debug("event stream closed")

	enc := ndjson.NewEncoder(w, logger)
	for {
		select {
		case <-r.Context().Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			if err := enc.Encode(upd); err != nil {
				logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func knownAgent(kind protocol.AgentKind) bool {
	switch kind {
	case "", protocol.AgentKindClaude, protocol.AgentKindCodex:
		return true
	}
	return false
}

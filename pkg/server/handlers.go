package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/querylab/sibyl/pkg/feedback"
	"github.com/querylab/sibyl/pkg/model"
	"github.com/querylab/sibyl/pkg/orchestrator"
	"github.com/querylab/sibyl/pkg/protocol"
	"github.com/querylab/sibyl/pkg/tools"
)

// handleQuery runs one request to completion and returns the terminal
// payload as a single JSON response.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	events, err := s.runner.Execute(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	for ev := range events {
		switch ev.Kind {
		case orchestrator.EventResult:
			writeJSON(w, http.StatusOK, ev.Response)
			return
		case orchestrator.EventError:
			writeError(w, ev.Err)
			return
		}
	}
	// The stream closed without a terminal event; that is a bug upstream.
	writeError(w, protocol.NewError(protocol.ErrInternal, "event stream ended without result"))
}

// handleQueryStream delivers the event stream over SSE. Each event is one
// `data:` frame; the connection closes after the terminal event.
func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, protocol.NewError(protocol.ErrInternal, "streaming unsupported"))
		return
	}

	events, err := s.runner.Execute(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.Warn("event serialization failed", "error", err)
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
		flusher.Flush()
	}
}

// handleFeedback records a verdict on a turn. Idempotent per turn.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TurnID   string                 `json:"turn_id"`
		Rating   model.Rating           `json:"rating"`
		Category model.FeedbackCategory `json:"category"`
		Text     string                 `json:"text,omitempty"`
		UserID   string                 `json:"user_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.TurnID == "" {
		writeError(w, protocol.NewError(protocol.ErrInvalidRequest, "turn_id is required"))
		return
	}
	if body.Rating != model.RatingUp && body.Rating != model.RatingDown {
		writeError(w, protocol.NewError(protocol.ErrInvalidRequest, "rating must be up or down"))
		return
	}

	ex, err := s.feedback.Submit(r.Context(), &model.Feedback{
		TurnID:   body.TurnID,
		Rating:   body.Rating,
		Category: body.Category,
		Text:     body.Text,
		UserID:   body.UserID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"example_id": ex.ID,
		"status":     ex.Status,
	})
}

func (s *Server) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, protocol.NewError(protocol.ErrInvalidRequest, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	items, err := s.reviewer.Queue(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*model.Example{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var body feedback.ReviewRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	body.ItemID = chi.URLParam(r, "id")

	outcome, err := s.reviewer.Review(r.Context(), &body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	infos, err := s.tools.ListTools(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": infos})
}

func (s *Server) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	args := map[string]any{}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &args); err != nil {
			writeError(w, err)
			return
		}
	}

	result, err := s.tools.ExecuteTool(r.Context(),
		chi.URLParam(r, "provider"), chi.URLParam(r, "tool"), args)
	if err != nil {
		var unknown *tools.UnknownToolError
		if errors.As(err, &unknown) {
			writeError(w, protocol.WrapError(protocol.ErrInvalidRequest, "unknown tool", err))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return protocol.WrapError(protocol.ErrInvalidRequest, "malformed request body", err)
	}
	return nil
}

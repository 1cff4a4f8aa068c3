package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kalambet/commander/internal/adapters"
	"github.com/kalambet/commander/internal/pipeline"
	"github.com/kalambet/commander/internal/storage"
)

const maxIngestBodySize = 10 << 20 // 10MB

// IngestRequest carries either a raw context or exactly one source record
// for an adapter to normalize.
type IngestRequest struct {
	SourceType  storage.SourceType `json:"source_type,omitempty"`
	SourceID    string             `json:"source_id,omitempty"`
	Timestamp   time.Time          `json:"timestamp,omitempty"`
	Content     map[string]any     `json:"content,omitempty"`
	ContextText string             `json:"context_text,omitempty"`
	Sender      string             `json:"sender,omitempty"`
	Summary     string             `json:"summary,omitempty"`

	Email         *adapters.Email         `json:"email,omitempty"`
	Slack         *adapters.SlackMessage  `json:"slack,omitempty"`
	Meeting       *adapters.Meeting       `json:"meeting,omitempty"`
	CalendarEvent *adapters.CalendarEvent `json:"calendar_event,omitempty"`

	// Async queues the context for the worker instead of deciding inline.
	Async bool `json:"async,omitempty"`
}

// Item converts the request into a context item.
func (req IngestRequest) Item() (storage.ContextItem, error) {
	var items []storage.ContextItem
	if req.Email != nil {
		items = append(items, adapters.FromEmail(*req.Email))
	}
	if req.Slack != nil {
		items = append(items, adapters.FromSlack(*req.Slack))
	}
	if req.Meeting != nil {
		items = append(items, adapters.FromMeeting(*req.Meeting))
	}
	if req.CalendarEvent != nil {
		items = append(items, adapters.FromCalendarEvent(*req.CalendarEvent))
	}

	switch len(items) {
	case 0:
		return storage.ContextItem{
			SourceType:  req.SourceType,
			SourceID:    req.SourceID,
			Timestamp:   req.Timestamp,
			Content:     req.Content,
			ContextText: req.ContextText,
			Sender:      req.Sender,
			Summary:     req.Summary,
		}, nil
	case 1:
		if req.SourceType != "" || req.ContextText != "" {
			return storage.ContextItem{}, fmt.Errorf("%w: raw fields cannot be combined with a source record", errBadRequest)
		}
		return items[0], nil
	default:
		return storage.ContextItem{}, fmt.Errorf("%w: only one source record per request", errBadRequest)
	}
}

func handleIngest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req IngestRequest
		if !decodeBodyLimit(w, r, maxIngestBodySize, &req) {
			return
		}
		item, err := req.Item()
		if err != nil {
			writeErr(w, err, "ingest")
			return
		}

		owner := OwnerFrom(r.Context())
		if req.Async {
			res, err := deps.Pipeline.Enqueue(r.Context(), owner, item)
			if err != nil {
				writeErr(w, err, "ingest")
				return
			}
			writeJSON(w, http.StatusAccepted, res)
			return
		}

		res, err := deps.Pipeline.Ingest(r.Context(), owner, item)
		switch {
		case res.Status == pipeline.StatusQueued:
			writeJSON(w, http.StatusAccepted, res)
		case errors.Is(err, pipeline.ErrDuplicate):
			writeJSON(w, http.StatusOK, res)
		case err != nil:
			writeErr(w, err, "ingest")
		default:
			if res.Actions == nil {
				res.Actions = []storage.ProposedAction{}
			}
			writeJSON(w, http.StatusOK, res)
		}
	}
}

// Package pipeline ingests one context end to end: dedup check, embedding,
// storage, history assembly, the model's decision and the atomic write of
// the proposed actions.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/commander/internal/decision"
	"github.com/kalambet/commander/internal/history"
	"github.com/kalambet/commander/internal/storage"
)

// JobType is the job queue type of deferred ingestions.
const JobType = "ingest_context"

// ErrDuplicate reports that the context was already processed. It is a
// normal skip path, not a failure.
var ErrDuplicate = errors.New("context already processed")

// ErrInvalid reports a context rejected before any I/O.
var ErrInvalid = errors.New("invalid context")

// UpstreamError wraps a failure of an external dependency. The context is
// left unprocessed, so retrying the ingestion is safe.
type UpstreamError struct {
	Stage string
	Err   error
}

func (e *UpstreamError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

// Status is the outcome of an ingestion.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusDuplicate Status = "duplicate"
	StatusQueued    Status = "queued"
)

type Result struct {
	ContextID string                   `json:"context_id"`
	Status    Status                   `json:"status"`
	Actions   []storage.ProposedAction `json:"actions"`
}

// contextNamespace scopes context ids derived from dedup keys.
var contextNamespace = uuid.MustParse("6f1c3c52-7f0a-4d8e-9a53-2b8e5f1d4c07")

// ContextID derives the stable id of the context identified by
// (owner, sourceType, sourceID). Concurrent ingestions of the same source
// item therefore write the same row.
func ContextID(owner string, sourceType storage.SourceType, sourceID string) string {
	return uuid.NewSHA1(contextNamespace, []byte(owner+"\x00"+string(sourceType)+"\x00"+sourceID)).String()
}

type ContextStore interface {
	GetBySourceID(ctx context.Context, owner, sourceID string, sourceType storage.SourceType) (storage.ContextItem, error)
	Upsert(ctx context.Context, owner string, item storage.ContextItem, embedding []float32) error
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type HistoryAssembler interface {
	Assemble(ctx context.Context, owner string, current storage.ContextItem, embedding []float32, semanticLimit, recentLimit int) (history.History, error)
}

type Decider interface {
	Decide(ctx context.Context, current storage.ContextItem, h history.History, profileSummary string) ([]storage.NewAction, error)
	Model() string
}

type DecisionRecorder interface {
	RecordDecision(ctx context.Context, owner, contextID, model string, decided []storage.NewAction) ([]storage.ProposedAction, error)
}

type JobQueue interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// ProfileSource renders the owner's profile for the decision prompt.
type ProfileSource interface {
	Summary(ctx context.Context, owner string) (string, error)
}

// Deps are the collaborators of a Pipeline. Jobs and Profiles may be nil.
type Deps struct {
	Contexts  ContextStore
	Embedder  Embedder
	History   HistoryAssembler
	Decider   Decider
	Decisions DecisionRecorder
	Jobs      JobQueue
	Profiles  ProfileSource
}

type Pipeline struct {
	deps          Deps
	semanticLimit int
	recentLimit   int
	logger        *slog.Logger
}

// New creates a Pipeline. Non-positive limits default to 5.
func New(deps Deps, semanticLimit, recentLimit int) *Pipeline {
	if semanticLimit <= 0 {
		semanticLimit = 5
	}
	if recentLimit <= 0 {
		recentLimit = 5
	}
	return &Pipeline{deps: deps, semanticLimit: semanticLimit, recentLimit: recentLimit, logger: slog.Default()}
}

// Ingest runs the full pipeline for item. A processed duplicate returns
// ErrDuplicate with a duplicate Result. When a dependency fails the item is
// queued for retry and the *UpstreamError is returned with a queued Result.
func (p *Pipeline) Ingest(ctx context.Context, owner string, item storage.ContextItem) (Result, error) {
	item, err := normalize(owner, item)
	if err != nil {
		return Result{}, err
	}

	res, err := p.Process(ctx, owner, item)
	var upstream *UpstreamError
	if errors.As(err, &upstream) && p.deps.Jobs != nil {
		if qerr := p.enqueue(context.WithoutCancel(ctx), owner, item); qerr != nil {
			p.logger.Error("queueing failed ingestion", "owner", owner, "context_id", item.ID, "error", qerr)
			return res, err
		}
		p.logger.Warn("ingestion deferred", "owner", owner, "context_id", item.ID, "stage", upstream.Stage, "error", upstream.Err)
		return Result{ContextID: item.ID, Status: StatusQueued}, err
	}
	return res, err
}

// Enqueue validates item and defers its ingestion to the job worker.
func (p *Pipeline) Enqueue(ctx context.Context, owner string, item storage.ContextItem) (Result, error) {
	item, err := normalize(owner, item)
	if err != nil {
		return Result{}, err
	}
	if p.deps.Jobs == nil {
		return Result{}, errors.New("no job queue configured")
	}
	if err := p.enqueue(ctx, owner, item); err != nil {
		return Result{}, err
	}
	return Result{ContextID: item.ID, Status: StatusQueued}, nil
}

// JobPayload is the body of an ingest_context job.
type JobPayload struct {
	Owner string              `json:"owner"`
	Item  storage.ContextItem `json:"item"`
}

func (p *Pipeline) enqueue(ctx context.Context, owner string, item storage.ContextItem) error {
	b, err := json.Marshal(JobPayload{Owner: owner, Item: item})
	if err != nil {
		return fmt.Errorf("marshalling job payload: %w", err)
	}
	return p.deps.Jobs.EnqueueJob(ctx, storage.Job{
		ID:          uuid.NewString(),
		Type:        JobType,
		PayloadJSON: string(b),
	})
}

// Process runs the pipeline without queueing on failure. The job worker
// calls it directly and relies on the queue's own retry.
func (p *Pipeline) Process(ctx context.Context, owner string, item storage.ContextItem) (Result, error) {
	item, err := normalize(owner, item)
	if err != nil {
		return Result{}, err
	}
	log := p.logger.With("owner", owner, "context_id", item.ID, "source_type", item.SourceType)

	existing, err := p.deps.Contexts.GetBySourceID(ctx, owner, item.SourceID, item.SourceType)
	switch {
	case err == nil && existing.Processed:
		log.Info("duplicate context skipped", "source_id", item.SourceID)
		return Result{ContextID: existing.ID, Status: StatusDuplicate}, ErrDuplicate
	case err == nil:
		log.Info("resuming unprocessed context", "source_id", item.SourceID)
		item.ID = existing.ID
		item.CreatedAt = existing.CreatedAt
	case !errors.Is(err, storage.ErrNotFound):
		return Result{}, &UpstreamError{Stage: "dedup", Err: err}
	}

	vec, err := p.deps.Embedder.Embed(ctx, item.ContextText)
	if err != nil {
		return Result{}, &UpstreamError{Stage: "embed", Err: err}
	}

	item.Processed = false
	if err := p.deps.Contexts.Upsert(ctx, owner, item, vec); err != nil {
		return Result{}, &UpstreamError{Stage: "store", Err: err}
	}

	h, err := p.deps.History.Assemble(ctx, owner, item, vec, p.semanticLimit, p.recentLimit)
	if err != nil {
		return Result{}, &UpstreamError{Stage: "history", Err: err}
	}

	var profileSummary string
	if p.deps.Profiles != nil {
		if profileSummary, err = p.deps.Profiles.Summary(ctx, owner); err != nil {
			log.Warn("profile unavailable, deciding without it", "error", err)
			profileSummary = ""
		}
	}

	decided, err := p.deps.Decider.Decide(ctx, item, h, profileSummary)
	if errors.Is(err, decision.ErrMalformedOutput) {
		return Result{}, fmt.Errorf("deciding actions for %s: %w", item.ID, err)
	}
	if err != nil {
		return Result{}, &UpstreamError{Stage: "decide", Err: err}
	}

	created, err := p.deps.Decisions.RecordDecision(ctx, owner, item.ID, p.deps.Decider.Model(), decided)
	if errors.Is(err, storage.ErrConflict) {
		log.Info("context processed concurrently, decision dropped", "source_id", item.SourceID)
		return Result{ContextID: item.ID, Status: StatusDuplicate}, ErrDuplicate
	}
	if err != nil {
		return Result{}, &UpstreamError{Stage: "record", Err: err}
	}

	log.Info("context processed", "similar", len(h.Similar), "recent", len(h.Recent), "actions", len(created))
	return Result{ContextID: item.ID, Status: StatusProcessed, Actions: created}, nil
}

// normalize validates item and fills the owner, id and timestamp.
func normalize(owner string, item storage.ContextItem) (storage.ContextItem, error) {
	switch {
	case strings.TrimSpace(owner) == "":
		return item, fmt.Errorf("%w: owner is required", ErrInvalid)
	case item.Owner != "" && item.Owner != owner:
		return item, fmt.Errorf("%w: context belongs to a different owner", ErrInvalid)
	case !item.SourceType.Valid():
		return item, fmt.Errorf("%w: unknown source type %q", ErrInvalid, item.SourceType)
	case strings.TrimSpace(item.SourceID) == "":
		return item, fmt.Errorf("%w: source_id is required", ErrInvalid)
	case strings.TrimSpace(item.ContextText) == "":
		return item, fmt.Errorf("%w: context_text is required", ErrInvalid)
	}

	item.Owner = owner
	item.ID = ContextID(owner, item.SourceType, item.SourceID)
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now().UTC()
	}
	if item.Content == nil {
		item.Content = map[string]any{}
	}
	return item, nil
}

package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kalambet/commander/internal/storage"
)

// SearchError reports a failed similarity search. It is distinct from an
// empty result, which means no similar context exists.
type SearchError struct {
	Op  string
	Err error
}

func (e *SearchError) Error() string { return "similarity search: " + e.Op + ": " + e.Err.Error() }
func (e *SearchError) Unwrap() error { return e.Err }

// ScoredContext is a context returned by SearchSimilar with its cosine score.
type ScoredContext struct {
	Context storage.ContextItem
	Score   float32
}

// SearchOptions narrows SearchSimilar.
type SearchOptions struct {
	Limit int
	// ScoreThreshold excludes results scoring below it when non-nil.
	ScoreThreshold *float32
	SourceType     storage.SourceType
}

// ListOptions narrows List. A nil Processed matches both states.
type ListOptions struct {
	Limit      int
	SourceType storage.SourceType
	Processed  *bool
	Desc       bool
}

// ContextStore persists contexts with their embeddings in the shared SQLite
// database and performs brute-force cosine similarity search. Every
// operation is scoped by owner.
type ContextStore struct {
	db *sql.DB
}

// NewContextStore wraps an existing *sql.DB. The contexts table must already
// exist (created via storage migrations).
func NewContextStore(db *sql.DB) *ContextStore {
	return &ContextStore{db: db}
}

const contextColumns = `id, owner, source_type, source_id, timestamp, created_at, content_json,
	context_text, sender, summary, processed`

// Upsert writes the full context and its embedding. An unseen id is
// inserted; an existing id is replaced in full, except that a processed
// context stays processed. Use UpdateProcessed to clear the flag.
func (s *ContextStore) Upsert(ctx context.Context, owner string, item storage.ContextItem, embedding []float32) error {
	if item.ID == "" {
		return errors.New("upsert: context id is required")
	}
	if item.Owner != "" && item.Owner != owner {
		return fmt.Errorf("upsert: context %s belongs to a different owner", item.ID)
	}
	if len(embedding) == 0 {
		return fmt.Errorf("upsert: context %s has no embedding", item.ID)
	}

	content := item.Content
	if content == nil {
		content = map[string]any{}
	}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("marshalling content of %s: %w", item.ID, err)
	}
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO contexts (id, owner, source_type, source_id, timestamp, created_at, content_json,
			context_text, sender, summary, processed, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_type = excluded.source_type,
			source_id = excluded.source_id,
			timestamp = excluded.timestamp,
			created_at = excluded.created_at,
			content_json = excluded.content_json,
			context_text = excluded.context_text,
			sender = excluded.sender,
			summary = excluded.summary,
			processed = MAX(contexts.processed, excluded.processed),
			embedding = excluded.embedding
		WHERE contexts.owner = excluded.owner`,
		item.ID, owner, string(item.SourceType), item.SourceID, storage.FormatTime(item.Timestamp),
		storage.FormatTime(createdAt), string(contentJSON), item.ContextText, item.Sender, item.Summary,
		boolToInt(item.Processed), encodeFloat32s(embedding),
	)
	if err != nil {
		return fmt.Errorf("upserting context %s: %w", item.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("upsert: context %s belongs to a different owner", item.ID)
	}
	return nil
}

// GetByID returns the owner's context with the given id, or
// storage.ErrNotFound.
func (s *ContextStore) GetByID(ctx context.Context, owner, id string) (storage.ContextItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contextColumns+` FROM contexts WHERE id = ? AND owner = ?`, id, owner)
	item, err := scanContext(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ContextItem{}, storage.ErrNotFound
	}
	return item, err
}

// GetBySourceID looks a context up by its dedup key using the unique index.
func (s *ContextStore) GetBySourceID(ctx context.Context, owner, sourceID string, sourceType storage.SourceType) (storage.ContextItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contextColumns+` FROM contexts WHERE owner = ? AND source_id = ? AND source_type = ?`,
		owner, sourceID, string(sourceType))
	item, err := scanContext(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ContextItem{}, storage.ErrNotFound
	}
	return item, err
}

// Exists reports whether a context with the dedup key has been stored.
// A miss is (false, nil).
func (s *ContextStore) Exists(ctx context.Context, owner, sourceID string, sourceType storage.SourceType) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM contexts WHERE owner = ? AND source_id = ? AND source_type = ? LIMIT 1`,
		owner, sourceID, string(sourceType)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return true, nil
}

// List returns the owner's contexts ordered by event timestamp.
func (s *ContextStore) List(ctx context.Context, owner string, opts ListOptions) ([]storage.ContextItem, error) {
	query := `SELECT ` + contextColumns + ` FROM contexts WHERE owner = ?`
	args := []any{owner}
	if opts.SourceType != "" {
		query += ` AND source_type = ?`
		args = append(args, string(opts.SourceType))
	}
	if opts.Processed != nil {
		query += ` AND processed = ?`
		args = append(args, boolToInt(*opts.Processed))
	}
	if opts.Desc {
		query += ` ORDER BY timestamp DESC, id DESC`
	} else {
		query += ` ORDER BY timestamp ASC, id ASC`
	}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing contexts: %w", err)
	}
	defer rows.Close()

	var out []storage.ContextItem
	for rows.Next() {
		item, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// UpdateProcessed sets the processed flag. Setting it to its current value
// is a no-op.
func (s *ContextStore) UpdateProcessed(ctx context.Context, owner, id string, value bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contexts SET processed = ? WHERE id = ? AND owner = ?`, boolToInt(value), id, owner)
	if err != nil {
		return fmt.Errorf("updating processed flag of %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Count returns how many contexts the owner has stored.
func (s *ContextStore) Count(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contexts WHERE owner = ?`, owner).Scan(&n)
	return n, err
}

// idScore holds only the ID and score during the scan phase of SearchSimilar.
// Full records are fetched only for the top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// SearchSimilar returns the owner's contexts most similar to vector under
// cosine similarity, by descending score. Any failure is a *SearchError.
func (s *ContextStore) SearchSimilar(ctx context.Context, owner string, vector []float32, opts SearchOptions) ([]ScoredContext, error) {
	if opts.Limit <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, &SearchError{Op: "query", Err: errors.New("zero-length query vector")}
	}

	query := `SELECT id, embedding FROM contexts WHERE owner = ?`
	args := []any{owner}
	if opts.SourceType != "" {
		query += ` AND source_type = ?`
		args = append(args, string(opts.SourceType))
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &SearchError{Op: "scan", Err: err}
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, &SearchError{Op: "scan", Err: err}
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, &SearchError{Op: "decode", Err: fmt.Errorf("embedding for %s: %w", id, err)}
		}

		score := dotProduct(vector, buf, queryNorm)
		if opts.ScoreThreshold != nil && score < *opts.ScoreThreshold {
			continue
		}
		if h.Len() < opts.Limit {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &SearchError{Op: "scan", Err: err}
	}
	rows.Close()

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records for the winners, highest score first.
	ranked := make([]idScore, h.Len())
	for i := len(ranked) - 1; i >= 0; i-- {
		ranked[i] = heap.Pop(h).(idScore)
	}

	ids := make([]string, len(ranked))
	for i, r := range ranked {
		ids[i] = r.ID
	}
	byID, err := s.getMany(ctx, owner, ids)
	if err != nil {
		return nil, &SearchError{Op: "fetch", Err: err}
	}

	results := make([]ScoredContext, 0, len(ranked))
	for _, r := range ranked {
		item, ok := byID[r.ID]
		if !ok {
			continue
		}
		results = append(results, ScoredContext{Context: item, Score: r.Score})
	}
	return results, nil
}

func (s *ContextStore) getMany(ctx context.Context, owner string, ids []string) (map[string]storage.ContextItem, error) {
	args := make([]any, 0, len(ids)+1)
	args = append(args, owner)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contextColumns+` FROM contexts WHERE owner = ? AND id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]storage.ContextItem, len(ids))
	for rows.Next() {
		item, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		out[item.ID] = item
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContext(sc rowScanner) (storage.ContextItem, error) {
	var item storage.ContextItem
	var sourceType, timestamp, createdAt, contentJSON string
	var processed int
	if err := sc.Scan(&item.ID, &item.Owner, &sourceType, &item.SourceID, &timestamp, &createdAt,
		&contentJSON, &item.ContextText, &item.Sender, &item.Summary, &processed); err != nil {
		return storage.ContextItem{}, err
	}
	item.SourceType = storage.SourceType(sourceType)
	item.Processed = processed != 0

	var err error
	if item.Timestamp, err = storage.ParseTime(timestamp); err != nil {
		return storage.ContextItem{}, err
	}
	if item.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return storage.ContextItem{}, err
	}
	if err := json.Unmarshal([]byte(contentJSON), &item.Content); err != nil {
		return storage.ContextItem{}, fmt.Errorf("decoding content of %s: %w", item.ID, err)
	}
	return item, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into buf, growing it if needed.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// Vectors of different dimension score 0.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	suggestionsFile = "suggestions.json"
	lockFile        = "suggestions.lock"

	lockRetryInterval = 50 * time.Millisecond
	lockWaitMax       = 5 * time.Second
	staleLockAge      = time.Minute
)

// document is the persisted shape of the suggestion collection: one ordered
// list plus a last-updated timestamp, rewritten wholesale on every mutation.
type document struct {
	UpdatedAt   time.Time    `json:"updatedAt"`
	Suggestions []Suggestion `json:"suggestions"`
}

type runMarker struct {
	LastRun time.Time `json:"lastRun"`
}

// FileRepository persists the suggestion collection as a single JSON document
// on disk. Mutations are load-mutate-save under a scoped lock; a corrupt or
// missing document is treated as an empty store, never a fatal error.
type FileRepository struct {
	dir    string
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewFileRepository prepares the backing directory.
func NewFileRepository(dir string, logger zerolog.Logger) (*FileRepository, error) {
	if dir == "" {
		return nil, ErrNotConfigured
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileRepository{
		dir:    dir,
		logger: logger.With().Str("component", "file_store").Logger(),
	}, nil
}

// acquireLock takes the on-disk lock file, waiting briefly for a concurrent
// holder. A lock older than staleLockAge is assumed abandoned and broken.
// The returned release func must run on every exit path.
func (r *FileRepository) acquireLock(ctx context.Context) (func(), error) {
	path := filepath.Join(r.dir, lockFile)
	deadline := time.Now().Add(lockWaitMax)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return func() {
				if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
					r.logger.Warn().Err(rmErr).Msg("failed to release store lock")
				}
			}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire store lock: %w", err)
		}

		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			r.logger.Warn().Msg("breaking stale store lock")
			_ = os.Remove(path)
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire store lock: timed out after %s", lockWaitMax)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// load reads the persisted document. Any read or parse failure degrades to an
// empty working set so the pipeline keeps running on a corrupt file.
func (r *FileRepository) load() document {
	path := filepath.Join(r.dir, suggestionsFile)

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn().Err(err).Str("path", path).Msg("unreadable suggestion document; starting empty")
		}
		return document{}
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		r.logger.Warn().Err(err).Str("path", path).Msg("corrupt suggestion document; starting empty")
		return document{}
	}
	return doc
}

// save rewrites the whole document atomically via a temp file rename.
func (r *FileRepository) save(doc document) error {
	path := filepath.Join(r.dir, suggestionsFile)

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal suggestion document: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write suggestion document: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace suggestion document: %w", err)
	}
	return nil
}

// mutate runs fn against the loaded document and persists the result.
func (r *FileRepository) mutate(ctx context.Context, fn func(doc *document) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	release, err := r.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer release()

	doc := r.load()
	if err := fn(&doc); err != nil {
		return err
	}
	doc.UpdatedAt = time.Now().UTC()
	return r.save(doc)
}

// Enqueue appends a new pending suggestion.
func (r *FileRepository) Enqueue(ctx context.Context, candidate Candidate) (Suggestion, error) {
	now := time.Now().UTC()
	rec := Suggestion{
		ID:                 uuid.NewString(),
		Address:            candidate.Address,
		Symbol:             candidate.Symbol,
		Name:               candidate.Name,
		CreatorID:          candidate.CreatorID,
		CreatorName:        candidate.CreatorName,
		PriceUSD:           candidate.PriceUSD,
		Volume24h:          candidate.Volume24h,
		Reason:             candidate.Reason,
		Confidence:         candidate.Confidence,
		SuggestedAmountUSD: candidate.SuggestedAmountUSD,
		Source:             candidate.Source,
		SubmitterID:        candidate.SubmitterID,
		CreatedAt:          now,
		Status:             StatusPending,
		UpdatedAt:          now,
	}

	err := r.mutate(ctx, func(doc *document) error {
		doc.Suggestions = append(doc.Suggestions, rec)
		return nil
	})
	if err != nil {
		return Suggestion{}, err
	}

	r.logger.Info().Str("id", rec.ID).Str("address", rec.Address).Str("source", string(rec.Source)).Msg("suggestion queued")
	return rec, nil
}

// NextPending returns the oldest pending suggestion in insertion order.
func (r *FileRepository) NextPending(ctx context.Context) (*Suggestion, error) {
	r.mu.Lock()
	doc := r.load()
	r.mu.Unlock()

	for i := range doc.Suggestions {
		if doc.Suggestions[i].Status == StatusPending {
			rec := doc.Suggestions[i]
			return &rec, nil
		}
	}
	return nil, nil
}

// SetStatus applies a lifecycle transition.
func (r *FileRepository) SetStatus(ctx context.Context, id string, status Status, outcome *Outcome) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}

	return r.mutate(ctx, func(doc *document) error {
		for i := range doc.Suggestions {
			rec := &doc.Suggestions[i]
			if rec.ID != id {
				continue
			}
			if !canTransition(rec.Status, status) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, status)
			}

			now := time.Now().UTC()
			rec.Status = status
			rec.UpdatedAt = now

			if status.Terminal() {
				if rec.CompletedAt == nil {
					rec.CompletedAt = &now
				}
				if outcome != nil {
					rec.ProposalID = outcome.ProposalID
					rec.TxHash = outcome.TxHash
					rec.ErrorMessage = outcome.ErrorMessage
				}
			} else if status == StatusProcessing {
				// Re-entry after a failure starts a fresh attempt; the next
				// terminal transition stamps its own outcome.
				rec.CompletedAt = nil
				rec.ErrorMessage = ""
			}
			return nil
		}
		return ErrNotFound
	})
}

// Remove deletes a suggestion, reporting whether it existed.
func (r *FileRepository) Remove(ctx context.Context, id string) (bool, error) {
	removed := false
	err := r.mutate(ctx, func(doc *document) error {
		kept := doc.Suggestions[:0]
		for _, rec := range doc.Suggestions {
			if rec.ID == id {
				removed = true
				continue
			}
			kept = append(kept, rec)
		}
		doc.Suggestions = kept
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// ListAll returns every stored suggestion.
func (r *FileRepository) ListAll(ctx context.Context) ([]Suggestion, error) {
	r.mu.Lock()
	doc := r.load()
	r.mu.Unlock()
	return append([]Suggestion(nil), doc.Suggestions...), nil
}

// ListPending returns pending suggestions in insertion order.
func (r *FileRepository) ListPending(ctx context.Context) ([]Suggestion, error) {
	r.mu.Lock()
	doc := r.load()
	r.mu.Unlock()

	pending := make([]Suggestion, 0)
	for _, rec := range doc.Suggestions {
		if rec.Status == StatusPending {
			pending = append(pending, rec)
		}
	}
	return pending, nil
}

// Stats counts suggestions per status.
func (r *FileRepository) Stats(ctx context.Context) (Stats, error) {
	r.mu.Lock()
	doc := r.load()
	r.mu.Unlock()

	var stats Stats
	for _, rec := range doc.Suggestions {
		switch rec.Status {
		case StatusPending:
			stats.Pending++
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// IsQueued reports whether the address matches a pending suggestion.
func (r *FileRepository) IsQueued(ctx context.Context, address string) (bool, error) {
	r.mu.Lock()
	doc := r.load()
	r.mu.Unlock()

	for _, rec := range doc.Suggestions {
		if rec.Status == StatusPending && strings.EqualFold(rec.Address, address) {
			return true, nil
		}
	}
	return false, nil
}

// ReclaimProcessing moves stuck processing records back to pending.
func (r *FileRepository) ReclaimProcessing(ctx context.Context, olderThan time.Time) (int, error) {
	count := 0
	err := r.mutate(ctx, func(doc *document) error {
		now := time.Now().UTC()
		for i := range doc.Suggestions {
			rec := &doc.Suggestions[i]
			if rec.Status == StatusProcessing && rec.UpdatedAt.Before(olderThan) {
				rec.Status = StatusPending
				rec.UpdatedAt = now
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		r.logger.Warn().Int("count", count).Msg("reclaimed stuck processing suggestions")
	}
	return count, nil
}

// LastRun returns the run marker for a job, or nil when never recorded.
func (r *FileRepository) LastRun(ctx context.Context, job string) (*time.Time, error) {
	raw, err := os.ReadFile(r.markerPath(job))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		r.logger.Warn().Err(err).Str("job", job).Msg("unreadable run marker; treating as never run")
		return nil, nil
	}

	var marker runMarker
	if err := json.Unmarshal(raw, &marker); err != nil {
		r.logger.Warn().Err(err).Str("job", job).Msg("corrupt run marker; treating as never run")
		return nil, nil
	}
	t := marker.LastRun
	return &t, nil
}

// MarkRun creates or overwrites the run marker for a job.
func (r *FileRepository) MarkRun(ctx context.Context, job string, t time.Time) error {
	raw, err := json.Marshal(runMarker{LastRun: t.UTC()})
	if err != nil {
		return fmt.Errorf("marshal run marker: %w", err)
	}
	if err := os.WriteFile(r.markerPath(job), raw, 0o644); err != nil {
		return fmt.Errorf("write run marker: %w", err)
	}
	return nil
}

func (r *FileRepository) markerPath(job string) string {
	return filepath.Join(r.dir, fmt.Sprintf("lastrun_%s.json", job))
}

var _ Repository = (*FileRepository)(nil)

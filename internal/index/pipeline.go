// Package index implements the ingestion pipeline: URL validation,
// deduplication, staleness-based re-indexing, background enrichment and
// atomic persistence of text and vectors.
package index

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ZaynJarvis/newtab/internal/enrich"
	"github.com/ZaynJarvis/newtab/internal/errors"
	"github.com/ZaynJarvis/newtab/internal/store"
)

// Status is the outcome of an ingest request.
type Status string

const (
	StatusIndexed        Status = "indexed"
	StatusAlreadyIndexed Status = "already_indexed"
	StatusReindexed      Status = "reindexed"
	StatusRejected       Status = "rejected"
)

// embedContentPrefix bounds the content slice fed to the embedding call.
const embedContentPrefix = 2000

// Config configures the pipeline.
type Config struct {
	// Staleness is the age beyond which an existing page is re-indexed
	// (default: 72h).
	Staleness time.Duration
	// MinContentChars rejects trivial pages (default: 100).
	MinContentChars int
	// MaxContentChars truncates stored content (default: 10000).
	MaxContentChars int
}

// Request is one page ingest.
type Request struct {
	URL        string
	Title      string
	Content    string
	FaviconURL string
}

// Result is the ingest outcome.
type Result struct {
	ID     int64
	Status Status
}

// ProbeResult answers an indexed-state probe from the store alone.
type ProbeResult struct {
	Indexed      bool
	PageID       int64
	NeedsReindex bool
	LastUpdated  time.Time
}

// Pipeline orchestrates ingestion. It owns the background enrichment
// tasks: their lifetime is bound to the pipeline, not to any request.
type Pipeline struct {
	pages    store.PageStore
	vectors  *store.VectorIndex
	provider enrich.Provider
	config   Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New creates a pipeline. Close must be called to stop background
// enrichment.
func New(pages store.PageStore, vectors *store.VectorIndex, provider enrich.Provider, cfg Config) *Pipeline {
	if cfg.Staleness <= 0 {
		cfg.Staleness = 72 * time.Hour
	}
	if cfg.MinContentChars <= 0 {
		cfg.MinContentChars = 100
	}
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = 10000
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		pages:    pages,
		vectors:  vectors,
		provider: provider,
		config:   cfg,
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
}

// IndexPage ingests one page. The page row is persisted immediately so
// lexical search sees it without waiting for enrichment; keywords,
// description and the embedding are filled in by a background task.
// Enrichment failures never fail the request.
func (p *Pipeline) IndexPage(ctx context.Context, req Request) (Result, error) {
	if err := ValidateURL(req.URL); err != nil {
		return Result{Status: StatusRejected}, err
	}
	if len(req.Content) < p.config.MinContentChars {
		return Result{Status: StatusRejected},
			errors.Validationf("content length %d below minimum %d", len(req.Content), p.config.MinContentChars)
	}

	now := p.now()

	// Dedup against the existing row: fresh pages are not re-indexed.
	// Placeholder rows created by visit tracking have no content and are
	// always treated as stale.
	existing, err := p.pages.GetByURL(ctx, req.URL)
	if err != nil && !errors.IsKind(err, errors.KindNotFound) {
		return Result{}, err
	}
	if existing != nil && existing.Content != "" && now.Sub(existing.LastUpdatedAt) <= p.config.Staleness {
		if err := p.pages.Touch(ctx, existing.ID, now); err != nil {
			return Result{}, err
		}
		return Result{ID: existing.ID, Status: StatusAlreadyIndexed}, nil
	}

	content := req.Content
	if len(content) > p.config.MaxContentChars {
		content = content[:p.config.MaxContentChars]
	}

	id, wasNew, err := p.pages.UpsertByURL(ctx, &store.Page{
		URL:           req.URL,
		Title:         req.Title,
		Content:       content,
		FaviconURL:    req.FaviconURL,
		IndexedAt:     now,
		LastUpdatedAt: now,
	})
	if err != nil {
		return Result{}, err
	}

	status := StatusReindexed
	if wasNew {
		status = StatusIndexed
	}

	p.wg.Add(1)
	go p.enrichPage(id, req.Title, content, now)

	return Result{ID: id, Status: status}, nil
}

// Probe reports whether a URL is indexed and whether it is stale.
// Answered from the document store only.
func (p *Pipeline) Probe(ctx context.Context, rawURL string) (ProbeResult, error) {
	if err := ValidateURL(rawURL); err != nil {
		return ProbeResult{}, err
	}

	page, err := p.pages.GetByURL(ctx, rawURL)
	if err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			return ProbeResult{}, nil
		}
		return ProbeResult{}, err
	}
	return ProbeResult{
		Indexed:      true,
		PageID:       page.ID,
		NeedsReindex: p.now().Sub(page.LastUpdatedAt) > p.config.Staleness,
		LastUpdated:  page.LastUpdatedAt,
	}, nil
}

// enrichPage runs the two enrichment calls concurrently and writes the
// results back. The guard timestamp discards results that arrive after a
// newer ingest refreshed the row.
func (p *Pipeline) enrichPage(id int64, title, content string, guard time.Time) {
	defer p.wg.Done()

	prefix := content
	if len(prefix) > embedContentPrefix {
		prefix = prefix[:embedContentPrefix]
	}

	g, ctx := errgroup.WithContext(p.ctx)

	g.Go(func() error {
		desc, err := p.provider.Describe(ctx, title, content)
		if err != nil {
			slog.Warn("describe enrichment failed",
				slog.Int64("page_id", id), slog.String("error", err.Error()))
			return nil
		}
		applied, err := p.pages.UpdateEnrichment(ctx, id, desc.Description,
			strings.Join(desc.Keywords, ", "), guard)
		if err != nil {
			slog.Warn("enrichment write failed",
				slog.Int64("page_id", id), slog.String("error", err.Error()))
			return nil
		}
		if !applied {
			slog.Debug("stale enrichment discarded", slog.Int64("page_id", id))
		}
		return nil
	})

	g.Go(func() error {
		vec, err := p.provider.Embed(ctx, title+"\n"+prefix)
		if err != nil {
			// The page stays lexically searchable; embedding is retried
			// on the next stale ingest of this URL.
			slog.Warn("embedding enrichment failed",
				slog.Int64("page_id", id), slog.String("error", err.Error()))
			return nil
		}
		applied, err := p.pages.UpdateEmbedding(ctx, id, vec, guard)
		if err != nil {
			slog.Warn("embedding write failed",
				slog.Int64("page_id", id), slog.String("error", err.Error()))
			return nil
		}
		if !applied {
			slog.Debug("stale embedding discarded", slog.Int64("page_id", id))
			return nil
		}
		if err := p.vectors.Replace(id, vec); err != nil {
			slog.Warn("vector index update failed",
				slog.Int64("page_id", id), slog.String("error", err.Error()))
		}
		return nil
	})

	_ = g.Wait()
}

// Wait blocks until all in-flight enrichment tasks complete.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close cancels background enrichment and waits for it to finish.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// ValidateURL accepts absolute web URLs only. The URL is used verbatim as
// the page key: distinct query strings are distinct resources.
func ValidateURL(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return errors.Validation("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.Validationf("invalid url %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Validationf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.Validationf("url %q has no host", rawURL)
	}
	return nil
}

// RebuildVectorIndex loads every persisted embedding into the vector
// index. Called once at startup.
func RebuildVectorIndex(ctx context.Context, pages store.PageStore, vectors *store.VectorIndex) (int, error) {
	embeddings, err := pages.AllEmbeddings(ctx)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for id, vec := range embeddings {
		if err := vectors.Add(id, vec); err != nil {
			slog.Warn("skipping embedding with wrong dimension",
				slog.Int64("page_id", id), slog.String("error", err.Error()))
			continue
		}
		loaded++
	}
	return loaded, nil
}

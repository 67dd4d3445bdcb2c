// Package files implements the inbound media pipeline (C5): resolve the
// source reference, download the bytes, detect the MIME type, hand the
// content to the provider's Files API, cache small payloads in Redis, and
// persist the resulting metadata row.
//
// Grounded on original_source/bot/core/file_manager.py's FileManager, with
// its two-phase download_many (sequential DB resolve, parallel transport
// download) preserved as DownloadManyByProviderID's invariant: the database
// session is not concurrency-safe across goroutines, so provider_file_id
// resolution never runs inside the parallel fan-out.
package files

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halvorsen/tokenbroker/internal/cache"
	"github.com/halvorsen/tokenbroker/internal/model"
)

// CacheCeiling is the largest payload cached verbatim in Redis; anything
// bigger is re-downloaded from its source on every access instead.
const CacheCeiling = 8 * 1024 * 1024

// CacheTTL matches the provider's files API TTL window by default; callers
// may override via Pipeline.CacheTTL.
const DefaultCacheTTL = 1 * time.Hour

// Downloader fetches raw bytes for a transport-level reference (e.g. a
// Telegram file_id). The channels package supplies the concrete implementation.
type Downloader func(ctx context.Context, ref string) ([]byte, error)

// Uploader hands bytes to the LLM provider's Files API and returns its
// opaque file ID.
type Uploader func(ctx context.Context, filename, mimeType string, content []byte) (string, error)

// MetadataStore is the subset of persistence.FileRepo the pipeline needs.
type MetadataStore interface {
	CreateFile(ctx context.Context, f model.UserFile) error
	GetFileByProviderID(ctx context.Context, providerFileID string) (model.UserFile, bool, error)
}

// Pipeline wires the five pipeline stages together.
type Pipeline struct {
	download Downloader
	upload   Uploader
	cache    *cache.Client
	store    MetadataStore
	logger   *slog.Logger

	CacheTTL time.Duration
}

// New creates a Pipeline.
func New(download Downloader, upload Uploader, c *cache.Client, store MetadataStore, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{download: download, upload: upload, cache: c, store: store, logger: logger, CacheTTL: DefaultCacheTTL}
}

func cacheKey(ref string) string {
	return "file:bytes:" + ref
}

// Ingest runs one inbound media item through resolve → download →
// detect_mime → upload_to_provider → cache_bytes → persist_metadata,
// returning the persisted row.
func (p *Pipeline) Ingest(ctx context.Context, threadID uuid.UUID, ref, filename, declaredMIME string, ttl time.Duration) (model.UserFile, error) {
	content, err := p.fetch(ctx, ref)
	if err != nil {
		return model.UserFile{}, fmt.Errorf("files: download %s: %w", ref, err)
	}

	mimeType := DetectMIME(filename, content, declaredMIME)

	providerFileID, err := p.upload(ctx, filename, mimeType, content)
	if err != nil {
		return model.UserFile{}, fmt.Errorf("files: upload %s to provider: %w", ref, err)
	}

	if len(content) <= CacheCeiling {
		if err := p.cache.SetWithTTL(ctx, cacheKey(ref), string(content), p.CacheTTL); err != nil && err != cache.ErrCircuitOpen {
			p.logger.Warn("files: cache bytes failed", "ref", ref, "error", err)
		}
	}

	now := time.Now()
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	f := model.UserFile{
		ID:             uuid.New(),
		ThreadID:       threadID,
		FileName:       filename,
		MIMEType:       mimeType,
		SizeBytes:      int64(len(content)),
		ProviderFileID: providerFileID,
		UploadedAt:     now,
		ExpiresAt:      now.Add(ttl),
	}
	if err := p.store.CreateFile(ctx, f); err != nil {
		return model.UserFile{}, fmt.Errorf("files: persist metadata for %s: %w", ref, err)
	}
	return f, nil
}

// fetch downloads ref's bytes, checking the Redis cache first.
func (p *Pipeline) fetch(ctx context.Context, ref string) ([]byte, error) {
	if cached, found, err := p.cache.Get(ctx, cacheKey(ref)); err == nil && found {
		return []byte(cached), nil
	}
	content, err := p.download(ctx, ref)
	if err != nil {
		return nil, err
	}
	return content, nil
}

// FileRequest names one file to resolve by its provider-side ID and, once
// resolved, re-download from its original transport reference.
type FileRequest struct {
	ProviderFileID string
	DisplayName    string // for logging; falls back to ProviderFileID
}

// downloadResult pairs a request with its outcome for DownloadManyByProviderID.
type downloadResult struct {
	name    string
	content []byte
	err     error
}

// DownloadManyByProviderID resolves every request's provider_file_id to its
// underlying UserFile row sequentially (the metadata store is not
// concurrency-safe across goroutines), then downloads the transport bytes
// for all of them in parallel. A failure resolving any single ID fails the
// whole call — same as a failed parallel download.
func (p *Pipeline) DownloadManyByProviderID(ctx context.Context, requests []FileRequest) (map[string][]byte, error) {
	if len(requests) == 0 {
		return map[string][]byte{}, nil
	}

	type resolved struct {
		name string
		file model.UserFile
	}
	files := make([]resolved, 0, len(requests))
	for _, req := range requests {
		f, ok, err := p.store.GetFileByProviderID(ctx, req.ProviderFileID)
		if err != nil {
			return nil, fmt.Errorf("files: resolve %s: %w", req.ProviderFileID, err)
		}
		if !ok {
			return nil, fmt.Errorf("files: no record for provider file id %s", req.ProviderFileID)
		}
		name := req.DisplayName
		if name == "" {
			name = f.FileName
		}
		files = append(files, resolved{name: name, file: f})
	}

	results := make([]downloadResult, len(files))
	var wg sync.WaitGroup
	for i, rf := range files {
		wg.Add(1)
		go func(i int, rf resolved) {
			defer wg.Done()
			content, err := p.fetch(ctx, rf.file.ProviderFileID)
			results[i] = downloadResult{name: rf.name, content: content, err: err}
		}(i, rf)
	}
	wg.Wait()

	out := make(map[string][]byte, len(results))
	for _, r := range results {
		if r.err != nil {
			return nil, fmt.Errorf("files: download %s: %w", r.name, r.err)
		}
		out[r.name] = r.content
	}
	return out, nil
}

// Package diagnostics keeps the raw upstream pages that failed to parse so a
// human can see what the registry actually served.
package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

const defaultContentType = "text/html; charset=utf-8"

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Sink writes raw pages to a blob store under a content-addressed path.
type Sink struct {
	blobs  tracker.BlobStore
	hasher tracker.Hasher
	clock  tracker.Clock
	prefix string
	logger *zap.Logger
}

// NewSink builds a Sink. A nil blob store yields a sink that drops pages.
func NewSink(blobs tracker.BlobStore, hasher tracker.Hasher, clock tracker.Clock, prefix string, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		blobs:  blobs,
		hasher: hasher,
		clock:  clock,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// Save stores page and returns the blob URI. Empty bodies are not stored.
func (s *Sink) Save(ctx context.Context, page tracker.Page, reason string) (string, error) {
	if s == nil || s.blobs == nil {
		return "", nil
	}
	if len(page.Body) == 0 {
		return "", nil
	}
	hash, err := s.hasher.Hash(page.Body)
	if err != nil {
		return "", fmt.Errorf("hash page: %w", err)
	}
	path := s.buildPath(page.Target, hash)
	contentType := page.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	uri, err := s.blobs.PutObject(ctx, path, contentType, bytes.NewReader(page.Body))
	if err != nil {
		return "", fmt.Errorf("put diagnostic page: %w", err)
	}
	s.logger.Info("diagnostic page saved",
		zap.String("target", page.Target.String()),
		zap.String("reason", reason),
		zap.String("uri", uri),
		zap.Int("bytes", len(page.Body)),
	)
	return uri, nil
}

// SaveFailure stores failure as a JSON document next to any saved pages.
func (s *Sink) SaveFailure(ctx context.Context, failure tracker.FailureRecord) (string, error) {
	if s == nil || s.blobs == nil {
		return "", nil
	}
	data, err := json.Marshal(failure)
	if err != nil {
		return "", fmt.Errorf("marshal failure: %w", err)
	}
	hash, err := s.hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash failure: %w", err)
	}
	target := tracker.Target{Key: failure.Key, Name: failure.Name, Category: failure.Category}
	path := strings.TrimSuffix(s.buildPath(target, hash), ".html") + ".json"
	uri, err := s.blobs.PutObject(ctx, path, "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("put failure record: %w", err)
	}
	return uri, nil
}

func (s *Sink) buildPath(target tracker.Target, hash string) string {
	day := s.clock.Now().UTC().Format("2006-01-02")
	name := target.Key
	if !target.ByKey() {
		name = target.Name + "_" + target.Category
	}
	name = strings.Trim(unsafePathChars.ReplaceAllString(name, "_"), "_")
	if name == "" {
		name = "unknown"
	}
	if s.prefix == "" {
		return fmt.Sprintf("%s/%s/%s.html", name, day, hash)
	}
	return fmt.Sprintf("%s/%s/%s/%s.html", s.prefix, name, day, hash)
}

// Package websearch post-processes grounded search responses, resolving the
// backend's redirect URLs to their real destinations.
package websearch

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/phamanh/gemini-bridge/internal/logging"
	"github.com/phamanh/gemini-bridge/internal/translator/ir"
)

const (
	// redirectHost marks URLs the backend routes through its own redirector.
	redirectHost = "vertexaisearch.cloud.google.com"

	resolveTimeout     = 1500 * time.Millisecond
	maxConcurrent      = 8
	maxResolvesPerCall = 24
)

// Resolver follows grounding redirect URLs and caches the destinations.
// Resolved destinations never change, so cache entries live for the process
// lifetime.
type Resolver struct {
	client *http.Client
	sem    *semaphore.Weighted

	mu    sync.RWMutex
	cache map[string]string
}

func NewResolver() *Resolver {
	return &Resolver{
		client: &http.Client{
			Timeout: resolveTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		sem:   semaphore.NewWeighted(maxConcurrent),
		cache: make(map[string]string),
	}
}

// ResolveGrounding rewrites redirect URIs in place. Failures leave the
// original URI untouched; a slow or broken redirector must not delay the
// response beyond the per-URL timeout.
func (r *Resolver) ResolveGrounding(ctx context.Context, g *ir.GroundingMetadata) {
	if g == nil {
		return
	}
	var wg sync.WaitGroup
	resolved := 0
	for i := range g.Chunks {
		uri := g.Chunks[i].URI
		if !strings.Contains(uri, redirectHost) {
			continue
		}
		if dest, ok := r.cached(uri); ok {
			g.Chunks[i].URI = dest
			continue
		}
		if resolved >= maxResolvesPerCall {
			break
		}
		resolved++
		wg.Add(1)
		go func(chunk *ir.GroundingChunk) {
			defer wg.Done()
			if dest := r.resolve(ctx, chunk.URI); dest != "" {
				chunk.URI = dest
			}
		}(&g.Chunks[i])
	}
	wg.Wait()
}

func (r *Resolver) resolve(ctx context.Context, uri string) string {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return ""
	}
	defer r.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, uri, nil)
	if err != nil {
		return ""
	}
	resp, err := r.client.Do(req)
	if err != nil {
		logging.WithFields(logging.Fields{"url": uri, "error": err.Error()}).Debug("redirect resolution failed")
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return ""
	}
	dest := resp.Header.Get("Location")
	if dest == "" || strings.Contains(dest, redirectHost) {
		return ""
	}
	r.store(uri, dest)
	return dest
}

func (r *Resolver) cached(uri string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dest, ok := r.cache[uri]
	return dest, ok
}

func (r *Resolver) store(uri, dest string) {
	r.mu.Lock()
	r.cache[uri] = dest
	r.mu.Unlock()
}

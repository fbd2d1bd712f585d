// Package router intercepts outgoing HTTP requests and decides, per
// route, whether the cache or the network answers. It implements
// http.RoundTripper so the rest of the app keeps using a plain
// http.Client.
package router

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/agrotour/offline/internal/cache"
	"github.com/agrotour/offline/internal/errors"
	"github.com/agrotour/offline/internal/logging"
)

// Policy names a routing strategy.
type Policy string

const (
	// PolicyNetworkOnly never serves from cache. Sync endpoints need
	// the live server or an honest offline answer.
	PolicyNetworkOnly Policy = "network-only"
	// PolicyCacheFirst serves fresh cached data without touching the
	// network. Used for reference data that changes rarely.
	PolicyCacheFirst Policy = "cache-first"
	// PolicyNetworkFirst always tries the network and falls back to
	// the cache. Used for transactional data that must be current.
	PolicyNetworkFirst Policy = "network-first"
	// PolicyAsset is cache-first for immutable static files.
	PolicyAsset Policy = "asset"
)

// ForceRefreshHeader bypasses a fresh cache entry for one request.
const ForceRefreshHeader = "X-Force-Refresh"

// cacheStatusHeader reports how a response was produced.
const cacheStatusHeader = "X-Cache"

// permanentPrefixes are reference-data routes served cache-first.
var permanentPrefixes = []string{
	"/api/locations/",
	"/api/products",
}

// temporaryPrefixes are transactional routes served network-first.
var temporaryPrefixes = []string{
	"/api/orders/",
	"/api/visits/",
}

// assetExtensions marks static files kept in the asset cache.
var assetExtensions = map[string]bool{
	".js": true, ".css": true, ".html": true, ".png": true, ".jpg": true,
	".jpeg": true, ".svg": true, ".gif": true, ".ico": true, ".webp": true,
	".woff": true, ".woff2": true, ".ttf": true, ".json": true, ".webmanifest": true,
}

// Classify decides the policy for a request path.
func Classify(urlPath string) Policy {
	if strings.HasPrefix(urlPath, "/sync/") {
		return PolicyNetworkOnly
	}
	if assetExtensions[strings.ToLower(path.Ext(urlPath))] && !strings.HasPrefix(urlPath, "/api/") {
		return PolicyAsset
	}
	for _, p := range permanentPrefixes {
		if strings.HasPrefix(urlPath, p) {
			return PolicyCacheFirst
		}
	}
	for _, p := range temporaryPrefixes {
		if strings.HasPrefix(urlPath, p) {
			return PolicyNetworkFirst
		}
	}
	return PolicyNetworkFirst
}

// Metrics receives cache hit/miss observations. Optional.
type Metrics interface {
	CacheHit()
	CacheMiss()
}

// Router routes GET requests between cache and network. Non-GET
// requests pass straight through; mutations belong in the operation
// queue, not here.
type Router struct {
	store     *cache.Store
	transport http.RoundTripper
	ttl       time.Duration
	metrics   Metrics
}

// New creates a Router over the given cache store. transport is the
// real network transport; nil means http.DefaultTransport.
func New(store *cache.Store, transport http.RoundTripper, ttl time.Duration) *Router {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	return &Router{store: store, transport: transport, ttl: ttl}
}

// SetMetrics attaches a hit/miss observer.
func (rt *Router) SetMetrics(m Metrics) {
	rt.metrics = m
}

func (rt *Router) recordHit() {
	if rt.metrics != nil {
		rt.metrics.CacheHit()
	}
}

func (rt *Router) recordMiss() {
	if rt.metrics != nil {
		rt.metrics.CacheMiss()
	}
}

// RoundTrip implements http.RoundTripper.
func (rt *Router) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return rt.transport.RoundTrip(req)
	}

	policy := Classify(req.URL.Path)
	key := cacheKey(req)
	force := req.Header.Get(ForceRefreshHeader) == "true"

	switch policy {
	case PolicyNetworkOnly:
		resp, err := rt.transport.RoundTrip(req)
		if err != nil {
			logging.Warn("sync endpoint unreachable", map[string]interface{}{
				"path":  req.URL.Path,
				"error": err.Error(),
			})
			return offlineResponse(req), nil
		}
		return resp, nil

	case PolicyAsset:
		return rt.serveAsset(req, key)

	case PolicyCacheFirst:
		return rt.serveCacheFirst(req, key, force)

	default:
		return rt.serveNetworkFirst(req, key)
	}
}

func (rt *Router) serveAsset(req *http.Request, key string) (*http.Response, error) {
	if entry, err := rt.store.Get(cache.ClassAsset, key); err == nil {
		rt.recordHit()
		return cachedResponse(req, entry.Data, "HIT"), nil
	}
	rt.recordMiss()

	resp, err := rt.transport.RoundTrip(req)
	if err != nil {
		return offlineResponse(req), nil
	}
	if resp.StatusCode == http.StatusOK {
		return rt.captureBody(cache.ClassAsset, key, resp), nil
	}
	return resp, nil
}

func (rt *Router) serveCacheFirst(req *http.Request, key string, force bool) (*http.Response, error) {
	res, err := rt.store.ReadThrough(req.Context(), key, rt.ttl, force, func(ctx context.Context) ([]byte, error) {
		return rt.fetch(req.WithContext(ctx))
	})
	if err != nil {
		return offlineResponse(req), nil
	}

	status := "MISS"
	if res.FromCache {
		status = "HIT"
		if res.Stale {
			status = "STALE"
		}
		rt.recordHit()
	} else {
		rt.recordMiss()
	}
	return cachedResponse(req, res.Data, status), nil
}

func (rt *Router) serveNetworkFirst(req *http.Request, key string) (*http.Response, error) {
	resp, err := rt.transport.RoundTrip(req)
	if err == nil && resp.StatusCode == http.StatusOK {
		return rt.captureBody(cache.ClassResponse, key, resp), nil
	}
	if err == nil {
		// A definitive server answer (404, 403, ...) is not an outage;
		// pass it through untouched.
		return resp, nil
	}

	if entry, cerr := rt.store.Get(cache.ClassResponse, key); cerr == nil {
		rt.recordHit()
		status := "HIT"
		if !rt.store.Fresh(entry, rt.ttl) {
			status = "STALE"
		}
		logging.Warn("serving cached copy after network failure", map[string]interface{}{
			"path":  req.URL.Path,
			"cache": status,
		})
		return cachedResponse(req, entry.Data, status), nil
	}
	return offlineResponse(req), nil
}

// fetch performs the network round trip and returns the body of a 200
// response. Anything else is an error so the cache never stores it.
func (rt *Router) fetch(req *http.Request) ([]byte, error) {
	resp, err := rt.transport.RoundTrip(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.ErrNetwork,
			fmt.Sprintf("unexpected status %d for %s", resp.StatusCode, req.URL.Path))
	}
	return io.ReadAll(resp.Body)
}

// captureBody stores a successful response body and rebuilds the
// response so the caller still gets a readable body.
func (rt *Router) captureBody(class cache.Class, key string, resp *http.Response) *http.Response {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		resp.Body = io.NopCloser(bytes.NewReader(nil))
		return resp
	}

	if err := rt.store.Put(class, key, body); err != nil {
		logging.Warn("failed to cache response", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set(cacheStatusHeader, "MISS")
	return resp
}

// Precache fetches and stores a list of asset paths. Used at startup to
// warm the shell assets the UI needs offline.
func (rt *Router) Precache(ctx context.Context, baseURL string, paths []string) (int, error) {
	var stored int
	for _, p := range paths {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+p, nil)
		if err != nil {
			return stored, errors.Wrap(errors.ErrInternal, "failed to build precache request", err)
		}
		body, err := rt.fetch(req)
		if err != nil {
			logging.Warn("precache fetch failed", map[string]interface{}{
				"path":  p,
				"error": err.Error(),
			})
			continue
		}
		if err := rt.store.Put(cache.ClassAsset, cacheKey(req), body); err != nil {
			return stored, err
		}
		stored++
	}
	logging.Info("asset precache finished", map[string]interface{}{
		"requested": len(paths),
		"stored":    stored,
	})
	return stored, nil
}

func cacheKey(req *http.Request) string {
	if req.URL.RawQuery == "" {
		return req.URL.Path
	}
	return req.URL.Path + "?" + req.URL.RawQuery
}

func cachedResponse(req *http.Request, body []byte, cacheStatus string) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set(cacheStatusHeader, cacheStatus)
	return &http.Response{
		Status:        http.StatusText(http.StatusOK),
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// offlineResponse synthesizes the structured 503 the UI shows when
// neither network nor cache can answer.
func offlineResponse(req *http.Request) *http.Response {
	body := []byte(`{"error":"offline","message":"no connection and no cached copy available"}`)
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set(cacheStatusHeader, "OFFLINE")
	return &http.Response{
		Status:        http.StatusText(http.StatusServiceUnavailable),
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

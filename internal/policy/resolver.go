// Package policy resolves platform fee rates from a remotely managed policy
// document. Operators publish the document as JSON; the resolver caches it on
// disk and falls back to the configured default rate when it is unavailable.
package policy

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Document represents the structure of the published fee policy.
type Document struct {
	Version     string             `json:"version"`
	DefaultRate float64            `json:"defaultRate"`
	Categories  map[string]float64 `json:"categories"`
	GeneratedAt time.Time          `json:"generatedAt"`
}

// Resolver handles fee policy resolution from the policy endpoint.
type Resolver struct {
	policyURL    string
	cacheDir     string
	defaultRate  float64
	cacheTimeout time.Duration

	mutex      sync.RWMutex
	doc        *Document
	lastUpdate time.Time
}

// NewResolver creates a new fee policy resolver. defaultRate is used whenever
// the policy document cannot be fetched or does not cover a category.
func NewResolver(policyURL, cacheDir string, defaultRate float64) *Resolver {
	return &Resolver{
		policyURL:    policyURL,
		cacheDir:     cacheDir,
		defaultRate:  defaultRate,
		cacheTimeout: 5 * time.Minute, // 5-minute cache
	}
}

// RateFor returns the platform fee rate for a resource category. Missing
// categories and unavailable policy documents resolve to the default rate, so
// fee settlement never blocks on the policy endpoint.
func (r *Resolver) RateFor(category string) float64 {
	if r.policyURL == "" {
		return r.defaultRate
	}

	doc, err := r.getDocument()
	if err != nil {
		return r.defaultRate
	}

	if rate, ok := doc.Categories[category]; ok && rate >= 0 && rate <= 1 {
		return rate
	}
	if doc.DefaultRate > 0 && doc.DefaultRate <= 1 {
		return doc.DefaultRate
	}
	return r.defaultRate
}

// getDocument retrieves the policy document from cache or fetches fresh if needed
func (r *Resolver) getDocument() (*Document, error) {
	r.mutex.RLock()
	if r.doc != nil && time.Since(r.lastUpdate) < r.cacheTimeout {
		doc := r.doc
		r.mutex.RUnlock()
		return doc, nil
	}
	r.mutex.RUnlock()

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Double-check after acquiring write lock
	if r.doc != nil && time.Since(r.lastUpdate) < r.cacheTimeout {
		return r.doc, nil
	}

	// Try to load from local cache first
	doc, err := r.loadFromCache()
	if err == nil && doc != nil && time.Since(doc.GeneratedAt) < 24*time.Hour {
		r.doc = doc
		r.lastUpdate = time.Now()
		return doc, nil
	}

	// Fetch from the policy endpoint
	doc, err = r.fetchFromRemote()
	if err != nil {
		// If remote fetch fails but we have a stale document, use it
		if r.doc != nil {
			return r.doc, nil
		}
		return nil, fmt.Errorf("failed to fetch fee policy: %w", err)
	}

	r.doc = doc
	r.lastUpdate = time.Now()
	r.saveToCache(doc)

	return doc, nil
}

// loadFromCache loads the policy document from local cache
func (r *Resolver) loadFromCache() (*Document, error) {
	cachePath := filepath.Join(r.cacheDir, "fee-policy.json")
	data, err := os.ReadFile(cachePath)
	if err != nil {
		return nil, err
	}

	doc, err := parseDocument(data)
	if err != nil {
		return nil, err
	}

	return doc, nil
}

// saveToCache saves the policy document to local cache
func (r *Resolver) saveToCache(doc *Document) {
	// Ensure cache directory exists
	if err := os.MkdirAll(r.cacheDir, 0755); err != nil {
		return // Ignore cache errors
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return // Ignore cache errors
	}

	cachePath := filepath.Join(r.cacheDir, "fee-policy.json")
	_ = os.WriteFile(cachePath, data, 0644) // Ignore errors
}

// fetchFromRemote fetches the policy document from the policy endpoint
func (r *Resolver) fetchFromRemote() (*Document, error) {
	resp, err := http.Get(r.policyURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch fee policy: %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	doc, err := parseDocument(data)
	if err != nil {
		return nil, err
	}

	return doc, nil
}

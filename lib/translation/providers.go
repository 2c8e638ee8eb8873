/*
Copyright 2024 Aussie Gateway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package translation

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/aussieproj/aussie/lib/defaults"
	"github.com/aussieproj/aussie/lib/storage"
	"github.com/aussieproj/aussie/lib/types"
)

// Provider turns one token's claims into roles and permissions. The
// service picks the ready provider with the highest priority.
type Provider interface {
	// Name identifies the provider in logs and cache keys.
	Name() string
	// Priority orders provider selection; higher wins.
	Priority() int
	// Ready reports whether the provider can translate right now.
	Ready() bool
	// Translate maps the claims of one verified token.
	Translate(ctx context.Context, issuer, subject string, claims map[string]any) (*types.TranslationResult, error)
}

// DefaultProvider reads a single list-valued claim as roles, with no
// mapping. It is the fallback when nothing richer is configured.
type DefaultProvider struct {
	// Claim is the dot-path of the role list; defaults to "roles".
	Claim string
}

func (p *DefaultProvider) Name() string  { return "default" }
func (p *DefaultProvider) Priority() int { return 0 }
func (p *DefaultProvider) Ready() bool   { return true }

func (p *DefaultProvider) Translate(_ context.Context, _, _ string, claims map[string]any) (*types.TranslationResult, error) {
	claim := p.Claim
	if claim == "" {
		claim = "roles"
	}
	schema := &types.TranslationSchema{
		Sources:  []types.TranslationSource{{Name: "roles", Claim: claim, Type: types.SourceTypeArray}},
		Defaults: types.TranslationDefaults{IncludeUnmapped: true},
	}
	result, err := Apply(schema, claims)
	return result, trace.Wrap(err)
}

// StoredProvider evaluates the active schema revision from the
// repository. The revision is re-read lazily after activation via
// Invalidate.
type StoredProvider struct {
	repo storage.TranslationConfigRepository

	mu     sync.RWMutex
	schema *types.TranslationSchema
	loaded bool
}

// NewStoredProvider creates a provider over the translation config
// repository.
func NewStoredProvider(ctx context.Context, repo storage.TranslationConfigRepository) *StoredProvider {
	p := &StoredProvider{repo: repo}
	if err := p.reload(ctx); err != nil && !trace.IsNotFound(err) {
		log.WarnContext(ctx, "Loading active translation config failed", "error", err)
	}
	return p
}

func (p *StoredProvider) reload(ctx context.Context) error {
	active, err := p.repo.GetActive(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	p.mu.Lock()
	p.schema = &active.Schema
	p.loaded = true
	p.mu.Unlock()
	log.InfoContext(ctx, "Loaded translation config", "version", active.Version, "id", active.ID)
	return nil
}

// Invalidate forces a re-read of the active revision on the next use;
// the service calls it when a revision is activated.
func (p *StoredProvider) Invalidate() {
	p.mu.Lock()
	p.loaded = false
	p.mu.Unlock()
}

func (p *StoredProvider) Name() string  { return "config" }
func (p *StoredProvider) Priority() int { return 50 }

func (p *StoredProvider) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.schema != nil
}

func (p *StoredProvider) Translate(ctx context.Context, _, _ string, claims map[string]any) (*types.TranslationResult, error) {
	p.mu.RLock()
	schema, loaded := p.schema, p.loaded
	p.mu.RUnlock()
	if !loaded {
		if err := p.reload(ctx); err != nil && !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		p.mu.RLock()
		schema = p.schema
		p.mu.RUnlock()
	}
	if schema == nil {
		return nil, trace.NotFound("no active translation config")
	}
	result, err := Apply(schema, claims)
	return result, trace.Wrap(err)
}

// FileProvider evaluates a schema from a YAML file, hot-reloading it
// when the file changes.
type FileProvider struct {
	path    string
	watcher *fsnotify.Watcher

	mu     sync.RWMutex
	schema *types.TranslationSchema
}

// NewFileProvider loads the schema from path and watches it for changes
// until ctx is done.
func NewFileProvider(ctx context.Context, path string) (*FileProvider, error) {
	p := &FileProvider{path: path}
	if err := p.reload(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, trace.Wrap(err)
	}
	p.watcher = watcher
	go p.watch(ctx)
	return p, nil
}

func (p *FileProvider) reload(ctx context.Context) error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	var schema types.TranslationSchema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return trace.BadParameter("parsing translation schema %v: %v", p.path, err)
	}
	if err := schema.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	p.mu.Lock()
	p.schema = &schema
	p.mu.Unlock()
	log.InfoContext(ctx, "Loaded translation schema file", "path", p.path)
	return nil
}

func (p *FileProvider) watch(ctx context.Context) {
	defer p.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// A broken edit keeps the last good schema.
			if err := p.reload(ctx); err != nil {
				log.WarnContext(ctx, "Reloading translation schema failed, keeping previous",
					"path", p.path, "error", err)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			log.WarnContext(ctx, "Translation schema watcher error", "error", err)
		}
	}
}

func (p *FileProvider) Name() string  { return "config" }
func (p *FileProvider) Priority() int { return 50 }

func (p *FileProvider) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.schema != nil
}

func (p *FileProvider) Translate(_ context.Context, _, _ string, claims map[string]any) (*types.TranslationResult, error) {
	p.mu.RLock()
	schema := p.schema
	p.mu.RUnlock()
	if schema == nil {
		return nil, trace.NotFound("no translation schema loaded")
	}
	result, err := Apply(schema, claims)
	return result, trace.Wrap(err)
}

// RemoteFailMode controls what a remote translation failure does.
type RemoteFailMode string

const (
	// FailModeDeny propagates the failure, denying the request.
	FailModeDeny RemoteFailMode = "deny"
	// FailModeAllowEmpty degrades to an empty result.
	FailModeAllowEmpty RemoteFailMode = "allow_empty"
)

// RemoteProviderConfig holds parameters for the remote provider.
type RemoteProviderConfig struct {
	// URL receives POSTed translation requests.
	URL string
	// Timeout bounds each call.
	Timeout time.Duration
	// FailMode is deny or allow_empty.
	FailMode RemoteFailMode
	// Client performs the calls.
	Client *http.Client
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RemoteProviderConfig) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("remote translation url missing")
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.RemoteTranslationTimeout
	}
	switch c.FailMode {
	case "":
		c.FailMode = FailModeDeny
	case FailModeDeny, FailModeAllowEmpty:
	default:
		return trace.BadParameter("unknown remote translation fail mode %q", string(c.FailMode))
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: c.Timeout}
	}
	return nil
}

// RemoteProvider delegates translation to an external service.
type RemoteProvider struct {
	cfg RemoteProviderConfig
}

// NewRemoteProvider creates a remote provider.
func NewRemoteProvider(cfg RemoteProviderConfig) (*RemoteProvider, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &RemoteProvider{cfg: cfg}, nil
}

func (p *RemoteProvider) Name() string  { return "remote" }
func (p *RemoteProvider) Priority() int { return 100 }
func (p *RemoteProvider) Ready() bool   { return true }

type remoteRequest struct {
	Issuer  string         `json:"issuer"`
	Subject string         `json:"subject"`
	Claims  map[string]any `json:"claims"`
}

func (p *RemoteProvider) Translate(ctx context.Context, issuer, subject string, claims map[string]any) (*types.TranslationResult, error) {
	result, err := p.call(ctx, issuer, subject, claims)
	if err != nil {
		if p.cfg.FailMode == FailModeAllowEmpty {
			log.WarnContext(ctx, "Remote translation failed, allowing with empty result",
				"issuer", issuer, "error", err)
			return &types.TranslationResult{}, nil
		}
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (p *RemoteProvider) call(ctx context.Context, issuer, subject string, claims map[string]any) (*types.TranslationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	body, err := json.Marshal(remoteRequest{Issuer: issuer, Subject: subject, Claims: claims})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "calling translation service")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, trace.ConnectionProblem(nil, "translation service returned %v", resp.StatusCode)
	}
	var result types.TranslationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, trace.BadParameter("malformed translation service response: %v", err)
	}
	return &result, nil
}

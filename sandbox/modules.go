// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sandbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	log "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v3"
	"github.com/jonboulle/clockwork"

	"github.com/hashicorp/pluginhost/structs"
)

const (
	maxActiveTimers = 100
	maxTimerDelay   = 60 * time.Second
)

// sensitiveKey matches field names whose values the console redacts.
var sensitiveKey = regexp.MustCompile(`(?i)password|secret|token|key|auth|credential`)

// moduleSurface is the restricted standard library a sandbox exposes to its
// plugin. Facades are built lazily and cached.
type moduleSurface struct {
	s *Sandbox

	mu      sync.Mutex
	console *Console
	timers  *Timers
	fs      *ScopedFS
	httpMod *HTTPClient
	proc    *ProcessInfo

	allowedHosts *set.Set[string]
	envWhitelist []string
}

func newModuleSurface(s *Sandbox, allowedHosts, envWhitelist []string) *moduleSurface {
	return &moduleSurface{
		s:            s,
		allowedHosts: set.From(allowedHosts),
		envWhitelist: envWhitelist,
	}
}

func (m *moduleSurface) require(name string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch name {
	case "console":
		if m.console == nil {
			m.console = &Console{logger: m.s.logger.Named("plugin")}
		}
		return m.console, nil

	case "timers":
		if m.timers == nil {
			m.timers = &Timers{clock: m.s.clock, active: make(map[uint64]clockwork.Timer)}
		}
		return m.timers, nil

	case "fs":
		if !m.s.hasPermission("file:read") && !m.s.hasPermission("file:write") {
			return nil, structs.ErrModuleNotAllowed
		}
		if m.fs == nil {
			m.fs = &ScopedFS{s: m.s, root: m.s.dir}
		}
		return m.fs, nil

	case "http":
		if !m.s.hasPermission("network:http") {
			return nil, structs.ErrModuleNotAllowed
		}
		if m.httpMod == nil {
			m.httpMod = &HTTPClient{s: m.s, client: cleanhttp.DefaultPooledClient(), hosts: m.allowedHosts}
		}
		return m.httpMod, nil

	case "process":
		if m.proc == nil {
			m.proc = newProcessInfo(m.s.pluginID, m.envWhitelist)
		}
		return m.proc, nil

	default:
		return nil, structs.ErrModuleNotAllowed
	}
}

func (m *moduleSurface) shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timers != nil {
		m.timers.clearAll()
	}
	if m.httpMod != nil {
		m.httpMod.client.CloseIdleConnections()
	}
}

// Console is the plugin-facing logger. Values under sensitive field names
// are replaced with [REDACTED] before reaching the host log.
type Console struct {
	logger log.Logger
}

func (c *Console) Debug(msg string, fields map[string]any) { c.logger.Debug(msg, sanitize(fields)...) }
func (c *Console) Info(msg string, fields map[string]any)  { c.logger.Info(msg, sanitize(fields)...) }
func (c *Console) Warn(msg string, fields map[string]any)  { c.logger.Warn(msg, sanitize(fields)...) }
func (c *Console) Error(msg string, fields map[string]any) { c.logger.Error(msg, sanitize(fields)...) }

func sanitize(fields map[string]any) []any {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		v := fields[k]
		if sensitiveKey.MatchString(k) {
			v = "[REDACTED]"
		}
		out = append(out, k, v)
	}
	return out
}

// Timers provides bounded timers: at most 100 active, delays clamped to 60s.
type Timers struct {
	clock clockwork.Clock

	mu     sync.Mutex
	nextID uint64
	active map[uint64]clockwork.Timer
}

// SetTimeout schedules fn after delay and returns the timer id.
func (t *Timers) SetTimeout(delay time.Duration, fn func()) (uint64, error) {
	if delay > maxTimerDelay {
		delay = maxTimerDelay
	}
	if delay < 0 {
		delay = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.active) >= maxActiveTimers {
		return 0, &structs.ResourceLimitExceededError{Violations: []string{"timers"}}
	}

	t.nextID++
	id := t.nextID
	t.active[id] = t.clock.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.active, id)
		t.mu.Unlock()
		fn()
	})
	return id, nil
}

// ClearTimeout cancels a timer. Unknown ids are a no-op.
func (t *Timers) ClearTimeout(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.active[id]; ok {
		timer.Stop()
		delete(t.active, id)
	}
}

// ActiveCount returns how many timers are pending.
func (t *Timers) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

func (t *Timers) clearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.active {
		timer.Stop()
		delete(t.active, id)
	}
}

// ScopedFS mediates file access inside the plugin directory. Reads require
// file:read, writes file:write, and every path is confined to the plugin
// directory after symlink resolution.
type ScopedFS struct {
	s    *Sandbox
	root string
}

// resolve confines the relative path to the sandbox root, rejecting absolute
// paths and traversal through symlinks.
func (f *ScopedFS) resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", structs.ErrPathTraversal
	}
	root, err := filepath.EvalSymlinks(f.root)
	if err != nil {
		return "", err
	}

	target := filepath.Join(root, rel)

	// The target may not exist yet (writes); resolve the deepest existing
	// ancestor instead.
	resolved, err := resolveExisting(target)
	if err != nil {
		return "", err
	}
	relPath, err := filepath.Rel(root, resolved)
	if err != nil {
		return "", err
	}
	if relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return "", structs.ErrPathTraversal
	}
	return target, nil
}

// resolveExisting walks up from the target until a path component exists,
// resolves its symlinks, and rejoins the remainder.
func resolveExisting(target string) (string, error) {
	remainder := ""
	current := target
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		current = parent
	}
}

// ReadFile reads a file inside the plugin directory.
func (f *ScopedFS) ReadFile(rel string) ([]byte, error) {
	if !f.s.hasPermission("file:read") {
		return nil, structs.ErrModuleNotAllowed
	}
	p, err := f.resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// WriteFile writes a file inside the plugin directory.
func (f *ScopedFS) WriteFile(rel string, data []byte) error {
	if !f.s.hasPermission("file:write") {
		return structs.ErrModuleNotAllowed
	}
	p, err := f.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

// ReadDir lists a directory inside the plugin directory.
func (f *ScopedFS) ReadDir(rel string) ([]os.DirEntry, error) {
	if !f.s.hasPermission("file:read") {
		return nil, structs.ErrModuleNotAllowed
	}
	p, err := f.resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadDir(p)
}

// HTTPClient is the network:http facade: requests are rate limited per the
// permission's rule and restricted to the host allow-list. An empty
// allow-list permits any host.
type HTTPClient struct {
	s      *Sandbox
	client *http.Client
	hosts  *set.Set[string]
}

// Do executes the request after allow-list and rate-limit checks.
func (h *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	if err := h.admit(req.URL); err != nil {
		return nil, err
	}
	return h.client.Do(req)
}

// Get fetches a URL and returns the response body.
func (h *HTTPClient) Get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (h *HTTPClient) admit(u *url.URL) error {
	if h.hosts.Size() > 0 && !h.hosts.Contains(u.Hostname()) {
		return fmt.Errorf("host %q is not in the allow list", u.Hostname())
	}
	if h.s.validator != nil && !h.s.validator.CheckRateLimit(h.s.pluginID, "network:http") {
		return structs.ErrPermissionRateLimited
	}
	return nil
}

// ProcessInfo is the minimal process record exposed to plugins: only
// whitelisted environment variables plus PLUGIN_ID.
type ProcessInfo struct {
	env map[string]string
}

func newProcessInfo(pluginID string, whitelist []string) *ProcessInfo {
	env := make(map[string]string, len(whitelist)+1)
	for _, name := range whitelist {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	env["PLUGIN_ID"] = pluginID
	return &ProcessInfo{env: env}
}

// Env returns a copy of the visible environment.
func (p *ProcessInfo) Env() map[string]string {
	out := make(map[string]string, len(p.env))
	for k, v := range p.env {
		out[k] = v
	}
	return out
}

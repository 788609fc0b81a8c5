// Package naming resolves the human-readable device name. A configured
// static name wins; otherwise the last name fetched from the registry is
// loaded from the state store, and RequestName asks the registry again
// until one is known.
package naming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nugget/beacon/internal/httpkit"
	"github.com/nugget/beacon/internal/opstate"
)

// MaxNameLength bounds accepted names.
const MaxNameLength = 64

const stateKey = "name"

// Config configures a Resolver.
type Config struct {
	// Static is a fixed name. When set the registry is never queried.
	Static string
	// RegistryURL is fetched to learn the name. The placeholder {id} is
	// replaced with the device id; without it the id is sent as the
	// "id" query parameter. The response is either {"name":"..."} or
	// the bare name as text.
	RegistryURL string
}

// Resolver implements the device-name collaborator.
type Resolver struct {
	cfg      Config
	deviceID string
	client   *http.Client
	state    *opstate.Store
	logger   *slog.Logger

	mu   sync.RWMutex
	name string
}

// New creates a Resolver. client defaults to an httpkit client; state
// may be nil.
func New(cfg Config, deviceID string, client *http.Client, state *opstate.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = httpkit.NewClient(httpkit.WithRetry(2, 500*time.Millisecond), httpkit.WithLogger(logger))
	}
	r := &Resolver{
		cfg:      cfg,
		deviceID: deviceID,
		client:   client,
		state:    state,
		logger:   logger,
	}
	if n := strings.TrimSpace(cfg.Static); n != "" {
		r.name = n
	}
	return r
}

// Load restores the cached name from the state store.
func (r *Resolver) Load(ctx context.Context) error {
	if r.state == nil || r.Name() != "" {
		return nil
	}
	n, err := r.state.Get(ctx, opstate.NamespaceDevice, stateKey)
	if err != nil {
		return fmt.Errorf("load device name: %w", err)
	}
	if n != "" {
		r.set(n)
		r.logger.Debug("device name restored", "name", n)
	}
	return nil
}

// Name returns the device name, or "" if not yet known.
func (r *Resolver) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.name
}

// RequestName asks the registry for the name. Failures are logged; the
// caller retries by calling again.
func (r *Resolver) RequestName(ctx context.Context) {
	if r.Name() != "" {
		return
	}
	if r.cfg.RegistryURL == "" {
		r.logger.Warn("device name required but no registry configured")
		return
	}

	n, err := r.fetch(ctx)
	if err != nil {
		r.logger.Warn("device name request failed", "error", err)
		return
	}
	r.set(n)
	r.logger.Info("device name resolved", "name", n)

	if r.state != nil {
		if err := r.state.Set(ctx, opstate.NamespaceDevice, stateKey, n); err != nil {
			r.logger.Warn("failed to cache device name", "error", err)
		}
	}
}

func (r *Resolver) set(n string) {
	r.mu.Lock()
	r.name = n
	r.mu.Unlock()
}

func (r *Resolver) fetch(ctx context.Context) (string, error) {
	body, ctype, err := httpkit.Get(ctx, r.client, r.registryURL(), 1024)
	if err != nil {
		return "", err
	}
	return parseName(body, ctype)
}

func (r *Resolver) registryURL() string {
	raw := r.cfg.RegistryURL
	if strings.Contains(raw, "{id}") {
		return strings.ReplaceAll(raw, "{id}", url.PathEscape(r.deviceID))
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("id", r.deviceID)
	u.RawQuery = q.Encode()
	return u.String()
}

// parseName extracts a name from a registry response body.
func parseName(body []byte, contentType string) (string, error) {
	body = bytes.TrimSpace(body)
	var n string
	if strings.HasPrefix(contentType, "application/json") || bytes.HasPrefix(body, []byte("{")) {
		var resp struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("decode registry response: %w", err)
		}
		n = resp.Name
	} else {
		n = string(body)
	}

	n = strings.TrimSpace(n)
	switch {
	case n == "":
		return "", fmt.Errorf("registry returned an empty name")
	case len(n) > MaxNameLength:
		return "", fmt.Errorf("registry name exceeds %d bytes", MaxNameLength)
	case strings.ContainsAny(n, "\r\n"):
		return "", fmt.Errorf("registry name spans multiple lines")
	}
	return n, nil
}

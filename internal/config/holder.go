package config

import "sync"

// Holder provides thread-safe access to a mutable *Resolved config. Watch
// mode reads trash retention and logging through a shared Holder, so a
// SIGHUP reload updates config in exactly one place.
type Holder struct {
	mu  sync.RWMutex
	cfg *Resolved
}

// NewHolder creates a Holder with the initial config.
func NewHolder(cfg *Resolved) *Holder {
	return &Holder{cfg: cfg}
}

// Config returns the current config snapshot. Thread-safe (read lock).
func (h *Holder) Config() *Resolved {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Path returns the config file path of the current snapshot.
func (h *Holder) Path() string {
	return h.Config().Path
}

// Update replaces the config. Thread-safe (write lock).
func (h *Holder) Update(cfg *Resolved) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg = cfg
}

// Reload re-resolves configuration with the same overrides and swaps it
// in. On error the previous config stays in place.
func (h *Holder) Reload(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cli.ConfigPath = h.Path()

	cfg, err := Resolve(env, cli)
	if err != nil {
		return nil, err
	}

	h.Update(cfg)

	return cfg, nil
}

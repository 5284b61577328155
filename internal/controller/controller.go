// Package controller owns the tunnel lifecycle: it drives relay-client
// processes through the supervisor, derives the externally visible runtime
// state, and protects against crash loops. Runtime state is never
// persisted; it is recomputed from the supervisor's live view on boot.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hle-world/hle-addon/internal/domain"
	"github.com/hle-world/hle-addon/internal/netutil"
	"github.com/hle-world/hle-addon/internal/store/sqlite"
	"github.com/hle-world/hle-addon/internal/supervisor"
)

// SettingRelayAPIKey is the settings key holding the global relay API key.
const SettingRelayAPIKey = "relay_api_key"

// CrashLoopReason is the distinguished FAILED reason reported while
// automatic restarts are suspended.
const CrashLoopReason = "crash loop detected: automatic restarts suspended until manual start"

const failureLogLines = 20

// Config tunes the controller's polling and retry policy.
type Config struct {
	RelayHost          string
	DefaultAPIKey      string
	PollInterval       time.Duration
	ConfirmWindow      time.Duration
	SpawnTimeout       time.Duration
	TerminateTimeout   time.Duration
	CrashLoopThreshold int
	CrashLoopWindow    time.Duration
}

// tracked is the controller-private runtime record of one tunnel.
type tracked struct {
	state     domain.TunnelState
	handle    supervisor.Handle
	hasHandle bool
	reason    string
	desired   bool // operator wants the process running
	suspended bool // crash-loop protection tripped
	startedAt time.Time
	spawns    []time.Time // rolling spawn attempts
}

// Controller serializes all operations per tunnel with a keyed mutex map;
// operations on different tunnels proceed independently.
type Controller struct {
	store *sqlite.Store
	sup   supervisor.Supervisor
	cfg   Config
	log   *slog.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	tracked map[string]*tracked
}

// New creates a controller. Call [Controller.Reconcile] before [Controller.Run].
func New(store *sqlite.Store, sup supervisor.Supervisor, cfg Config, logger *slog.Logger) *Controller {
	return &Controller{
		store:   store,
		sup:     sup,
		cfg:     cfg,
		log:     logger,
		locks:   make(map[string]*sync.Mutex),
		tracked: make(map[string]*tracked),
	}
}

// lockFor returns the per-tunnel mutex, creating it on first use.
func (c *Controller) lockFor(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}

// entry returns the tracked record for id, creating a stopped one if absent.
// Caller must hold the tunnel's keyed lock.
func (c *Controller) entry(id string) *tracked {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tracked[id]
	if !ok {
		t = &tracked{state: domain.StateStopped}
		c.tracked[id] = t
	}
	return t
}

func (c *Controller) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tracked, id)
	delete(c.locks, id)
}

func (c *Controller) trackedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.tracked))
	for id := range c.tracked {
		ids = append(ids, id)
	}
	return ids
}

// CreateRequest carries the operator input for a new tunnel.
type CreateRequest struct {
	ServiceURL    string
	Label         string
	Name          string
	AuthMode      string
	SkipTLSVerify bool
	Websockets    bool
	APIKey        string
	UpstreamUser  string
	UpstreamPass  string
}

// Create validates the request and persists a new tunnel in the stopped
// state.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (domain.TunnelConfig, error) {
	cfg := domain.TunnelConfig{
		ServiceURL:    strings.TrimSpace(req.ServiceURL),
		Label:         netutil.NormalizeLabel(req.Label),
		Name:          strings.TrimSpace(req.Name),
		AuthMode:      req.AuthMode,
		SkipTLSVerify: req.SkipTLSVerify,
		Websockets:    req.Websockets,
		APIKey:        req.APIKey,
		UpstreamUser:  req.UpstreamUser,
		UpstreamPass:  req.UpstreamPass,
		RelayHost:     c.cfg.RelayHost,
	}
	if cfg.AuthMode == "" {
		cfg.AuthMode = domain.AuthModeSSO
	}
	if err := validateConfig(cfg); err != nil {
		return domain.TunnelConfig{}, err
	}

	created, err := c.store.CreateTunnel(ctx, cfg)
	if err != nil {
		return domain.TunnelConfig{}, err
	}

	lock := c.lockFor(created.ID)
	lock.Lock()
	c.entry(created.ID)
	lock.Unlock()

	c.log.Info("tunnel created", "tunnel", created.ID, "label", created.Label)
	return created, nil
}

// Start spawns the tunnel's relay process. Allowed from stopped and failed
// (an explicit start clears crash-loop suspension); fails with
// [domain.ErrAlreadyRunning] while connecting or connected. A spawn
// failure is not returned to the caller: the command was accepted, and the
// failure surfaces as the failed state.
func (c *Controller) Start(ctx context.Context, id string) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	// Read under the lock: a concurrent remove that won the lock first
	// must not leave this start spawning for a deleted tunnel.
	cfg, err := c.store.GetTunnel(ctx, id)
	if err != nil {
		return err
	}

	t := c.entry(id)
	if t.state == domain.StateConnecting || t.state == domain.StateConnected {
		return domain.ErrAlreadyRunning
	}

	t.suspended = false
	t.spawns = nil
	t.desired = true
	c.spawnLocked(ctx, cfg, t)
	return nil
}

// Stop terminates the tunnel's process. Always allowed except when already
// stopped. Termination is fire-and-forget; the next poll confirms it
// before the handle is dropped.
func (c *Controller) Stop(ctx context.Context, id string) error {
	if _, err := c.store.GetTunnel(ctx, id); err != nil {
		return err
	}

	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	t := c.entry(id)
	if t.state == domain.StateStopped && !t.hasHandle {
		return domain.ErrNotRunning
	}

	t.desired = false
	t.suspended = false
	t.state = domain.StateStopped
	t.reason = ""
	c.terminateLocked(ctx, t)
	return nil
}

// Update persists a partial edit and, if the process is running, restarts
// it with the new configuration. Edits never take effect on a live,
// unrestarted process.
func (c *Controller) Update(ctx context.Context, id string, upd domain.TunnelUpdate) (domain.TunnelConfig, error) {
	if err := validateUpdate(upd); err != nil {
		return domain.TunnelConfig{}, err
	}

	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	updated, err := c.store.UpdateTunnel(ctx, id, upd)
	if err != nil {
		return domain.TunnelConfig{}, err
	}

	t := c.entry(id)
	if t.state == domain.StateConnecting || t.state == domain.StateConnected {
		c.log.Info("restarting tunnel after edit", "tunnel", id)
		c.terminateLocked(ctx, t)
		c.spawnLocked(ctx, updated, t)
	}
	return updated, nil
}

// Remove stops the tunnel if running, then deletes its record.
func (c *Controller) Remove(ctx context.Context, id string) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	t := c.entry(id)
	if t.hasHandle {
		c.terminateLocked(ctx, t)
	}
	if err := c.store.DeleteTunnel(ctx, id); err != nil {
		return err
	}

	c.forget(id)
	c.log.Info("tunnel removed", "tunnel", id)
	return nil
}

// Status returns the tunnel's configuration and live runtime state.
func (c *Controller) Status(ctx context.Context, id string) (domain.TunnelStatus, error) {
	cfg, err := c.store.GetTunnel(ctx, id)
	if err != nil {
		return domain.TunnelStatus{}, err
	}
	return c.statusOf(cfg), nil
}

// StatusAll returns all tunnels with runtime state, in creation order.
func (c *Controller) StatusAll(ctx context.Context) ([]domain.TunnelStatus, error) {
	configs, err := c.store.ListTunnels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.TunnelStatus, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, c.statusOf(cfg))
	}
	return out, nil
}

func (c *Controller) statusOf(cfg domain.TunnelConfig) domain.TunnelStatus {
	status := domain.TunnelStatus{
		TunnelConfig: cfg,
		State:        domain.StateStopped,
		PublicURL:    PublicURL(cfg),
	}
	lock := c.lockFor(cfg.ID)
	lock.Lock()
	defer lock.Unlock()
	t := c.entry(cfg.ID)
	status.State = t.state
	status.Reason = t.reason
	return status
}

// Logs returns up to n recent log lines for the tunnel's process. A tunnel
// with no process yields no lines.
func (c *Controller) Logs(ctx context.Context, id string, n int) ([]string, error) {
	if _, err := c.store.GetTunnel(ctx, id); err != nil {
		return nil, err
	}
	lock := c.lockFor(id)
	lock.Lock()
	t := c.entry(id)
	handle, ok := t.handle, t.hasHandle
	lock.Unlock()

	if !ok {
		return nil, nil
	}
	lines, err := c.sup.TailLogs(ctx, handle, n)
	if err != nil {
		return nil, &domain.TunnelError{TunnelID: id, Op: "tail logs", Err: err}
	}
	return lines, nil
}

// StreamLogs follows the tunnel's process output into out until ctx ends.
func (c *Controller) StreamLogs(ctx context.Context, id string, out chan<- string) error {
	if _, err := c.store.GetTunnel(ctx, id); err != nil {
		return err
	}
	lock := c.lockFor(id)
	lock.Lock()
	t := c.entry(id)
	handle, ok := t.handle, t.hasHandle
	lock.Unlock()

	if !ok {
		return nil
	}
	if err := c.sup.StreamLogs(ctx, handle, out); err != nil {
		return &domain.TunnelError{TunnelID: id, Op: "stream logs", Err: err}
	}
	return nil
}

// PublicURL computes the tunnel's public address at the relay edge.
func PublicURL(cfg domain.TunnelConfig) string {
	return "https://" + cfg.Label + "." + cfg.RelayHost
}

// spawnLocked launches the relay process and moves the tunnel to
// connecting. On spawn failure the tunnel degrades to failed with the
// error as reason. Caller must hold the tunnel's keyed lock.
func (c *Controller) spawnLocked(ctx context.Context, cfg domain.TunnelConfig, t *tracked) {
	t.spawns = append(pruneSpawns(t.spawns, time.Now(), c.cfg.CrashLoopWindow), time.Now())

	spawnCtx, cancel := context.WithTimeout(ctx, c.cfg.SpawnTimeout)
	defer cancel()

	handle, err := c.sup.Spawn(spawnCtx, cfg, c.resolveAPIKey(ctx, cfg))
	if err != nil {
		c.log.Error("spawn failed", "tunnel", cfg.ID, "error", err)
		t.state = domain.StateFailed
		t.reason = fmt.Sprintf("spawn failed: %v", err)
		t.hasHandle = false
		return
	}
	t.handle = handle
	t.hasHandle = true
	t.state = domain.StateConnecting
	t.reason = ""
	t.startedAt = time.Now()
	c.log.Info("tunnel process spawned", "tunnel", cfg.ID, "process", handle.ProcessID)
}

// terminateLocked issues a bounded terminate. Errors are logged, not
// returned: the poller keeps confirming until the process is gone.
func (c *Controller) terminateLocked(ctx context.Context, t *tracked) {
	if !t.hasHandle {
		return
	}
	termCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.TerminateTimeout)
	defer cancel()
	if err := c.sup.Terminate(termCtx, t.handle); err != nil {
		c.log.Warn("terminate failed, poller will retry", "tunnel", t.handle.TunnelID, "error", err)
	}
}

func (c *Controller) resolveAPIKey(ctx context.Context, cfg domain.TunnelConfig) string {
	if cfg.APIKey != "" {
		return cfg.APIKey
	}
	if value, ok, err := c.store.GetSetting(ctx, SettingRelayAPIKey); err == nil && ok && value != "" {
		return value
	}
	return c.cfg.DefaultAPIKey
}

func validateConfig(cfg domain.TunnelConfig) error {
	if !netutil.IsValidLabel(cfg.Label) {
		return domain.Validationf("label", "%q is not a valid DNS label", cfg.Label)
	}
	if _, err := netutil.ValidateServiceURL(cfg.ServiceURL); err != nil {
		return domain.Validationf("service_url", "%v", err)
	}
	if cfg.AuthMode != domain.AuthModeSSO && cfg.AuthMode != domain.AuthModeNone {
		return domain.Validationf("auth_mode", "must be %q or %q", domain.AuthModeSSO, domain.AuthModeNone)
	}
	return nil
}

func validateUpdate(upd domain.TunnelUpdate) error {
	if upd.Label != nil && !netutil.IsValidLabel(netutil.NormalizeLabel(*upd.Label)) {
		return domain.Validationf("label", "%q is not a valid DNS label", *upd.Label)
	}
	if upd.ServiceURL != nil {
		if _, err := netutil.ValidateServiceURL(*upd.ServiceURL); err != nil {
			return domain.Validationf("service_url", "%v", err)
		}
	}
	if upd.AuthMode != nil && *upd.AuthMode != domain.AuthModeSSO && *upd.AuthMode != domain.AuthModeNone {
		return domain.Validationf("auth_mode", "must be %q or %q", domain.AuthModeSSO, domain.AuthModeNone)
	}
	return nil
}

func pruneSpawns(spawns []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := spawns[:0]
	for _, ts := range spawns {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

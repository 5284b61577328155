package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hle-world/hle-addon/internal/domain"
	"github.com/hle-world/hle-addon/internal/supervisor"
)

// Reconcile matches persisted tunnel records against the processes the
// supervisor already knows about. Supervised children may have outlived a
// daemon restart: a config with a live process is adopted into connecting
// (the poller promotes it) without re-spawning; a config with no process
// starts stopped. Orphan processes with no config are terminated. Safe to
// call repeatedly; never double-spawns.
func (c *Controller) Reconcile(ctx context.Context) error {
	configs, err := c.store.ListTunnels(ctx)
	if err != nil {
		return fmt.Errorf("list tunnels: %w", err)
	}
	handles, err := c.sup.List(ctx)
	if err != nil {
		return fmt.Errorf("list supervised processes: %w", err)
	}

	known := make(map[string]struct{}, len(configs))
	for _, cfg := range configs {
		known[cfg.ID] = struct{}{}
	}

	byTunnel := make(map[string]supervisor.Handle, len(handles))
	for _, h := range handles {
		if _, ok := known[h.TunnelID]; !ok {
			c.log.Warn("terminating orphan process", "tunnel", h.TunnelID, "process", h.ProcessID)
			if err := c.sup.Terminate(ctx, h); err != nil {
				c.log.Warn("orphan terminate failed", "process", h.ProcessID, "error", err)
			}
			continue
		}
		if prev, dup := byTunnel[h.TunnelID]; dup {
			// Two processes for one tunnel id; keep the first, kill the rest.
			c.log.Warn("terminating duplicate process", "tunnel", h.TunnelID, "keep", prev.ProcessID, "kill", h.ProcessID)
			if err := c.sup.Terminate(ctx, h); err != nil {
				c.log.Warn("duplicate terminate failed", "process", h.ProcessID, "error", err)
			}
			continue
		}
		byTunnel[h.TunnelID] = h
	}

	for _, cfg := range configs {
		lock := c.lockFor(cfg.ID)
		lock.Lock()
		t := c.entry(cfg.ID)

		handle, live := byTunnel[cfg.ID]
		if !live {
			if !t.hasHandle {
				t.state = domain.StateStopped
			}
			lock.Unlock()
			continue
		}
		if t.hasHandle {
			// Already tracking this tunnel (repeat reconcile); leave it be.
			lock.Unlock()
			continue
		}

		state, err := c.sup.Observe(ctx, handle)
		if err != nil {
			c.log.Warn("observe during reconcile failed", "tunnel", cfg.ID, "error", err)
			lock.Unlock()
			continue
		}
		switch state.State {
		case supervisor.RawRunning:
			t.handle = handle
			t.hasHandle = true
			t.desired = true
			t.state = domain.StateConnecting
			t.startedAt = time.Now()
			c.log.Info("adopted live tunnel process", "tunnel", cfg.ID, "process", handle.ProcessID)
		default:
			// Dead leftover; clean it up and stay stopped.
			if err := c.sup.Terminate(ctx, handle); err != nil {
				c.log.Warn("leftover terminate failed", "tunnel", cfg.ID, "error", err)
			}
			t.state = domain.StateStopped
		}
		lock.Unlock()
	}
	return nil
}

// Run drives the liveness poller and consumes the store's change feed
// until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.store.Changes():
			c.handleChange(ev)
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

// handleChange keeps the tracked set aligned with store mutations. The
// controller performs its own process work synchronously inside each
// operation, so the feed only maintains bookkeeping for records touched
// outside it.
func (c *Controller) handleChange(ev domain.TunnelChange) {
	switch ev.Kind {
	case domain.ChangeCreated:
		lock := c.lockFor(ev.TunnelID)
		lock.Lock()
		c.entry(ev.TunnelID)
		lock.Unlock()
	case domain.ChangeDeleted:
		c.mu.Lock()
		t, ok := c.tracked[ev.TunnelID]
		c.mu.Unlock()
		if ok && !t.hasHandle {
			c.forget(ev.TunnelID)
		}
	}
}

// pollOnce observes every tracked process and applies state transitions.
// Exposed to tests; Run calls it on the poll interval.
func (c *Controller) pollOnce(ctx context.Context) {
	for _, id := range c.trackedIDs() {
		c.pollTunnel(ctx, id)
	}
}

func (c *Controller) pollTunnel(ctx context.Context, id string) {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	t := c.entry(id)

	if !t.hasHandle {
		c.maybeRetryLocked(ctx, id, t)
		return
	}

	state, err := c.sup.Observe(ctx, t.handle)
	if err != nil {
		c.log.Warn("observe failed", "tunnel", id, "error", err)
		return
	}

	switch t.state {
	case domain.StateConnecting, domain.StateConnected:
		switch state.State {
		case supervisor.RawRunning:
			if t.state == domain.StateConnecting && time.Since(t.startedAt) >= c.cfg.ConfirmWindow {
				t.state = domain.StateConnected
				c.log.Info("tunnel connected", "tunnel", id)
			}
		case supervisor.RawExited:
			if state.ExitCode == 0 {
				c.log.Info("tunnel process exited cleanly", "tunnel", id)
				t.state = domain.StateStopped
				t.desired = false
				c.dropHandleLocked(ctx, t)
			} else {
				c.failLocked(ctx, id, t, state.ExitCode)
				c.maybeRetryLocked(ctx, id, t)
			}
		case supervisor.RawAbsent:
			t.reason = "process disappeared"
			t.state = domain.StateFailed
			t.hasHandle = false
			c.maybeRetryLocked(ctx, id, t)
		}
	case domain.StateStopped:
		// Stop was issued; trust it only once the process is confirmed gone.
		switch state.State {
		case supervisor.RawRunning:
			c.terminateLocked(ctx, t)
		default:
			c.dropHandleLocked(ctx, t)
		}
	case domain.StateFailed:
		if state.State == supervisor.RawExited || state.State == supervisor.RawAbsent {
			c.dropHandleLocked(ctx, t)
		}
		c.maybeRetryLocked(ctx, id, t)
	}
}

// failLocked records the failure with the process's last log lines as the
// reason and releases the dead process.
func (c *Controller) failLocked(ctx context.Context, id string, t *tracked, exitCode int) {
	reason := fmt.Sprintf("process exited with code %d", exitCode)
	if lines, err := c.sup.TailLogs(ctx, t.handle, failureLogLines); err == nil && len(lines) > 0 {
		reason += "\n" + strings.Join(lines, "\n")
	}
	t.reason = reason
	t.state = domain.StateFailed
	c.dropHandleLocked(ctx, t)
	c.log.Warn("tunnel failed", "tunnel", id, "exit_code", exitCode)
}

// maybeRetryLocked respawns a failed tunnel that the operator wants
// running, unless crash-loop protection has tripped. Exceeding the spawn
// threshold within the trailing window suspends automatic retries until an
// explicit start.
func (c *Controller) maybeRetryLocked(ctx context.Context, id string, t *tracked) {
	if t.state != domain.StateFailed || !t.desired || t.suspended || t.hasHandle {
		return
	}
	t.spawns = pruneSpawns(t.spawns, time.Now(), c.cfg.CrashLoopWindow)
	if len(t.spawns) >= c.cfg.CrashLoopThreshold {
		t.suspended = true
		t.reason = CrashLoopReason
		c.log.Warn("crash loop detected, suspending retries", "tunnel", id)
		return
	}

	cfg, err := c.store.GetTunnel(ctx, id)
	if err != nil {
		c.log.Warn("retry skipped, config unavailable", "tunnel", id, "error", err)
		return
	}
	c.log.Info("retrying failed tunnel", "tunnel", id, "attempt", len(t.spawns)+1)
	c.spawnLocked(ctx, cfg, t)
}

// dropHandleLocked removes the dead process from the supervisor and
// forgets the handle.
func (c *Controller) dropHandleLocked(ctx context.Context, t *tracked) {
	if !t.hasHandle {
		return
	}
	c.terminateLocked(ctx, t)
	t.hasHandle = false
}

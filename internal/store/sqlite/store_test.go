package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hle-world/hle-addon/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testTunnel(label string) domain.TunnelConfig {
	return domain.TunnelConfig{
		ServiceURL: "http://10.0.0.5:9000",
		Label:      label,
		AuthMode:   domain.AuthModeSSO,
		RelayHost:  "hle.world",
	}
}

func TestCreateAndListTunnelsInOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	labels := []string{"cam", "grafana", "octoprint"}
	for _, label := range labels {
		if _, err := store.CreateTunnel(ctx, testTunnel(label)); err != nil {
			t.Fatal(err)
		}
	}

	list, err := store.ListTunnels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != len(labels) {
		t.Fatalf("expected %d tunnels, got %d", len(labels), len(list))
	}
	for i, label := range labels {
		if list[i].Label != label {
			t.Fatalf("expected %q at position %d, got %q", label, i, list[i].Label)
		}
	}
}

func TestCreateDuplicateLabelFails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateTunnel(ctx, testTunnel("cam")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateTunnel(ctx, testTunnel("cam")); !errors.Is(err, domain.ErrLabelInUse) {
		t.Fatalf("expected ErrLabelInUse, got %v", err)
	}
	// Uniqueness is case-insensitive: labels normalize to lower case.
	if _, err := store.CreateTunnel(ctx, testTunnel("CAM")); !errors.Is(err, domain.ErrLabelInUse) {
		t.Fatalf("expected ErrLabelInUse for case variant, got %v", err)
	}
}

func TestUpdateTunnelPartial(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateTunnel(ctx, testTunnel("cam"))
	if err != nil {
		t.Fatal(err)
	}

	newURL := "http://10.0.0.6:8080"
	ws := true
	updated, err := store.UpdateTunnel(ctx, created.ID, domain.TunnelUpdate{
		ServiceURL: &newURL,
		Websockets: &ws,
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.ServiceURL != newURL || !updated.Websockets {
		t.Fatalf("update not applied: %+v", updated)
	}
	if updated.Label != "cam" {
		t.Fatalf("untouched field changed: %q", updated.Label)
	}

	if _, err := store.UpdateTunnel(ctx, "t_missing", domain.TunnelUpdate{}); !errors.Is(err, domain.ErrTunnelNotFound) {
		t.Fatalf("expected ErrTunnelNotFound, got %v", err)
	}
}

func TestDeleteTunnelCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateTunnel(ctx, testTunnel("cam"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateAccessRule(ctx, created.ID, "ops@example.com", domain.ProviderAny); err != nil {
		t.Fatal(err)
	}
	if err := store.SetPin(ctx, created.ID, "hash"); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteTunnel(ctx, created.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteTunnel(ctx, created.ID); !errors.Is(err, domain.ErrTunnelNotFound) {
		t.Fatalf("expected ErrTunnelNotFound, got %v", err)
	}

	rules, err := store.ListAccessRules(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 0 {
		t.Fatalf("expected cascade delete of access rules, got %d", len(rules))
	}
	if _, err := store.GetPin(ctx, created.ID); !errors.Is(err, domain.ErrPinNotSet) {
		t.Fatalf("expected cascade delete of pin, got %v", err)
	}
}

func TestTunnelSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	created, err := store.CreateTunnel(ctx, testTunnel("cam"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = reopened.Close() }()

	got, err := reopened.GetTunnel(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Label != "cam" || got.ServiceURL != created.ServiceURL {
		t.Fatalf("record changed across reopen: %+v", got)
	}
}

func TestChangeFeed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateTunnel(ctx, testTunnel("cam"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteTunnel(ctx, created.ID); err != nil {
		t.Fatal(err)
	}

	want := []string{domain.ChangeCreated, domain.ChangeDeleted}
	for _, kind := range want {
		select {
		case ev := <-store.Changes():
			if ev.Kind != kind || ev.TunnelID != created.ID {
				t.Fatalf("unexpected event %+v, want kind %q", ev, kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("no %q event on feed", kind)
		}
	}
}

func TestRedeemShareLink(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	created, err := store.CreateTunnel(ctx, testTunnel("cam"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.CreateShareLink(ctx, domain.ShareLink{
		TunnelID:    created.ID,
		TokenHash:   "hash-1",
		TokenPrefix: "prefix-1",
		ExpiresAt:   now.Add(time.Hour),
		MaxUses:     2,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := store.RedeemShareLink(ctx, "hash-1", "t_other", now); !errors.Is(err, domain.ErrShareLinkUnknown) {
		t.Fatalf("expected ErrShareLinkUnknown for wrong tunnel scope, got %v", err)
	}
	if _, err := store.RedeemShareLink(ctx, "hash-1", created.ID, now); err != nil {
		t.Fatal(err)
	}
	link, err := store.RedeemShareLink(ctx, "hash-1", created.ID, now)
	if err != nil {
		t.Fatal(err)
	}
	if link.UseCount != 2 {
		t.Fatalf("expected use count 2, got %d", link.UseCount)
	}
	if _, err := store.RedeemShareLink(ctx, "hash-1", created.ID, now); !errors.Is(err, domain.ErrShareLinkExpired) {
		t.Fatalf("expected ErrShareLinkExpired, got %v", err)
	}
	if _, err := store.RedeemShareLink(ctx, "no-such-hash", created.ID, now); !errors.Is(err, domain.ErrShareLinkUnknown) {
		t.Fatalf("expected ErrShareLinkUnknown, got %v", err)
	}
}

func TestRedeemShareLinkPastExpiry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	created, err := store.CreateTunnel(ctx, testTunnel("cam"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.CreateShareLink(ctx, domain.ShareLink{
		TunnelID:    created.ID,
		TokenHash:   "hash-1h",
		TokenPrefix: "prefix",
		ExpiresAt:   now.Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Redeemed at now+61m, one minute past a 1h expiry.
	if _, err := store.RedeemShareLink(ctx, "hash-1h", created.ID, now.Add(61*time.Minute)); !errors.Is(err, domain.ErrShareLinkExpired) {
		t.Fatalf("expected ErrShareLinkExpired, got %v", err)
	}
	// Deactivation is permanent even if asked again at an earlier time.
	if _, err := store.RedeemShareLink(ctx, "hash-1h", created.ID, now); !errors.Is(err, domain.ErrShareLinkExpired) {
		t.Fatalf("expected deactivated link to stay expired, got %v", err)
	}
}

func TestRedeemShareLinkConcurrentSingleUse(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	created, err := store.CreateTunnel(ctx, testTunnel("cam"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.CreateShareLink(ctx, domain.ShareLink{
		TunnelID:    created.ID,
		TokenHash:   "hash-single",
		TokenPrefix: "prefix",
		ExpiresAt:   now.Add(time.Hour),
		MaxUses:     1,
	})
	if err != nil {
		t.Fatal(err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.RedeemShareLink(ctx, "hash-single", "", now)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, expired int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrShareLinkExpired):
			expired++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one successful redemption, got %d", succeeded)
	}
	if expired != attempts-1 {
		t.Fatalf("expected %d expired redemptions, got %d", attempts-1, expired)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, exists, err := store.GetSetting(ctx, "relay_api_key")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("expected no setting initially")
	}

	if err := store.SetSetting(ctx, "relay_api_key", "key-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetSetting(ctx, "relay_api_key", "key-2"); err != nil {
		t.Fatal(err)
	}
	value, exists, err := store.GetSetting(ctx, "relay_api_key")
	if err != nil {
		t.Fatal(err)
	}
	if !exists || value != "key-2" {
		t.Fatalf("expected key-2, got %q (exists=%v)", value, exists)
	}
}

func TestListTunnelsStableOrderOnEqualTimestamps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	labels := []string{"cam", "grafana", "octoprint"}
	for _, label := range labels {
		if _, err := store.CreateTunnel(ctx, testTunnel(label)); err != nil {
			t.Fatal(err)
		}
	}

	// Collapse every created_at to the same instant: insertion order must
	// still decide the listing.
	if _, err := store.db.ExecContext(ctx, `UPDATE tunnels SET created_at = ?`, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	list, err := store.ListTunnels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != len(labels) {
		t.Fatalf("expected %d tunnels, got %d", len(labels), len(list))
	}
	for i, label := range labels {
		if list[i].Label != label {
			t.Fatalf("expected %q at position %d, got %q", label, i, list[i].Label)
		}
	}
}

package policy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/hle-world/hle-addon/internal/domain"
	"github.com/hle-world/hle-addon/internal/store/sqlite"
)

func newTestEngine(t *testing.T) (*Engine, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, "test-pepper", slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func seedTunnel(t *testing.T, store *sqlite.Store, authMode string) domain.TunnelConfig {
	t.Helper()
	cfg, err := store.CreateTunnel(context.Background(), domain.TunnelConfig{
		ServiceURL: "http://10.0.0.5:9000",
		Label:      "cam",
		AuthMode:   authMode,
		RelayHost:  "hle.world",
	})
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestPinValidation(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	cfg := seedTunnel(t, store, domain.AuthModeSSO)

	for _, pin := range []string{"123", "123456789", "12a4", "12 4", ""} {
		if err := engine.SetPin(ctx, cfg.ID, pin); !domain.IsValidation(err) {
			t.Fatalf("pin %q: expected validation error, got %v", pin, err)
		}
	}
	for _, pin := range []string{"1234", "00000000"} {
		if err := engine.SetPin(ctx, cfg.ID, pin); err != nil {
			t.Fatalf("pin %q: %v", pin, err)
		}
		ok, err := engine.VerifyPin(ctx, cfg.ID, pin)
		if err != nil || !ok {
			t.Fatalf("pin %q did not verify: ok=%v err=%v", pin, ok, err)
		}
		if ok, _ := engine.VerifyPin(ctx, cfg.ID, "9999"); ok {
			t.Fatal("wrong pin verified")
		}
	}

	if err := engine.RemovePin(ctx, cfg.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.VerifyPin(ctx, cfg.ID, "1234"); !errors.Is(err, domain.ErrPinNotSet) {
		t.Fatalf("expected ErrPinNotSet, got %v", err)
	}
	if err := engine.RemovePin(ctx, cfg.ID); !errors.Is(err, domain.ErrPinNotSet) {
		t.Fatalf("expected ErrPinNotSet on double remove, got %v", err)
	}
}

func TestBasicAuthValidation(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	cfg := seedTunnel(t, store, domain.AuthModeSSO)

	cases := []struct{ user, pass string }{
		{"", "longenough"},
		{"user:name", "longenough"},
		{"user", "short"},
	}
	for _, c := range cases {
		if _, err := engine.SetBasicAuth(ctx, cfg.ID, c.user, c.pass); !domain.IsValidation(err) {
			t.Fatalf("%q/%q: expected validation error, got %v", c.user, c.pass, err)
		}
	}

	if _, err := engine.SetBasicAuth(ctx, cfg.ID, "operator", "hunter2hunter2"); err != nil {
		t.Fatal(err)
	}
	ok, err := engine.VerifyBasicAuth(ctx, cfg.ID, "operator", "hunter2hunter2")
	if err != nil || !ok {
		t.Fatalf("credential did not verify: ok=%v err=%v", ok, err)
	}
	if ok, _ := engine.VerifyBasicAuth(ctx, cfg.ID, "operator", "wrongwrong"); ok {
		t.Fatal("wrong password verified")
	}
	if ok, _ := engine.VerifyBasicAuth(ctx, cfg.ID, "other", "hunter2hunter2"); ok {
		t.Fatal("wrong username verified")
	}
}

func TestBasicAuthShadowsExistingLayers(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	cfg := seedTunnel(t, store, domain.AuthModeSSO)

	if err := engine.SetPin(ctx, cfg.ID, "1234"); err != nil {
		t.Fatal(err)
	}
	for _, email := range []string{"alice@example.com", "bob@example.com"} {
		if _, err := engine.AddAccessRule(ctx, cfg.ID, email, domain.ProviderAny); err != nil {
			t.Fatal(err)
		}
	}

	conflicts, err := engine.SetBasicAuth(ctx, cfg.ID, "operator", "hunter2hunter2")
	if err != nil {
		t.Fatalf("shadowing mutation must still succeed: %v", err)
	}
	if !conflicts.ShadowedPin || !conflicts.ShadowedAllowList {
		t.Fatalf("expected both layers shadowed, got %+v", conflicts)
	}

	view, err := engine.Conflicts(ctx, cfg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !view.Any() || !view.BasicAuthSet {
		t.Fatalf("expected conflict view to persist, got %+v", view)
	}

	if err := engine.RemoveBasicAuth(ctx, cfg.ID); err != nil {
		t.Fatal(err)
	}
	view, err = engine.Conflicts(ctx, cfg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Any() {
		t.Fatalf("expected no conflicts after removal, got %+v", view)
	}
}

func TestAccessRuleValidation(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	cfg := seedTunnel(t, store, domain.AuthModeSSO)

	for _, email := range []string{"nodomain", "@example.com", "user@", "*@", "*@a@b", "us*er@example.com"} {
		if _, err := engine.AddAccessRule(ctx, cfg.ID, email, domain.ProviderAny); !domain.IsValidation(err) {
			t.Fatalf("email %q: expected validation error, got %v", email, err)
		}
	}
	if _, err := engine.AddAccessRule(ctx, cfg.ID, "alice@example.com", "okta"); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for unknown provider, got %v", err)
	}

	rule, err := engine.AddAccessRule(ctx, cfg.ID, "Alice@Example.COM", "")
	if err != nil {
		t.Fatal(err)
	}
	if rule.Email != "alice@example.com" || rule.Provider != domain.ProviderAny {
		t.Fatalf("expected lowercased email and default provider, got %+v", rule)
	}
	if _, err := engine.AddAccessRule(ctx, cfg.ID, "*@example.com", domain.ProviderGoogle); err != nil {
		t.Fatal(err)
	}

	rules, err := engine.ListAccessRules(ctx, cfg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}

	if err := engine.RemoveAccessRule(ctx, cfg.ID, rule.ID); err != nil {
		t.Fatal(err)
	}
	if err := engine.RemoveAccessRule(ctx, cfg.ID, rule.ID); !errors.Is(err, domain.ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestIdentityAllowed(t *testing.T) {
	rules := []domain.AccessRule{
		{Email: "alice@example.com", Provider: domain.ProviderAny},
		{Email: "*@corp.io", Provider: domain.ProviderGoogle},
	}
	cases := []struct {
		id   Identity
		want bool
	}{
		{Identity{"alice@example.com", domain.ProviderGitHub}, true},
		{Identity{"Alice@Example.com", domain.ProviderGitHub}, true},
		{Identity{"bob@corp.io", domain.ProviderGoogle}, true},
		{Identity{"bob@corp.io", domain.ProviderGitHub}, false},
		{Identity{"mallory@evil.com", domain.ProviderGoogle}, false},
	}
	for _, c := range cases {
		if got := identityAllowed(rules, c.id); got != c.want {
			t.Fatalf("identityAllowed(%+v) = %v, want %v", c.id, got, c.want)
		}
	}
	if !identityAllowed(nil, Identity{"anyone@anywhere.net", domain.ProviderHLE}) {
		t.Fatal("empty allow-list must accept any authenticated identity")
	}
}

func TestShareLinkLifecycle(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	cfg := seedTunnel(t, store, domain.AuthModeSSO)

	if _, err := engine.CreateShareLink(ctx, cfg.ID, "2h", "", 0); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for bad duration, got %v", err)
	}
	if _, err := engine.CreateShareLink(ctx, cfg.ID, domain.ShareDuration1h, "", -1); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for negative max uses, got %v", err)
	}

	created, err := engine.CreateShareLink(ctx, cfg.ID, domain.ShareDuration1h, "guest", 1)
	if err != nil {
		t.Fatal(err)
	}
	if created.Token == "" {
		t.Fatal("expected the full token at creation")
	}
	if created.TokenPrefix == "" || len(created.TokenPrefix) >= len(created.Token) {
		t.Fatalf("bad display prefix %q", created.TokenPrefix)
	}

	links, err := engine.ListShareLinks(ctx, cfg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 || links[0].TokenHash == created.Token {
		t.Fatalf("expected one link storing only a hash, got %+v", links)
	}

	link, err := engine.Redeem(ctx, cfg.ID, created.Token)
	if err != nil {
		t.Fatal(err)
	}
	if link.UseCount != 1 {
		t.Fatalf("expected use count 1, got %d", link.UseCount)
	}
	if _, err := engine.Redeem(ctx, cfg.ID, created.Token); !errors.Is(err, domain.ErrShareLinkExpired) {
		t.Fatalf("expected ErrShareLinkExpired on exhausted link, got %v", err)
	}
	if _, err := engine.Redeem(ctx, cfg.ID, "no-such-token"); !errors.Is(err, domain.ErrShareLinkUnknown) {
		t.Fatalf("expected ErrShareLinkUnknown, got %v", err)
	}
}

func TestShareLinkExpiry(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	cfg := seedTunnel(t, store, domain.AuthModeSSO)

	created, err := engine.CreateShareLink(ctx, cfg.ID, domain.ShareDuration1h, "", 0)
	if err != nil {
		t.Fatal(err)
	}

	engine.now = func() time.Time { return time.Now().Add(61 * time.Minute) }
	if _, err := engine.Redeem(ctx, cfg.ID, created.Token); !errors.Is(err, domain.ErrShareLinkExpired) {
		t.Fatalf("expected ErrShareLinkExpired at +61min, got %v", err)
	}

	// Once deactivated, the link is never resurrected.
	engine.now = time.Now
	if _, err := engine.Redeem(ctx, cfg.ID, created.Token); !errors.Is(err, domain.ErrShareLinkExpired) {
		t.Fatalf("expected deactivated link to stay expired, got %v", err)
	}
}

func TestEvaluatePrecedence(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	cfg := seedTunnel(t, store, domain.AuthModeSSO)

	alice := &Identity{Email: "alice@example.com", Provider: domain.ProviderGoogle}

	// SSO mode, empty allow-list: any authenticated identity passes.
	d, err := engine.Evaluate(ctx, cfg.ID, Credentials{Identity: alice})
	if err != nil || !d.Allow || d.Gate != GateSSO {
		t.Fatalf("expected sso allow, got %+v err=%v", d, err)
	}
	d, _ = engine.Evaluate(ctx, cfg.ID, Credentials{})
	if d.Allow || d.Gate != GateSSO {
		t.Fatalf("expected login required, got %+v", d)
	}

	// Allow-list narrows it.
	if _, err := engine.AddAccessRule(ctx, cfg.ID, "alice@example.com", domain.ProviderAny); err != nil {
		t.Fatal(err)
	}
	d, _ = engine.Evaluate(ctx, cfg.ID, Credentials{Identity: &Identity{Email: "bob@example.com"}})
	if d.Allow {
		t.Fatalf("expected identity rejected, got %+v", d)
	}

	// PIN stacks on top of the allow-list.
	if err := engine.SetPin(ctx, cfg.ID, "1234"); err != nil {
		t.Fatal(err)
	}
	d, _ = engine.Evaluate(ctx, cfg.ID, Credentials{Identity: alice})
	if d.Allow || d.Gate != GatePin {
		t.Fatalf("expected pin required, got %+v", d)
	}
	d, _ = engine.Evaluate(ctx, cfg.ID, Credentials{Identity: alice, Pin: "1234"})
	if !d.Allow || d.Gate != GatePin {
		t.Fatalf("expected pin allow, got %+v", d)
	}

	// Basic-auth becomes the sole gate; identity and PIN stop mattering.
	if _, err := engine.SetBasicAuth(ctx, cfg.ID, "operator", "hunter2hunter2"); err != nil {
		t.Fatal(err)
	}
	d, _ = engine.Evaluate(ctx, cfg.ID, Credentials{Identity: alice, Pin: "1234"})
	if d.Allow || d.Gate != GateBasicAuth {
		t.Fatalf("expected basic-auth denial, got %+v", d)
	}
	d, _ = engine.Evaluate(ctx, cfg.ID, Credentials{BasicUsername: "operator", BasicPassword: "hunter2hunter2"})
	if !d.Allow || d.Gate != GateBasicAuth {
		t.Fatalf("expected basic-auth allow, got %+v", d)
	}

	// A valid share token short-circuits even the basic-auth gate.
	created, err := engine.CreateShareLink(ctx, cfg.ID, domain.ShareDuration24h, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	d, _ = engine.Evaluate(ctx, cfg.ID, Credentials{ShareToken: created.Token})
	if !d.Allow || d.Gate != GateShareLink {
		t.Fatalf("expected share-link allow, got %+v", d)
	}
	// An unknown token falls through to the configured layers.
	d, _ = engine.Evaluate(ctx, cfg.ID, Credentials{ShareToken: "bogus", BasicUsername: "operator", BasicPassword: "hunter2hunter2"})
	if !d.Allow || d.Gate != GateBasicAuth {
		t.Fatalf("expected fall-through to basic auth, got %+v", d)
	}
}

func TestEvaluateOpenTunnel(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	cfg := seedTunnel(t, store, domain.AuthModeNone)

	d, err := engine.Evaluate(ctx, cfg.ID, Credentials{})
	if err != nil || !d.Allow || d.Gate != GateOpen {
		t.Fatalf("expected open tunnel, got %+v err=%v", d, err)
	}

	// A PIN alone still gates a mode-none tunnel.
	if err := engine.SetPin(ctx, cfg.ID, "4321"); err != nil {
		t.Fatal(err)
	}
	d, _ = engine.Evaluate(ctx, cfg.ID, Credentials{})
	if d.Allow {
		t.Fatalf("expected pin gate, got %+v", d)
	}
	d, _ = engine.Evaluate(ctx, cfg.ID, Credentials{Pin: "4321"})
	if !d.Allow || d.Gate != GatePin {
		t.Fatalf("expected pin allow, got %+v", d)
	}
}

func TestShareLinkScopedToTunnel(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	a := seedTunnel(t, store, domain.AuthModeSSO)
	b, err := store.CreateTunnel(ctx, domain.TunnelConfig{
		ServiceURL: "http://10.0.0.6:9000",
		Label:      "grafana",
		AuthMode:   domain.AuthModeSSO,
		RelayHost:  "hle.world",
	})
	if err != nil {
		t.Fatal(err)
	}

	created, err := engine.CreateShareLink(ctx, a.ID, domain.ShareDuration1h, "", 1)
	if err != nil {
		t.Fatal(err)
	}

	// A token minted for one tunnel reads as unknown at another and falls
	// through to that tunnel's configured layers.
	d, err := engine.Evaluate(ctx, b.ID, Credentials{ShareToken: created.Token})
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow || d.Gate != GateSSO {
		t.Fatalf("expected sso denial on the other tunnel, got %+v", d)
	}
	if _, err := engine.Redeem(ctx, b.ID, created.Token); !errors.Is(err, domain.ErrShareLinkUnknown) {
		t.Fatalf("expected ErrShareLinkUnknown for cross-tunnel redeem, got %v", err)
	}

	// Neither attempt consumed the single use on the owning tunnel.
	d, err = engine.Evaluate(ctx, a.ID, Credentials{ShareToken: created.Token})
	if err != nil || !d.Allow || d.Gate != GateShareLink {
		t.Fatalf("expected share-link allow on owning tunnel, got %+v err=%v", d, err)
	}
}

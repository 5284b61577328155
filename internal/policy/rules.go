package policy

import (
	"context"
	"strings"

	"github.com/hle-world/hle-addon/internal/domain"
)

// AddAccessRule validates and appends an SSO allow-list entry. The email
// is either an exact address or a *@domain wildcard; both are stored
// lowercased.
func (e *Engine) AddAccessRule(ctx context.Context, tunnelID, email, provider string) (domain.AccessRule, error) {
	if _, err := e.store.GetTunnel(ctx, tunnelID); err != nil {
		return domain.AccessRule{}, err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if err := validateRuleEmail(email); err != nil {
		return domain.AccessRule{}, err
	}
	if provider == "" {
		provider = domain.ProviderAny
	}
	if !validProvider(provider) {
		return domain.AccessRule{}, domain.Validationf("provider", "unknown identity provider %q", provider)
	}

	rule, err := e.store.CreateAccessRule(ctx, tunnelID, email, provider)
	if err != nil {
		return domain.AccessRule{}, err
	}
	e.log.Info("access rule added", "tunnel", tunnelID, "email", email, "provider", provider)
	return rule, nil
}

// ListAccessRules returns the tunnel's allow-list in creation order.
func (e *Engine) ListAccessRules(ctx context.Context, tunnelID string) ([]domain.AccessRule, error) {
	if _, err := e.store.GetTunnel(ctx, tunnelID); err != nil {
		return nil, err
	}
	return e.store.ListAccessRules(ctx, tunnelID)
}

// RemoveAccessRule deletes one allow-list entry.
func (e *Engine) RemoveAccessRule(ctx context.Context, tunnelID, ruleID string) error {
	if err := e.store.DeleteAccessRule(ctx, tunnelID, ruleID); err != nil {
		return err
	}
	e.log.Info("access rule removed", "tunnel", tunnelID, "rule", ruleID)
	return nil
}

// Identity is an authenticated SSO principal presented at the edge.
type Identity struct {
	Email    string
	Provider string
}

// identityAllowed reports whether the identity passes the allow-list. An
// empty list accepts any authenticated identity.
func identityAllowed(rules []domain.AccessRule, id Identity) bool {
	if len(rules) == 0 {
		return true
	}
	email := strings.ToLower(id.Email)
	for _, r := range rules {
		if r.Provider != domain.ProviderAny && r.Provider != id.Provider {
			continue
		}
		if ruleMatchesEmail(r.Email, email) {
			return true
		}
	}
	return false
}

func ruleMatchesEmail(rule, email string) bool {
	if domainPart, ok := strings.CutPrefix(rule, "*@"); ok {
		return strings.HasSuffix(email, "@"+domainPart)
	}
	return rule == email
}

func validateRuleEmail(email string) error {
	if domainPart, ok := strings.CutPrefix(email, "*@"); ok {
		if domainPart == "" || strings.ContainsAny(domainPart, "@*") {
			return domain.Validationf("email", "invalid wildcard %q", email)
		}
		return nil
	}
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 || strings.Contains(email, "*") {
		return domain.Validationf("email", "%q is neither an address nor a *@domain wildcard", email)
	}
	return nil
}

func validProvider(provider string) bool {
	switch provider {
	case domain.ProviderAny, domain.ProviderGoogle, domain.ProviderGitHub, domain.ProviderHLE:
		return true
	}
	return false
}

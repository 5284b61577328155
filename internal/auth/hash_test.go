package auth

import "testing"

func TestHashTokenDeterministic(t *testing.T) {
	a := HashToken("abc", "pepper")
	b := HashToken("abc", "pepper")
	if a != b {
		t.Fatalf("expected deterministic hash")
	}
	if HashToken("abc", "other") == a {
		t.Fatalf("expected pepper to change the hash")
	}
}

func TestTokenPrefix(t *testing.T) {
	token, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	prefix := TokenPrefix(token)
	if len(prefix) != TokenPrefixLen {
		t.Fatalf("expected %d-char prefix, got %q", TokenPrefixLen, prefix)
	}
	if TokenPrefix("short") != "short" {
		t.Fatalf("short tokens should be returned as-is")
	}
}

func TestHashPasswordSalted(t *testing.T) {
	h1, err := HashPassword("secret-pass")
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashPassword("secret-pass")
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatal("expected distinct bcrypt hashes for same password")
	}
	if !VerifyPassword(h1, "secret-pass") {
		t.Fatal("expected hash to verify")
	}
	if VerifyPassword(h1, "wrong-pass") {
		t.Fatal("expected wrong password to fail")
	}
}

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/hybridcore/dispatchd/config"
	"github.com/hybridcore/dispatchd/internal/model"
)

func testManager() *Manager {
	return NewManager(config.AuthConfig{
		Secret:          "test-secret",
		Issuer:          "hybrid-core",
		AccessTokenExp:  time.Hour,
		RefreshTokenExp: 24 * time.Hour,
	})
}

func TestIssueAndVerify_RoundTrip(t *testing.T) {
	m := testManager()

	pair, err := m.IssuePair("user-1", model.RoleUser)
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("IssuePair returned empty tokens")
	}
	if pair.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", pair.TokenType)
	}

	p, err := m.Verify(pair.AccessToken, TypeAccess)
	if err != nil {
		t.Fatalf("Verify(access): %v", err)
	}
	if p.ID != "user-1" {
		t.Errorf("principal ID = %q, want user-1", p.ID)
	}
	if p.Role != model.RoleUser {
		t.Errorf("principal Role = %q, want USER", p.Role)
	}
}

func TestVerify_RejectsWrongType(t *testing.T) {
	m := testManager()
	pair, err := m.IssuePair("cap-1", model.RoleCaptain)
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}

	if _, err := m.Verify(pair.RefreshToken, TypeAccess); !errors.Is(err, ErrWrongTokenType) {
		t.Errorf("Verify(refresh as access) err = %v, want ErrWrongTokenType", err)
	}
	if _, err := m.Verify(pair.AccessToken, TypeRefresh); !errors.Is(err, ErrWrongTokenType) {
		t.Errorf("Verify(access as refresh) err = %v, want ErrWrongTokenType", err)
	}
}

func TestVerify_RejectsExpired(t *testing.T) {
	m := testManager()
	pair, err := m.IssuePair("user-2", model.RoleUser)
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}

	// Move the verifier clock past the access expiry.
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if _, err := m.Verify(pair.AccessToken, TypeAccess); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(expired) err = %v, want ErrInvalidToken", err)
	}
}

func TestVerify_RejectsForeignSecret(t *testing.T) {
	m := testManager()
	other := NewManager(config.AuthConfig{
		Secret:          "other-secret",
		Issuer:          "hybrid-core",
		AccessTokenExp:  time.Hour,
		RefreshTokenExp: 24 * time.Hour,
	})

	pair, err := other.IssuePair("user-3", model.RoleUser)
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	if _, err := m.Verify(pair.AccessToken, TypeAccess); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(foreign secret) err = %v, want ErrInvalidToken", err)
	}
}

func TestVerify_RejectsForeignIssuer(t *testing.T) {
	m := testManager()
	other := NewManager(config.AuthConfig{
		Secret:          "test-secret",
		Issuer:          "someone-else",
		AccessTokenExp:  time.Hour,
		RefreshTokenExp: 24 * time.Hour,
	})

	pair, err := other.IssuePair("user-4", model.RoleUser)
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	if _, err := m.Verify(pair.AccessToken, TypeAccess); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(foreign issuer) err = %v, want ErrInvalidToken", err)
	}
}

func TestIssuePair_RejectsUnknownRole(t *testing.T) {
	m := testManager()
	if _, err := m.IssuePair("x", model.Role("SUPERUSER")); err == nil {
		t.Errorf("IssuePair(unknown role) succeeded, want error")
	}
}

func TestRefresh_MintsNewPair(t *testing.T) {
	m := testManager()
	pair, err := m.IssuePair("user-5", model.RoleUser)
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}

	fresh, err := m.Refresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	p, err := m.Verify(fresh.AccessToken, TypeAccess)
	if err != nil {
		t.Fatalf("Verify(refreshed access): %v", err)
	}
	if p.ID != "user-5" || p.Role != model.RoleUser {
		t.Errorf("refreshed principal = %+v, want user-5/USER", p)
	}

	if _, err := m.Refresh(pair.AccessToken); err == nil {
		t.Errorf("Refresh(access token) succeeded, want error")
	}
}

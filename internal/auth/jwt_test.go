// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/mycelium-backup/internal/config"
)

const testSecret = "this_is_a_very_long_secret_key_for_testing_purposes_12345"

func newTestManager(t *testing.T, ttl time.Duration) *JWTManager {
	t.Helper()
	m, err := NewJWTManager(&config.SecurityConfig{JWTSecret: testSecret, TokenTTL: ttl})
	if err != nil {
		t.Fatalf("NewJWTManager() error = %v", err)
	}
	return m
}

func TestNewJWTManager(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.SecurityConfig
		wantErr bool
	}{
		{name: "valid secret", cfg: &config.SecurityConfig{JWTSecret: testSecret, TokenTTL: time.Hour}},
		{name: "empty secret", cfg: &config.SecurityConfig{TokenTTL: time.Hour}, wantErr: true},
		{name: "zero ttl defaults", cfg: &config.SecurityConfig{JWTSecret: testSecret}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewJWTManager(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error = %v", err)
			}
			if m.timeout <= 0 {
				t.Errorf("expected positive timeout, got %v", m.timeout)
			}
		})
	}
}

func TestGenerateAndValidateToken(t *testing.T) {
	m := newTestManager(t, time.Hour)

	for _, role := range []string{RoleAdmin, RoleViewer} {
		t.Run(role, func(t *testing.T) {
			token, err := m.GenerateToken("grower", role)
			if err != nil {
				t.Fatalf("GenerateToken() error = %v", err)
			}
			claims, err := m.ValidateToken(token)
			if err != nil {
				t.Fatalf("ValidateToken() error = %v", err)
			}
			if claims.Username != "grower" || claims.Role != role {
				t.Errorf("expected grower/%s, got %s/%s", role, claims.Username, claims.Role)
			}
		})
	}
}

func TestGenerateTokenRejectsUnknownRole(t *testing.T) {
	m := newTestManager(t, time.Hour)
	if _, err := m.GenerateToken("grower", "root"); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("expected ErrInvalidRole, got %v", err)
	}
}

func TestValidateTokenFailures(t *testing.T) {
	m := newTestManager(t, time.Hour)
	valid, err := m.GenerateToken("grower", RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}

	expired := newTestManager(t, time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.GenerateToken("grower", RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}

	other, err := NewJWTManager(&config.SecurityConfig{JWTSecret: strings.Repeat("x", 40), TokenTTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	foreign, err := other.GenerateToken("grower", RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{Username: "grower", Role: RoleAdmin})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.token"},
		{"tampered", valid[:len(valid)-2] + "xx"},
		{"expired", old},
		{"wrong secret", foreign},
		{"alg none", unsigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.ValidateToken(tt.token); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestParseAuthMode(t *testing.T) {
	tests := []struct {
		in      string
		want    AuthMode
		wantErr bool
	}{
		{"", AuthModeNone, false},
		{"none", AuthModeNone, false},
		{"jwt", AuthModeJWT, false},
		{"oidc", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAuthMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseAuthMode(%q) = %q, %v; expected %q", tt.in, got, err, tt.want)
		}
	}
}

package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestExtractToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"bearer  abc ", "abc", false},
		{"", "", true},
		{"Basic abc", "", true},
		{"Bearer ", "", true},
	}
	for _, tt := range tests {
		got, err := ExtractToken(tt.header)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ExtractToken(%q) = %q, %v", tt.header, got, err)
		}
	}
}

func TestIssueAndVerify(t *testing.T) {
	a, err := NewOperatorAuth(strings.Repeat("k", 32), time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	token, err := a.IssueToken("op-1", "Sam", RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}
	op, err := a.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if op.ID != "op-1" || op.Role != RoleAdmin || op.Name != "Sam" {
		t.Errorf("unexpected operator: %+v", op)
	}

	other, _ := NewOperatorAuth(strings.Repeat("x", 32), time.Hour)
	if _, err := other.VerifyToken(token); err == nil {
		t.Error("token signed with another key must fail")
	}
	if _, err := a.IssueToken("op-1", "Sam", "superuser"); err == nil {
		t.Error("unknown role should be rejected")
	}
}

func TestExpiredAndForeignTokens(t *testing.T) {
	a, _ := NewOperatorAuth(strings.Repeat("k", 32), time.Hour)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, OperatorClaims{
		OperatorID: "op-1",
		Role:       RoleOperator,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			Issuer:    issuer,
		},
	})
	signed, _ := expired.SignedString(a.SecretKey)
	if _, err := a.VerifyToken(signed); err == nil {
		t.Error("expired token must fail")
	}

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, OperatorClaims{
		OperatorID:       "op-1",
		Role:             RoleOperator,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"},
	})
	signed, _ = foreign.SignedString(a.SecretKey)
	if _, err := a.VerifyToken(signed); err == nil {
		t.Error("token from another issuer must fail")
	}

	if _, err := NewOperatorAuth("", time.Hour); err == nil {
		t.Error("empty secret should be rejected")
	}
}

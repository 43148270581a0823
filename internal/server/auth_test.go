package server

import (
	"context"
	"testing"
	"time"
)

func TestJWTAuthenticatorRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueSessionToken(secret, "alice", time.Hour)
	if err != nil {
		t.Fatalf("IssueSessionToken: %v", err)
	}

	auth := NewJWTAuthenticator(secret)
	subject, err := auth.Authenticate(context.Background(), []byte(token))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if subject != "alice" {
		t.Fatalf("subject = %q", subject)
	}

	// Second call should hit the token cache and still resolve correctly.
	subject, err = auth.Authenticate(context.Background(), []byte(token))
	if err != nil {
		t.Fatalf("Authenticate (cached): %v", err)
	}
	if subject != "alice" {
		t.Fatalf("cached subject = %q", subject)
	}
}

func TestJWTAuthenticatorRejectsExpired(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueSessionToken(secret, "bob", -time.Minute)
	if err != nil {
		t.Fatalf("IssueSessionToken: %v", err)
	}

	auth := NewJWTAuthenticator(secret)
	if _, err := auth.Authenticate(context.Background(), []byte(token)); err == nil {
		t.Fatalf("expected an expired token to be rejected")
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword(hash, "correct horse battery staple") {
		t.Fatalf("expected matching password to verify")
	}
	if CheckPassword(hash, "wrong password") {
		t.Fatalf("expected mismatched password to fail")
	}
}

package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewService("test-secret", 15*time.Minute)

	token, err := svc.Token("alice")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	subject, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject != "alice" {
		t.Fatalf("subject = %s", subject)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewService("secret-a", time.Minute).Token("alice")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if _, err := NewService("secret-b", time.Minute).Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService("test-secret", 15*time.Minute)
	svc.now = func() time.Time { return base }

	token, err := svc.Token("alice")
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	svc.now = func() time.Time { return base.Add(16 * time.Minute) }
	if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	svc := NewService("test-secret", time.Minute)
	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token %q: expected rejection, got %v", token, err)
		}
	}
}

func TestContextPrincipal(t *testing.T) {
	ctx := context.Background()
	if _, ok := UserID(ctx); ok {
		t.Fatal("empty context should carry no principal")
	}
	ctx = WithUser(ctx, "alice")
	id, ok := UserID(ctx)
	if !ok || id != "alice" {
		t.Fatalf("principal = %q, ok = %v", id, ok)
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("flash-sale-pass")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == "flash-sale-pass" {
		t.Fatal("hash must not equal the plaintext")
	}
	if !CheckPassword(hash, "flash-sale-pass") {
		t.Fatal("correct password rejected")
	}
	if CheckPassword(hash, "wrong-pass") {
		t.Fatal("wrong password accepted")
	}
}

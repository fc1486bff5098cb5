package auth

import (
	"context"
	"errors"
	"testing"

	"crimelink/internal/credstore"
)

type brokenStore struct{ err error }

func (b brokenStore) Set(context.Context, string, string) error { return b.err }

func (b brokenStore) Get(context.Context, string) (string, bool, error) { return "", false, b.err }

func (b brokenStore) Delete(context.Context, string) error { return b.err }

func TestSession(t *testing.T) {
	ctx := context.Background()
	s := NewSession(credstore.NewMemory())

	if tok, err := s.AccessToken(ctx); err != nil || tok != "" {
		t.Fatalf("AccessToken before login = %q, %v", tok, err)
	}

	if err := s.SetTokens(ctx, "access-1", "refresh-1"); err != nil {
		t.Fatalf("SetTokens: %v", err)
	}
	if tok, _ := s.AccessToken(ctx); tok != "access-1" {
		t.Errorf("AccessToken = %q", tok)
	}
	if tok, _ := s.RefreshToken(ctx); tok != "refresh-1" {
		t.Errorf("RefreshToken = %q", tok)
	}

	// An empty refresh token keeps the previous one.
	if err := s.SetTokens(ctx, "access-2", ""); err != nil {
		t.Fatal(err)
	}
	if tok, _ := s.RefreshToken(ctx); tok != "refresh-1" {
		t.Errorf("RefreshToken = %q; want refresh-1", tok)
	}

	if err := s.ClearTokens(ctx); err != nil {
		t.Fatalf("ClearTokens: %v", err)
	}
	if tok, _ := s.AccessToken(ctx); tok != "" {
		t.Errorf("AccessToken after logout = %q", tok)
	}
}

func TestSession_Errors(t *testing.T) {
	ctx := context.Background()
	locked := errors.New("keychain locked")
	s := NewSession(brokenStore{err: locked})

	if err := s.SetTokens(ctx, "", "x"); err == nil {
		t.Error("SetTokens accepted an empty access token")
	}
	if err := s.SetTokens(ctx, "a", "b"); !errors.Is(err, locked) {
		t.Errorf("SetTokens error = %v", err)
	}
	if _, err := s.AccessToken(ctx); !errors.Is(err, locked) {
		t.Errorf("AccessToken error = %v", err)
	}
	if err := s.ClearTokens(ctx); !errors.Is(err, locked) {
		t.Errorf("ClearTokens error = %v", err)
	}
}

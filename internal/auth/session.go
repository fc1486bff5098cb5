// Package auth keeps the officer's API tokens in a credential store and hands
// the access token to the uploader.
package auth

import (
	"context"
	"errors"
	"fmt"

	"crimelink/internal/credstore"
)

const (
	accessTokenKey  = "access_token"
	refreshTokenKey = "refresh_token"
)

// Session reads and writes tokens through a credstore.Store.
type Session struct {
	store credstore.Store
}

func NewSession(store credstore.Store) *Session {
	return &Session{store: store}
}

// SetTokens stores the access token and, when non-empty, the refresh token.
func (s *Session) SetTokens(ctx context.Context, access, refresh string) error {
	if access == "" {
		return errors.New("auth: empty access token")
	}
	if err := s.store.Set(ctx, accessTokenKey, access); err != nil {
		return fmt.Errorf("auth: saving access token: %w", err)
	}
	if refresh == "" {
		return nil
	}
	if err := s.store.Set(ctx, refreshTokenKey, refresh); err != nil {
		return fmt.Errorf("auth: saving refresh token: %w", err)
	}
	return nil
}

// AccessToken returns the stored access token, or "" when signed out.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	return s.get(ctx, accessTokenKey)
}

func (s *Session) RefreshToken(ctx context.Context) (string, error) {
	return s.get(ctx, refreshTokenKey)
}

// ClearTokens signs the officer out.
func (s *Session) ClearTokens(ctx context.Context) error {
	return errors.Join(
		s.store.Delete(ctx, accessTokenKey),
		s.store.Delete(ctx, refreshTokenKey),
	)
}

func (s *Session) get(ctx context.Context, key string) (string, error) {
	v, _, err := s.store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("auth: reading %s: %w", key, err)
	}
	return v, nil
}

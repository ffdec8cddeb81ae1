package account

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// OAuthEndpoints carries the upstream's PKCE-capable identity endpoints,
// loaded from config rather than hardcoded (the teacher hardcodes
// Anthropic's claude.ai URLs; the upstream here is a different identity
// provider entirely, so these must be configurable).
type OAuthEndpoints struct {
	AuthorizeURL string
	TokenURL     string
	RedirectURI  string
	ClientID     string
	Scope        string
}

func (ep OAuthEndpoints) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:    ep.ClientID,
		RedirectURL: ep.RedirectURI,
		Scopes:      strings.Fields(ep.Scope),
		Endpoint: oauth2.Endpoint{
			AuthURL:  ep.AuthorizeURL,
			TokenURL: ep.TokenURL,
		},
	}
}

// PKCESession holds PKCE parameters for a pending manual onboarding flow
// (SPEC_FULL §C.3), generalized from the teacher's Anthropic-specific
// account/oauth.go OAuthSession.
type PKCESession struct {
	CodeVerifier string `json:"code_verifier"`
	State        string `json:"state"`
}

// StartAuth builds a PKCE-secured authorization URL for the operator to
// open in a browser. Uses golang.org/x/oauth2's standard AuthCodeURL plus
// its PKCE helpers (oauth2.GenerateVerifier/S256ChallengeOption) rather
// than hand-rolling the challenge derivation, per SPEC_FULL §B's adoption
// of the oauth2 client for this flow.
func StartAuth(ep OAuthEndpoints) (authURL string, session PKCESession, err error) {
	verifier := oauth2.GenerateVerifier()
	state, err := generateState()
	if err != nil {
		return "", PKCESession{}, fmt.Errorf("generate state: %w", err)
	}

	authURL = ep.config().AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	return authURL, PKCESession{CodeVerifier: verifier, State: state}, nil
}

// ExtractCode pulls the authorization code out of a pasted-back callback
// URL, or passes through a raw code string.
func ExtractCode(callbackURL string) string {
	s := strings.TrimSpace(callbackURL)
	if s == "" {
		return ""
	}

	parsed, err := url.Parse(s)
	if err != nil || parsed.Scheme == "" {
		if i := strings.IndexAny(s, "#&?"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimPrefix(s, "code=")
		return strings.TrimSpace(s)
	}
	if code := parsed.Query().Get("code"); code != "" {
		return code
	}
	return strings.TrimSpace(s)
}

// FinishResult holds the tokens returned from a completed onboarding
// exchange: a refresh token suitable for the Refresh Service, plus whatever
// identity token the exchange produced.
type FinishResult struct {
	RefreshToken string
	IDToken      string
	Email        string
	ExpiresIn    int
}

// FinishAuth exchanges an authorization code for tokens via the standard
// oauth2 authorization-code-with-PKCE grant — the upstream's
// authorization-code exchange is a one-time bootstrap, but the pool only
// ever stores and rotates refresh tokens (spec §3/§4.2).
func FinishAuth(ctx context.Context, ep OAuthEndpoints, code, verifier, state string) (*FinishResult, error) {
	_ = state // state is verified by the admin handler against the stashed PKCESession before calling FinishAuth

	tok, err := ep.config().Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("code exchange: %w", err)
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("code exchange returned no refresh_token")
	}

	idToken, _ := tok.Extra("id_token").(string)
	email, _ := tok.Extra("email").(string)
	expiresIn := 0
	if !tok.Expiry.IsZero() {
		if d := time.Until(tok.Expiry); d > 0 {
			expiresIn = int(d.Seconds())
		}
	}

	return &FinishResult{
		RefreshToken: tok.RefreshToken,
		IDToken:      idToken,
		Email:        email,
		ExpiresIn:    expiresIn,
	}, nil
}

// --- helpers ---

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

package connector

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// WithHTTPClient makes golang.org/x/oauth2 token calls use client.
func WithHTTPClient(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}

	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

// Exchange trades an authorization code for a token. Failures are returned
// as *TokenExchangeError.
func Exchange(ctx context.Context, client *http.Client, provider string, cfg OAuthConfig, code, codeVerifier string) (*oauth2.Token, error) {
	var opts []oauth2.AuthCodeOption
	if cfg.RequiresPKCE && codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	tok, err := cfg.OAuth2().Exchange(WithHTTPClient(ctx, client), code, opts...)
	if err != nil {
		exchangeErr := &TokenExchangeError{Provider: provider, Err: err}

		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			exchangeErr.StatusCode = retrieveErr.Response.StatusCode
			exchangeErr.Body = string(retrieveErr.Body)
		}

		return nil, exchangeErr
	}

	return tok, nil
}

// Refresh exchanges a refresh token for a new token. Failures are returned
// as *TokenRefreshError.
func Refresh(ctx context.Context, client *http.Client, provider string, cfg OAuthConfig, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, &TokenRefreshError{Provider: provider, Err: errors.New("no refresh token stored")}
	}

	// an expired token forces the token source to hit the token endpoint
	src := cfg.OAuth2().TokenSource(WithHTTPClient(ctx, client), &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})

	tok, err := src.Token()
	if err != nil {
		refreshErr := &TokenRefreshError{Provider: provider, Err: err}

		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			refreshErr.StatusCode = retrieveErr.Response.StatusCode
			refreshErr.Body = string(retrieveErr.Body)
		}

		return nil, refreshErr
	}

	return tok, nil
}

// TokenExpiry returns the expiry of tok, or nil for tokens that never expire.
func TokenExpiry(tok *oauth2.Token) *time.Time {
	if tok == nil || tok.Expiry.IsZero() {
		return nil
	}

	t := tok.Expiry.UTC()

	return &t
}

// TokenScopes reads the granted scopes from the token response.
func TokenScopes(tok *oauth2.Token, sep string) []string {
	raw, _ := tok.Extra("scope").(string)
	if raw == "" {
		return nil
	}

	var ans []string

	for _, s := range strings.Split(raw, sep) {
		if s = strings.TrimSpace(s); s != "" {
			ans = append(ans, s)
		}
	}

	return ans
}

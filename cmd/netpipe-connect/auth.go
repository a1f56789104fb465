package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"lds.li/oauth2ext/clitoken"
	"lds.li/oauth2ext/provider"
	"lds.li/oauth2ext/tokencache"
)

var errNoIDToken = errors.New("no id_token in token response")

// headerSource supplies the headers sent with each CONNECT request.
type headerSource interface {
	headers(req *http.Request) (http.Header, error)
}

// staticAuth sends a fixed Proxy-Authorization value, or nothing when empty.
type staticAuth string

func (a staticAuth) headers(*http.Request) (http.Header, error) {
	if a == "" {
		return nil, nil
	}
	return http.Header{"Proxy-Authorization": {string(a)}}, nil
}

// idTokenAuth sends the ID token from a token source as a bearer
// credential, refreshing it through the source as needed.
type idTokenAuth struct {
	ts oauth2.TokenSource
}

func (a idTokenAuth) headers(*http.Request) (http.Header, error) {
	token, err := a.ts.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	idToken, ok := token.Extra("id_token").(string)
	if !ok || idToken == "" {
		return nil, errNoIDToken
	}
	return http.Header{"Proxy-Authorization": {"Bearer " + idToken}}, nil
}

func splitScopes(s string) []string {
	var scopes []string
	for _, scope := range strings.Split(s, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}

// oidcTokenSource returns a token source that runs the browser flow when
// needed and caches ID tokens in the best credential store available.
func oidcTokenSource(ctx context.Context, issuer, clientID, clientSecret string, scopes []string) (oauth2.TokenSource, error) {
	p, err := provider.DiscoverOIDCProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	oauth2Config := oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     p.Endpoint(),
		Scopes:       scopes,
	}

	cliConfig := &clitoken.Config{
		OAuth2Config: oauth2Config,
	}
	clitsrc, err := cliConfig.TokenSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create token source: %w", err)
	}

	ccfg := tokencache.Config{
		Issuer: issuer,
		CacheKey: tokencache.IDTokenCacheKey{
			ClientID: clientID,
			Scopes:   scopes,
		}.Key(),
		WrappedSource: clitsrc,
		OAuth2Config:  &oauth2Config,
		Cache:         clitoken.BestCredentialCache(),
	}
	return ccfg.TokenSource(ctx)
}

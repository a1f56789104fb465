package main

import (
	"context"
	"fmt"

	"github.com/tink-crypto/tink-go/v2/jwt"
	"lds.li/oauth2ext/provider"

	"lds.li/netpipe/proxyauth"
)

// oidcVerifier accepts ID tokens issued by issuer for audience. The user is
// the token's email claim, or its subject when there is none.
func oidcVerifier(ctx context.Context, issuer, audience string) (proxyauth.TokenVerifier, error) {
	p, err := provider.DiscoverOIDCProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC provider %s: %w", issuer, err)
	}

	iss := p.Issuer()
	opts := &jwt.ValidatorOpts{ExpectedIssuer: &iss}
	if audience != "" {
		opts.ExpectedAudience = &audience
	} else {
		opts.IgnoreAudiences = true
	}
	validator, err := jwt.NewValidator(opts)
	if err != nil {
		return nil, fmt.Errorf("creating token validator: %w", err)
	}

	return proxyauth.TokenVerifierFunc(func(ctx context.Context, token string) (string, error) {
		verified, err := p.VerifyAndDecodeContext(ctx, token, validator)
		if err != nil {
			return "", err
		}
		if email, err := verified.StringClaim("email"); err == nil && email != "" {
			return email, nil
		}
		return verified.Subject()
	}), nil
}

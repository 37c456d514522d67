package qrcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/campus-transit/internal/cache"
)

// Issuer re-serves the latest token for a route while it is still valid so
// the printed or displayed QR code does not churn on every request.
type Issuer struct {
	signer *Signer
	tokens cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

func NewIssuer(signer *Signer, tokens cache.Cache, ttl time.Duration, logger *slog.Logger) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{signer: signer, tokens: tokens, ttl: ttl, logger: logger}
}

func tokenKey(route string) string { return "qr:route:" + route }

// Current returns a valid token for routeName, issuing a new one when the
// stored token is missing, expired or no longer verifiable.
func (i *Issuer) Current(ctx context.Context, routeName string, now time.Time) (Payload, string, error) {
	if i.tokens != nil {
		b, err := i.tokens.Get(ctx, tokenKey(routeName))
		switch {
		case err == nil:
			if p, verr := i.reuse(ctx, string(b), routeName, now); verr == nil {
				return p, string(b), nil
			}
		case !errors.Is(err, cache.ErrMiss):
			i.logger.Warn("qr token cache read failed", "route", routeName, "error", err)
		}
	}

	if i.signer.registry != nil {
		ok, err := i.signer.registry.RouteExists(ctx, routeName)
		if err != nil {
			return Payload{}, "", fmt.Errorf("route lookup: %w", err)
		}
		if !ok {
			return Payload{}, "", ErrUnknownRoute
		}
	}
	p, token, err := i.signer.Issue(routeName, now, i.ttl)
	if err != nil {
		return Payload{}, "", err
	}
	if i.tokens != nil {
		if err := i.tokens.Set(ctx, tokenKey(routeName), []byte(token), i.ttl); err != nil {
			i.logger.Warn("qr token cache write failed", "route", routeName, "error", err)
		}
	}
	return p, token, nil
}

func (i *Issuer) reuse(ctx context.Context, token, routeName string, now time.Time) (Payload, error) {
	route, err := i.signer.Validate(ctx, token, now)
	if err != nil {
		return Payload{}, err
	}
	if route != routeName {
		return Payload{}, ErrMalformedPayload
	}
	return Decode(token)
}

// Package qrcode issues and validates the signed, expiring route tokens
// encoded in the QR code shown on each bus.
package qrcode

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Version is stamped into every issued payload.
const Version = 1

// DefaultTTL is how long an issued token stays valid.
const DefaultTTL = 24 * time.Hour

var (
	ErrMalformedPayload  = errors.New("malformed QR payload")
	ErrExpired           = errors.New("QR code expired")
	ErrSignatureMismatch = errors.New("QR signature mismatch")
	ErrUnknownRoute      = errors.New("QR route does not exist")
)

// Payload is the JSON body carried inside a token.
type Payload struct {
	RouteName   string `json:"route_name"`
	GeneratedAt int64  `json:"generated_at"`
	ExpiresAt   int64  `json:"expires_at"`
	Version     int    `json:"version"`
	Hash        string `json:"hash"`
}

func (p Payload) IssuedTime() time.Time  { return time.UnixMilli(p.GeneratedAt) }
func (p Payload) ExpiresTime() time.Time { return time.UnixMilli(p.ExpiresAt) }

// RouteRegistry answers whether a route exists.
type RouteRegistry interface {
	RouteExists(ctx context.Context, name string) (bool, error)
}

// Signer signs with the first secret and accepts any configured secret on
// validation, so a secret can be rotated by prepending the new one.
type Signer struct {
	secrets  [][]byte
	registry RouteRegistry
}

func NewSigner(secrets []string, registry RouteRegistry) (*Signer, error) {
	s := &Signer{registry: registry}
	for _, sec := range secrets {
		if sec = strings.TrimSpace(sec); sec != "" {
			s.secrets = append(s.secrets, []byte(sec))
		}
	}
	if len(s.secrets) == 0 {
		return nil, errors.New("qrcode: at least one secret is required")
	}
	return s, nil
}

func sign(secret []byte, route string, generatedAt, expiresAt int64) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(route + "|" + strconv.FormatInt(generatedAt, 10) + "|" + strconv.FormatInt(expiresAt, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue builds and signs a payload valid from now for ttl and returns it
// with its transportable token.
func (s *Signer) Issue(routeName string, now time.Time, ttl time.Duration) (Payload, string, error) {
	if routeName == "" {
		return Payload{}, "", fmt.Errorf("%w: empty route", ErrMalformedPayload)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	p := Payload{
		RouteName:   routeName,
		GeneratedAt: now.UnixMilli(),
		ExpiresAt:   now.Add(ttl).UnixMilli(),
		Version:     Version,
	}
	p.Hash = sign(s.secrets[0], p.RouteName, p.GeneratedAt, p.ExpiresAt)
	b, err := json.Marshal(p)
	if err != nil {
		return Payload{}, "", err
	}
	return p, base64.StdEncoding.EncodeToString(b), nil
}

// Decode parses a token without verifying it. Keys are matched exactly;
// encoding/json alone would accept a case-altered key.
func Decode(token string) (Payload, error) {
	token = strings.TrimSpace(token)
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		// some scanner apps hand back the URL-safe alphabet
		if raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "=")); err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var p Payload
	for key, dst := range map[string]any{
		"route_name":   &p.RouteName,
		"generated_at": &p.GeneratedAt,
		"expires_at":   &p.ExpiresAt,
		"version":      &p.Version,
		"hash":         &p.Hash,
	} {
		v, ok := fields[key]
		if !ok {
			return Payload{}, fmt.Errorf("%w: missing %s", ErrMalformedPayload, key)
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return Payload{}, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, key, err)
		}
	}
	if p.RouteName == "" || p.GeneratedAt == 0 || p.ExpiresAt == 0 || p.Hash == "" {
		return Payload{}, fmt.Errorf("%w: empty fields", ErrMalformedPayload)
	}
	if p.Version != Version {
		return Payload{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedPayload, p.Version)
	}
	return p, nil
}

// Validate checks a token and returns the route it names. The signature is
// checked before expiry so a forged token never learns whether its window
// would have been accepted.
func (s *Signer) Validate(ctx context.Context, token string, now time.Time) (string, error) {
	p, err := Decode(token)
	if err != nil {
		return "", err
	}
	if !s.verify(p) {
		return "", ErrSignatureMismatch
	}
	if now.UnixMilli() >= p.ExpiresAt {
		return "", ErrExpired
	}
	if s.registry != nil {
		ok, err := s.registry.RouteExists(ctx, p.RouteName)
		if err != nil {
			return "", fmt.Errorf("route lookup: %w", err)
		}
		if !ok {
			return "", ErrUnknownRoute
		}
	}
	return p.RouteName, nil
}

func (s *Signer) verify(p Payload) bool {
	for _, sec := range s.secrets {
		if hmac.Equal([]byte(p.Hash), []byte(sign(sec, p.RouteName, p.GeneratedAt, p.ExpiresAt))) {
			return true
		}
	}
	return false
}

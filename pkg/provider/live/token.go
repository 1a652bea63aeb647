package live

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Credential authorises one session.
type Credential struct {
	// Value is the API key or token.
	Value string

	// Ephemeral is true for short-lived, single-use tokens. Providers use a
	// different authentication scheme for them.
	Ephemeral bool

	// ExpireTime is when an ephemeral token stops being accepted. Zero if
	// unknown.
	ExpireTime time.Time
}

// TokenSource yields a credential before each connect.
type TokenSource interface {
	Token(ctx context.Context) (Credential, error)
}

// StaticKey is a long-lived API key.
type StaticKey string

// Token implements [TokenSource].
func (k StaticKey) Token(_ context.Context) (Credential, error) {
	if k == "" {
		return Credential{}, fmt.Errorf("live: static key: empty")
	}
	return Credential{Value: string(k)}, nil
}

const maxTokenResponse = 64 << 10

// HTTPTokenSource fetches an ephemeral token from a collaborator endpoint with
// a POST request. The endpoint answers with
//
//	{"token": "...", "expire_time": "2025-01-01T00:00:00Z"}
//
// Token lifetime and single-use semantics are enforced by the issuer.
type HTTPTokenSource struct {
	// URL of the issuing endpoint.
	URL string

	// Header is added to every request, e.g. a session cookie or bearer.
	Header http.Header

	// Client defaults to a client with a 10 s timeout.
	Client *http.Client
}

type tokenResponse struct {
	Token      string `json:"token"`
	ExpireTime string `json:"expire_time"`
}

var defaultTokenClient = &http.Client{Timeout: 10 * time.Second}

// Token implements [TokenSource].
func (s *HTTPTokenSource) Token(ctx context.Context) (Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("live: token: build request: %w", err)
	}
	for k, vs := range s.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	client := s.Client
	if client == nil {
		client = defaultTokenClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("live: token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		return Credential{}, fmt.Errorf("live: token: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Credential{}, fmt.Errorf("live: token: unexpected status %d: %s", resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Credential{}, fmt.Errorf("live: token: decode: %w", err)
	}
	if tr.Token == "" {
		return Credential{}, fmt.Errorf("live: token: response has no token")
	}

	cred := Credential{Value: tr.Token, Ephemeral: true}
	if tr.ExpireTime != "" {
		t, err := time.Parse(time.RFC3339, tr.ExpireTime)
		if err != nil {
			return Credential{}, fmt.Errorf("live: token: parse expire_time: %w", err)
		}
		cred.ExpireTime = t
	}
	return cred, nil
}

// ABOUTME: TokenProvider implementations: static, environment variable, file, and chains
// ABOUTME: Providers are consulted on every connect so a refreshed token is picked up

package auth

import (
	"context"
	"os"
	"strings"
	"sync"
)

// TokenProvider supplies the bearer credential on demand. ok is false when no
// credential is available.
type TokenProvider interface {
	Credential(ctx context.Context) (token string, ok bool)
}

// ProviderFunc adapts a function to TokenProvider.
type ProviderFunc func(ctx context.Context) (string, bool)

// Credential calls f.
func (f ProviderFunc) Credential(ctx context.Context) (string, bool) {
	return f(ctx)
}

// StaticProvider holds a token in memory. The zero value has no credential.
type StaticProvider struct {
	mu    sync.RWMutex
	token string
}

// NewStaticProvider returns a provider that always returns token.
func NewStaticProvider(token string) *StaticProvider {
	return &StaticProvider{token: strings.TrimSpace(token)}
}

// Credential returns the stored token.
func (p *StaticProvider) Credential(context.Context) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token, p.token != ""
}

// Set replaces the stored token; an empty string clears it.
func (p *StaticProvider) Set(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = strings.TrimSpace(token)
}

// EnvProvider reads the token from an environment variable.
func EnvProvider(name string) TokenProvider {
	return ProviderFunc(func(context.Context) (string, bool) {
		token := strings.TrimSpace(os.Getenv(name))
		return token, token != ""
	})
}

// FileProvider reads the token from a file, trimming surrounding whitespace.
// A missing or empty file means no credential.
func FileProvider(path string) TokenProvider {
	return ProviderFunc(func(context.Context) (string, bool) {
		if path == "" {
			return "", false
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", false
		}
		token := strings.TrimSpace(string(data))
		return token, token != ""
	})
}

// Chain returns the first credential any provider yields, in order.
func Chain(providers ...TokenProvider) TokenProvider {
	return ProviderFunc(func(ctx context.Context) (string, bool) {
		for _, p := range providers {
			if p == nil {
				continue
			}
			if token, ok := p.Credential(ctx); ok {
				return token, true
			}
		}
		return "", false
	})
}

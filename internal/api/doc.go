// Package api is the HTTP client for the Stazy chat REST endpoints.
//
// # Endpoints
//
//   - GET /api/chats/threads: peer identities the user has talked to
//   - GET /api/chats/{peer}: conversation history, oldest first
//   - GET /api/users/{email}: display profile for a peer (cosmetic)
//
// Every request carries "Authorization: Bearer <token>" taken from the
// configured auth.TokenProvider at request time.
//
// # Resilience
//
// Requests pass through a token-bucket limiter (golang.org/x/time/rate) so a
// burst of reconnect-triggered history refreshes cannot hammer the backend,
// and through a circuit breaker (github.com/sony/gobreaker) that opens after
// consecutive server or network failures. While open, calls fail fast with
// ErrUnavailable. Client errors (4xx) and caller cancellation do not count as
// failures.
package api

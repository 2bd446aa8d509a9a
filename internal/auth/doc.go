// Package auth supplies credentials to the chat core and identifies the local user.
//
// # Credentials
//
// The transport and the REST client never store tokens. They ask a
// TokenProvider for the current bearer credential whenever they need one:
//
//	provider := auth.Chain(auth.EnvProvider("STAZY_TOKEN"), auth.FileProvider(path))
//	token, ok := provider.Credential(ctx)
//
// A provider that has no credential returns ok=false; the transport treats
// that as an authentication failure and does not dial.
//
// # Identity
//
// The backend issues HS256 JWTs whose "sub" claim is the user's email. The
// client does not hold the signing secret, so IdentityFromToken reads the
// subject without verifying the signature. The identity selects the inbound
// topic (/topic/messages/{identity}) and the sender field of outbound frames.
//
// # Server side
//
// JWTVerifier and HTTPAuthMiddleware are the server half used by the fake
// backend in internal/chattest: they accept the token from the Authorization
// header or, as the Spring handshake interceptor does for SockJS, from the
// "token" query parameter.
package auth

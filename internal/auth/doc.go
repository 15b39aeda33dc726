// Package auth provides authentication for hearth-gateway API endpoints.
//
// # Authentication Methods
//
// The package supports two authentication methods:
//
//   - JWT Tokens: API clients authenticate with bearer JWT tokens signed
//     with HS256 using the configured jwt_secret. The "sub" claim identifies
//     the caller.
//
//   - Static API Keys: Keys from auth.api_keys may be presented either as a
//     bearer token or in the X-API-Key header. Keys are compared in constant
//     time.
//
// When neither a JWT secret nor API keys are configured, the middleware
// passes all requests through unauthenticated. This is intended for local
// development only.
//
// # Identity Propagation
//
// Successful authentication attaches an Identity to the request context:
//
//	id := auth.FromContext(r.Context())
//
// Handlers use the identity subject as the participant ID for messages that
// arrive over the HTTP and WebSocket connectors.
package auth

// Package auth provides authentication for the fold-relay operator API.
//
// # JWT Tokens
//
// Operators authenticate with HS256 JWTs signed with the configured
// api.jwt_secret, which must be at least 32 bytes. The "sub" claim names
// the operator and is recorded against the actions they take, such as
// resolving a delivery failure. Tokens are minted with the CLI:
//
//	fold-relay token --sub alice --ttl 24h
//
// # HTTP Middleware
//
// HTTPAuthMiddleware reads "Authorization: Bearer <token>", verifies it and
// attaches an AuthContext to the request context:
//
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier, logger)(apiHandler))
//
//	func handler(w http.ResponseWriter, r *http.Request) {
//	    operator := auth.OperatorFromContext(r.Context())
//	}
//
// Missing, malformed, expired and badly signed tokens all get a 401 with a
// JSON error body.
package auth

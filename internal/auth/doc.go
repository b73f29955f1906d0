// Package auth authenticates human support agents on the agent console API.
//
// # Tokens
//
// Agents present an HS256 JWT in the Authorization header. The "sub" claim
// is the agent's display name and the optional "shops" claim restricts the
// shops whose conversations the agent may read and answer.
//
//	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
//	token, _ := verifier.Generate("sam", []string{"acme.example"}, 30*24*time.Hour)
//
// # Middleware
//
// HTTPAuthMiddleware verifies the token and stores the Agent in the request
// context; handlers read it back with FromContext.
//
// Widget endpoints are anonymous: visitors are identified only by the
// session and visitor IDs their widget generates.
package auth

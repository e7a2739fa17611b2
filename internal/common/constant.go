// Package common contains shared constants and sentinel errors used across
// the server components.
package common

// AuthorizationHeaderName carries "Bearer <token>" on API requests.
const AuthorizationHeaderName = "Authorization"

// BearerScheme is the authorization scheme accepted by the API.
const BearerScheme = "Bearer"

// DefaultSessionCookieName is used by browser clients when no cookie name is
// configured.
const DefaultSessionCookieName = "session_token"

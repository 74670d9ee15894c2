package auth

import (
	"errors"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrForbidden          = errors.New("insufficient permissions")
)

// Roles understood by the management API.
const (
	RoleAdmin  = "admin"  // every endpoint
	RoleViewer = "viewer" // status only
)

// Config is the [api.auth] section.
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// JWTSecret signs issued tokens. A random secret is generated when empty,
	// which invalidates tokens on every restart.
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Users     []User        `mapstructure:"users"`
}

// User is a statically configured API user. PasswordHash is a bcrypt hash,
// as printed by `pcontrol hashpw`.
type User struct {
	Username     string   `mapstructure:"username"`
	PasswordHash string   `mapstructure:"password_hash"`
	Roles        []string `mapstructure:"roles"`
}

// Token represents a JWT token
type Token struct {
	Type      string    `json:"type"`  // "Bearer"
	Value     string    `json:"value"` // JWT token string
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Identity is the authenticated caller of a request.
type Identity struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

// CanWrite reports whether the identity may change process state.
func (id *Identity) CanWrite() bool {
	for _, r := range id.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}

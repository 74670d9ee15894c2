// Package auth authenticates callers of the management API with bcrypt
// hashed passwords and HS256 bearer tokens.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "pcontrol"

// Service provides authentication functionality
type Service struct {
	users     map[string]User
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// Claims represents JWT claims
type Claims struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// NewService builds the service from cfg. It returns nil when auth is disabled.
func NewService(cfg Config) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	users := make(map[string]User, len(cfg.Users))
	for _, u := range cfg.Users {
		users[u.Username] = u
	}
	return &Service{users: users, jwtSecret: secret, tokenTTL: ttl, now: time.Now}, nil
}

// Validate checks the configured users. Disabled auth is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Users) == 0 {
		return errors.New("auth enabled without users")
	}
	var errs []error
	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		switch {
		case u.Username == "":
			errs = append(errs, fmt.Errorf("auth.users[%d]: username is required", i))
		case seen[u.Username]:
			errs = append(errs, fmt.Errorf("auth user %s: duplicate", u.Username))
		case u.PasswordHash == "":
			errs = append(errs, fmt.Errorf("auth user %s: password_hash is required", u.Username))
		default:
			if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
				errs = append(errs, fmt.Errorf("auth user %s: %w", u.Username, err))
			}
		}
		seen[u.Username] = true
	}
	return errors.Join(errs...)
}

// HashPassword returns the bcrypt hash to put in a user's password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password cannot be empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword authenticates a username/password pair.
func (s *Service) CheckPassword(username, password string) (*Identity, error) {
	u, ok := s.users[username]
	if !ok || password == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &Identity{Username: u.Username, Roles: u.Roles}, nil
}

// Login checks the credentials and issues a bearer token.
func (s *Service) Login(req LoginRequest) (*Token, error) {
	id, err := s.CheckPassword(req.Username, req.Password)
	if err != nil {
		return nil, err
	}
	return s.issue(id)
}

func (s *Service) issue(id *Identity) (*Token, error) {
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	claims := &Claims{
		Username: id.Username,
		Roles:    id.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   id.Username,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: signed, ExpiresAt: expiresAt}, nil
}

// Verify validates a bearer token. Tokens of users removed from the config
// are rejected even before they expire.
func (s *Service) Verify(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrInvalidCredentials
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidCredentials
	}
	u, ok := s.users[claims.Username]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return &Identity{Username: u.Username, Roles: u.Roles}, nil
}

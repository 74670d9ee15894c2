package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// IdentityKey is the gin context key holding the *Identity of a request.
const IdentityKey = "auth_identity"

// GinAuth authenticates every request with a bearer token or basic auth.
// Requests that change process state additionally need the admin role.
// A nil service lets every request through.
func GinAuth(s *Service, write bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s == nil {
			c.Next()
			return
		}
		id, err := s.authenticate(c.Request)
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="pcontrol"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if write && !id.CanWrite() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": ErrForbidden.Error()})
			return
		}
		c.Set(IdentityKey, id)
		c.Next()
	}
}

// authenticate extracts and validates authentication from HTTP request
func (s *Service) authenticate(r *http.Request) (*Identity, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return s.Verify(strings.TrimSpace(value))
		}
	}
	if username, password, ok := r.BasicAuth(); ok {
		return s.CheckPassword(username, password)
	}
	return nil, ErrInvalidCredentials
}

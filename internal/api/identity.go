package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"marketplace-service/internal/apperr"

	"github.com/gin-gonic/gin"
)

// Caller roles
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
	RoleAdmin  = "admin"
)

const identityKey = "identity"

// ErrUnauthenticated is returned when a request carries no usable credential
var ErrUnauthenticated = errors.New("missing or invalid credentials")

// Identity is the resolved caller
type Identity struct {
	ID   string
	Role string
}

// Credential is whatever the request presented
type Credential struct {
	UserID   string
	SellerID string
	AdminID  string
	Token    string
}

// IdentityResolver maps a credential to a caller identity
type IdentityResolver interface {
	Resolve(ctx context.Context, cred Credential) (Identity, error)
}

// HeaderResolver trusts identity headers set by an upstream gateway
type HeaderResolver struct{}

func (HeaderResolver) Resolve(ctx context.Context, cred Credential) (Identity, error) {
	switch {
	case cred.SellerID != "":
		return Identity{ID: cred.SellerID, Role: RoleSeller}, nil
	case cred.UserID != "":
		return Identity{ID: cred.UserID, Role: RoleBuyer}, nil
	case cred.AdminID != "":
		return Identity{ID: cred.AdminID, Role: RoleAdmin}, nil
	}
	return Identity{}, ErrUnauthenticated
}

// SessionStore looks up opaque session tokens
type SessionStore interface {
	ResolveSession(ctx context.Context, token string) (role, id string, err error)
}

// SessionResolver resolves bearer tokens against a session store
type SessionResolver struct {
	sessions SessionStore
}

func NewSessionResolver(sessions SessionStore) *SessionResolver {
	return &SessionResolver{sessions: sessions}
}

func (r *SessionResolver) Resolve(ctx context.Context, cred Credential) (Identity, error) {
	if cred.Token == "" {
		return Identity{}, ErrUnauthenticated
	}

	role, id, err := r.sessions.ResolveSession(ctx, cred.Token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	switch role {
	case RoleBuyer, RoleSeller, RoleAdmin:
		return Identity{ID: id, Role: role}, nil
	}
	return Identity{}, fmt.Errorf("%w: unknown role %q", ErrUnauthenticated, role)
}

func credentialFrom(c *gin.Context) Credential {
	cred := Credential{
		UserID:   c.GetHeader("X-User-ID"),
		SellerID: c.GetHeader("X-Seller-ID"),
		AdminID:  c.GetHeader("X-Admin-ID"),
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		cred.Token = strings.TrimPrefix(auth, "Bearer ")
	}
	return cred
}

// requireRole resolves the caller and rejects anyone without role
func requireRole(resolver IdentityResolver, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := resolver.Resolve(c.Request.Context(), credentialFrom(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHENTICATED",
				"details": err.Error(),
			})
			return
		}
		if id.Role != role {
			respondError(c, apperr.NotAuthorized("this endpoint requires the %s role", role))
			c.Abort()
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func callerID(c *gin.Context) string {
	return c.MustGet(identityKey).(Identity).ID
}

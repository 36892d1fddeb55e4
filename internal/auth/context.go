// ABOUTME: Caller identity carried through request handlers
// ABOUTME: Provides WithCaller/FromContext and tenant resolution for API requests

package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/ayman-m/yaragent/internal/store"
)

// ErrTenantForbidden indicates a caller asked to act for a tenant it is not bound to.
var ErrTenantForbidden = errors.New("tenant not permitted for caller")

// Caller kinds.
const (
	KindService   = "service"
	KindUser      = "user"
	KindAnonymous = "anonymous"
)

// Caller is the authenticated identity of an API request.
type Caller struct {
	Subject string
	Kind    string
	// TenantID is the tenant a user token is bound to; empty for service
	// and anonymous callers.
	TenantID string
}

// IsService reports whether the caller authenticated with the service token.
func (c *Caller) IsService() bool {
	return c.Kind == KindService
}

// ResolveTenant picks the tenant a request acts for, falling back to
// store.DefaultTenant. Service and anonymous callers may name any tenant. A
// user caller acts for its own tenant and is refused when the request names
// a different one.
func (c *Caller) ResolveTenant(requested string) (string, error) {
	requested = strings.TrimSpace(requested)

	if c.Kind != KindUser {
		if requested == "" {
			return store.DefaultTenant, nil
		}
		return requested, nil
	}

	own := c.TenantID
	if own == "" {
		own = store.DefaultTenant
	}
	if requested != "" && requested != own {
		return "", ErrTenantForbidden
	}
	return own, nil
}

// callerKey is the key type for storing Caller in context.Context.
type callerKey struct{}

// WithCaller returns a new context with the Caller attached.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// FromContext retrieves the Caller from the context, returning nil if not present.
func FromContext(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerKey{}).(*Caller)
	return c
}

// ABOUTME: Tests for Caller context propagation and tenant resolution
// ABOUTME: Covers service, user and anonymous callers

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayman-m/yaragent/internal/store"
)

func TestFromContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))

	c := &Caller{Subject: "alice", Kind: KindUser, TenantID: "acme"}
	ctx := WithCaller(context.Background(), c)
	assert.Same(t, c, FromContext(ctx))
}

func TestCaller_ResolveTenant(t *testing.T) {
	tests := []struct {
		name      string
		caller    Caller
		requested string
		want      string
		wantErr   error
	}{
		{"service default", Caller{Kind: KindService}, "", store.DefaultTenant, nil},
		{"service any tenant", Caller{Kind: KindService}, "globex", "globex", nil},
		{"anonymous default", Caller{Kind: KindAnonymous}, "  ", store.DefaultTenant, nil},
		{"anonymous named", Caller{Kind: KindAnonymous}, "acme", "acme", nil},
		{"user own tenant", Caller{Kind: KindUser, TenantID: "acme"}, "", "acme", nil},
		{"user names own tenant", Caller{Kind: KindUser, TenantID: "acme"}, "acme", "acme", nil},
		{"user names other tenant", Caller{Kind: KindUser, TenantID: "acme"}, "globex", "", ErrTenantForbidden},
		{"user without claim", Caller{Kind: KindUser}, "", store.DefaultTenant, nil},
		{"user without claim names other", Caller{Kind: KindUser}, "acme", "", ErrTenantForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.caller.ResolveTenant(tt.requested)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// Package auth authenticates callers of the orchestrator's HTTP API.
//
// # Credentials
//
// Requests carry an Authorization: Bearer header holding one of:
//
//   - The static service token (auth.api_token). The caller is a service
//     and may act for any tenant named in the request.
//
//   - An HS256 access JWT signed with auth.jwt_secret. The token must carry
//     type=access and a sub claim; an optional tenant_id claim binds the
//     caller to one tenant.
//
// With neither configured, authentication is disabled and every request is
// an anonymous caller.
//
// # Tenant Resolution
//
// Handlers resolve the tenant a request acts for with Caller.ResolveTenant:
//
//	caller := auth.FromContext(r.Context())
//	tenant, err := caller.ResolveTenant(req.TenantID)
//
// A user caller naming a tenant other than its own gets ErrTenantForbidden.
// The resolved tenant is then checked against the target agent's tenant.
package auth

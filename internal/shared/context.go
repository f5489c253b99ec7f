package shared

import "context"

// Tenant carries the authenticated society scope supplied by the upstream gateway.
type Tenant struct {
	SocietyID int64
	UserID    int64
	Role      string
}

type tenantContextKey struct{}

// ContextWithTenant stores the tenant in context.
func ContextWithTenant(ctx context.Context, tenant Tenant) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tenant)
}

// TenantFromContext extracts the tenant from context.
func TenantFromContext(ctx context.Context) (Tenant, bool) {
	tenant, ok := ctx.Value(tenantContextKey{}).(Tenant)
	if !ok || tenant.SocietyID <= 0 {
		return Tenant{}, false
	}
	return tenant, true
}

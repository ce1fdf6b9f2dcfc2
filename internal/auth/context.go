package auth

import "context"

type contextKey string

const (
	contextKeyTenant  contextKey = "auth.tenant_id"
	contextKeyRole    contextKey = "auth.role"
	contextKeySubject contextKey = "auth.subject"
)

// WithIdentity stores the authenticated caller on the request context.
// Billing services read the tenant for scoping, the role for privileged
// checks and the subject as the audit actor.
func WithIdentity(ctx context.Context, tenantID string, role Role, subject string) context.Context {
	ctx = context.WithValue(ctx, contextKeyTenant, tenantID)
	ctx = context.WithValue(ctx, contextKeyRole, role)
	ctx = context.WithValue(ctx, contextKeySubject, subject)
	return ctx
}

// TenantIDFromContext returns the caller's tenant, or "" when the
// request is unauthenticated.
func TenantIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value := ctx.Value(contextKeyTenant)
	if tenantID, ok := value.(string); ok {
		return tenantID
	}
	return ""
}

// RoleFromContext returns the caller's role. Raw strings are normalized
// so handlers seeded by tests behave like middleware-authenticated ones.
func RoleFromContext(ctx context.Context) Role {
	if ctx == nil {
		return ""
	}
	value := ctx.Value(contextKeyRole)
	if role, ok := value.(Role); ok {
		return role
	}
	if role, ok := value.(string); ok {
		if normalized, valid := NormalizeRole(role); valid {
			return normalized
		}
	}
	return ""
}

// IsAdmin reports whether the caller holds the admin role. Destructive
// billing operations, such as deleting a partially paid invoice, gate
// on it.
func IsAdmin(ctx context.Context) bool {
	return RoleFromContext(ctx) == RoleAdmin
}

// SubjectFromContext returns the caller's subject for audit trails, or
// "" when unauthenticated.
func SubjectFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value := ctx.Value(contextKeySubject)
	if subject, ok := value.(string); ok {
		return subject
	}
	return ""
}

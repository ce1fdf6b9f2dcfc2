package eventing

import (
	"context"

	"tutorbill/internal/auth"
)

type contextKey string

const (
	contextKeyEnvelope contextKey = "eventing.envelope"
	contextKeyTenant   contextKey = "eventing.tenant_id"
	contextKeyCorr     contextKey = "eventing.correlation_id"
	contextKeyEventID  contextKey = "eventing.event_id"
)

// WithEnvelope attaches the delivered envelope to the handler context so
// subscribers can chain follow-up events to the same correlation.
func WithEnvelope(ctx context.Context, env Envelope) context.Context {
	return context.WithValue(ctx, contextKeyEnvelope, env)
}

// EnvelopeFromContext returns the envelope being handled, if any.
func EnvelopeFromContext(ctx context.Context) (Envelope, bool) {
	value := ctx.Value(contextKeyEnvelope)
	env, ok := value.(Envelope)
	return env, ok
}

// WithTenantID overrides the tenant the next published event is
// attributed to.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, contextKeyTenant, tenantID)
}

// WithCorrelationID pins the correlation id so invoice, payment and
// follow-up events from one request share a trace.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, contextKeyCorr, correlationID)
}

// WithEventID fixes the id of the next published event. Used by callers
// that need idempotent publication.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, contextKeyEventID, eventID)
}

// MetaFromContext assembles envelope metadata from the request context.
// Tenant resolution order: explicit eventing override, then the
// authenticated caller's tenant, then the configured default.
func MetaFromContext(ctx context.Context, defaultTenantID string) Meta {
	meta := Meta{}
	if value := ctx.Value(contextKeyTenant); value != nil {
		if tenantID, ok := value.(string); ok {
			meta.TenantID = tenantID
		}
	}
	if meta.TenantID == "" {
		meta.TenantID = auth.TenantIDFromContext(ctx)
	}
	if meta.TenantID == "" {
		meta.TenantID = defaultTenantID
	}
	if value := ctx.Value(contextKeyCorr); value != nil {
		if corr, ok := value.(string); ok {
			meta.CorrelationID = corr
		}
	}
	if value := ctx.Value(contextKeyEventID); value != nil {
		if id, ok := value.(string); ok {
			meta.EventID = id
		}
	}
	return meta
}

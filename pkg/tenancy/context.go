package tenancy

import "context"

// ctxKey is an unexported type used as the context key for OrgContext.
type ctxKey struct{}

// OrgContext carries the resolved organization and caller through request
// context.
type OrgContext struct {
	Organization string
	User         string
}

// WithOrg returns a new context with the given OrgContext attached.
func WithOrg(ctx context.Context, oc OrgContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, oc)
}

// OrgFromContext retrieves the OrgContext from the context.
// Returns the zero value and false if none is set.
func OrgFromContext(ctx context.Context) (OrgContext, bool) {
	oc, ok := ctx.Value(ctxKey{}).(OrgContext)
	return oc, ok
}

// OrganizationFromContext returns the organization from the context, or ""
// if none is set.
func OrganizationFromContext(ctx context.Context) string {
	oc, ok := OrgFromContext(ctx)
	if !ok {
		return ""
	}
	return oc.Organization
}

// UserFromContext returns the calling user, or "system" if unknown.
func UserFromContext(ctx context.Context) string {
	oc, ok := OrgFromContext(ctx)
	if !ok || oc.User == "" {
		return "system"
	}
	return oc.User
}

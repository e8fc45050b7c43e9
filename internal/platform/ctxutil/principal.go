package ctxutil

import "context"

type principalKey struct{}

// Principal is the authenticated caller of an HTTP request.
type Principal struct {
	Subject string
	Scopes  []string
}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalKey{}).(*Principal); ok {
		return p
	}
	return nil
}

// Subject returns the caller subject or def when the request is anonymous.
func Subject(ctx context.Context, def string) string {
	if p := GetPrincipal(ctx); p != nil && p.Subject != "" {
		return p.Subject
	}
	return def
}

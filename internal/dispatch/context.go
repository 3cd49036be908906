package dispatch

import "context"

type serviceKey struct{}

// WithService records the event service an update arrived on. Dispatch
// copies it onto every listener context of that update.
func WithService(ctx context.Context, service string) context.Context {
	return context.WithValue(ctx, serviceKey{}, service)
}

// Service returns the event service of the update being delivered, or ""
// when the update was dispatched without one.
func Service(ctx context.Context) string {
	s, _ := ctx.Value(serviceKey{}).(string)
	return s
}

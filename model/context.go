package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RequestContext carries identity, tenancy, and tracing information for the
// lifetime of one engine command. It is immutable after construction and safe
// for concurrent reads.
type RequestContext struct {
	SubjectID     string
	TenantID      string
	CorrelationID string
	TraceID       string
}

// Validate checks that all mandatory fields are present. A nil receiver is
// reported as an illegal argument, not dereferenced.
func (rc *RequestContext) Validate() error {
	if rc == nil {
		return NewIllegalArgumentError("request context is required")
	}
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if rc.TenantID == "" {
		errs = append(errs, fmt.Errorf("TenantID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns
// nil if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// Clock supplies the current time. The engine never calls time.Now directly
// so that transition timestamps and journal ordering are deterministic in
// tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by the wall clock, in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock is a Clock that returns a programmable instant. Each call to
// Tick advances it, which keeps journal sequence timestamps distinct.
type FixedClock struct {
	Current time.Time
}

// Now returns the configured instant.
func (c *FixedClock) Now() time.Time { return c.Current }

// Tick advances the clock by d and returns the new instant.
func (c *FixedClock) Tick(d time.Duration) time.Time {
	c.Current = c.Current.Add(d)
	return c.Current
}

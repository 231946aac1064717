// Package tenant carries the (tenant, user) isolation scope through contexts
// and applies it to database sessions before any tenant-owned row is touched.
package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type contextKey struct{}

// ErrNoScope is returned when a tenant scope is required but absent from the
// context.
var ErrNoScope = errors.New("no tenant scope in context")

// Scope is the isolation context captured at enqueue time and propagated
// into every database interaction performed on a job's behalf.
type Scope struct {
	TenantID string
	UserID   string
}

// Valid reports whether the scope carries a tenant.
func (s Scope) Valid() bool {
	return s.TenantID != ""
}

// WithContext returns a context carrying the scope.
func WithContext(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, contextKey{}, scope)
}

// FromContext extracts the scope from the context.
func FromContext(ctx context.Context) (Scope, bool) {
	scope, ok := ctx.Value(contextKey{}).(Scope)
	return scope, ok && scope.Valid()
}

// MustFromContext extracts the scope or returns ErrNoScope. Repositories call
// this before any write so an unscoped call fails instead of touching rows.
func MustFromContext(ctx context.Context) (Scope, error) {
	scope, ok := FromContext(ctx)
	if !ok {
		return Scope{}, ErrNoScope
	}
	return scope, nil
}

// ApplyTx establishes the scope as the active isolation context for the
// transaction. set_config with is_local=true scopes the settings to the
// transaction, so a pooled connection reverts to neutral on commit or
// rollback and never leaks one job's scope into another's session.
func ApplyTx(ctx context.Context, tx pgx.Tx) error {
	scope, err := MustFromContext(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`SELECT set_config('app.tenant_id', $1, true), set_config('app.user_id', $2, true)`,
		scope.TenantID, scope.UserID,
	); err != nil {
		return fmt.Errorf("apply tenant scope: %w", err)
	}
	return nil
}

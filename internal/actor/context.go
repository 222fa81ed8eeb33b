// Package actor carries request-scoped recording state: who is performing
// the mutation, extra metadata, per-request enable toggles and the lazily
// assigned transaction id. State lives on the context, never in process
// globals, so concurrent requests cannot leak identity or toggles into each
// other.
package actor

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type contextKey string

const actorKey contextKey = "chronicleActor"

// txnState is the mutable transaction-id cell shared by every derived
// context within one logical unit of work.
type txnState struct {
	mu sync.Mutex
	id uuid.UUID
}

// Context is the per-request settings snapshot. Derivation helpers copy the
// value fields and share the transaction cell.
type Context struct {
	Whodunnit     string
	Meta          map[string]any
	disabled      bool
	disabledTypes map[string]struct{}
	txn           *txnState
}

func newContext() *Context {
	return &Context{txn: &txnState{}}
}

func (c *Context) clone() *Context {
	out := &Context{
		Whodunnit: c.Whodunnit,
		disabled:  c.disabled,
		txn:       c.txn,
	}
	if c.Meta != nil {
		out.Meta = make(map[string]any, len(c.Meta))
		for k, v := range c.Meta {
			out.Meta[k] = v
		}
	}
	if c.disabledTypes != nil {
		out.disabledTypes = make(map[string]struct{}, len(c.disabledTypes))
		for k := range c.disabledTypes {
			out.disabledTypes[k] = struct{}{}
		}
	}
	return out
}

// Begin starts a new logical unit of work with an unassigned transaction id.
// Actor identity, metadata and toggles already derived on the context carry
// over; only the transaction cell is reset.
func Begin(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	next := newContext()
	if base := fromContext(ctx); base != nil {
		next = base.clone()
		next.txn = &txnState{}
	}
	return context.WithValue(ctx, actorKey, next)
}

func fromContext(ctx context.Context) *Context {
	if ctx == nil {
		return nil
	}
	if c, ok := ctx.Value(actorKey).(*Context); ok {
		return c
	}
	return nil
}

func derive(ctx context.Context, mutate func(*Context)) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	base := fromContext(ctx)
	var next *Context
	if base == nil {
		next = newContext()
	} else {
		next = base.clone()
	}
	mutate(next)
	return context.WithValue(ctx, actorKey, next)
}

// WithWhodunnit records the actor identity for subsequent versions.
func WithWhodunnit(ctx context.Context, who string) context.Context {
	return derive(ctx, func(c *Context) { c.Whodunnit = who })
}

// WithMeta merges extra request metadata recorded on every version.
func WithMeta(ctx context.Context, meta map[string]any) context.Context {
	return derive(ctx, func(c *Context) {
		if c.Meta == nil {
			c.Meta = make(map[string]any, len(meta))
		}
		for k, v := range meta {
			c.Meta[k] = v
		}
	})
}

// WithDisabled turns version recording off for this context only.
func WithDisabled(ctx context.Context) context.Context {
	return derive(ctx, func(c *Context) { c.disabled = true })
}

// WithEnabled turns recording back on after WithDisabled.
func WithEnabled(ctx context.Context) context.Context {
	return derive(ctx, func(c *Context) { c.disabled = false })
}

// WithTypeDisabled turns recording off for one record type in this context.
func WithTypeDisabled(ctx context.Context, typeName string) context.Context {
	return derive(ctx, func(c *Context) {
		if c.disabledTypes == nil {
			c.disabledTypes = make(map[string]struct{})
		}
		c.disabledTypes[typeName] = struct{}{}
	})
}

// Enabled reports whether recording is on for the given type. A context with
// no actor state records everything.
func Enabled(ctx context.Context, typeName string) bool {
	c := fromContext(ctx)
	if c == nil {
		return true
	}
	if c.disabled {
		return false
	}
	if c.disabledTypes != nil {
		if _, off := c.disabledTypes[typeName]; off {
			return false
		}
	}
	return true
}

// Whodunnit returns the recorded actor identity, if any.
func Whodunnit(ctx context.Context) string {
	if c := fromContext(ctx); c != nil {
		return c.Whodunnit
	}
	return ""
}

// Meta returns the recorded request metadata, if any.
func Meta(ctx context.Context) map[string]any {
	if c := fromContext(ctx); c != nil {
		return c.Meta
	}
	return nil
}

// ClaimTransactionID assigns the candidate as this unit of work's
// transaction id if none has been assigned yet, and returns the effective
// id. Idempotent under concurrent writers: the first claim wins and later
// versions in the same context reuse it.
func ClaimTransactionID(ctx context.Context, candidate uuid.UUID) uuid.UUID {
	c := fromContext(ctx)
	if c == nil {
		return candidate
	}
	c.txn.mu.Lock()
	defer c.txn.mu.Unlock()
	if c.txn.id == uuid.Nil {
		c.txn.id = candidate
	}
	return c.txn.id
}

// TransactionID returns the unit of work's transaction id, or uuid.Nil when
// none has been claimed.
func TransactionID(ctx context.Context) uuid.UUID {
	c := fromContext(ctx)
	if c == nil {
		return uuid.Nil
	}
	c.txn.mu.Lock()
	defer c.txn.mu.Unlock()
	return c.txn.id
}

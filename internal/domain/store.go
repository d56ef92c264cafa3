package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderStore persists orders and their fills.
type OrderStore interface {
	// Save inserts or replaces the full order row.
	Save(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	ListActive(ctx context.Context, account string) ([]Order, error)
	// ListTerminalBefore returns terminal orders last updated before the cutoff.
	ListTerminalBefore(ctx context.Context, before time.Time) ([]Order, error)
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}

// OpportunityStore persists arbitrage opportunity history.
type OpportunityStore interface {
	Save(ctx context.Context, opp ArbitrageOpportunity) error
	GetByID(ctx context.Context, id string) (ArbitrageOpportunity, error)
	ListRecent(ctx context.Context, limit int) ([]ArbitrageOpportunity, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

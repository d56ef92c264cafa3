package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/sdexbot/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderColumns = `id, kind, account, base_asset, counter_asset, side,
	amount::text, price::text, status, external_id, ledger_id, sequence,
	filled_amount::text, fills, retry_count, failure_reason, opportunity_id,
	created_at, updated_at`

// Save upserts the full order row. Fills are stored as a JSONB array.
func (s *OrderStore) Save(ctx context.Context, o domain.Order) error {
	fills := o.Fills
	if fills == nil {
		fills = []domain.Fill{}
	}
	fillsJSON, err := json.Marshal(fills)
	if err != nil {
		return fmt.Errorf("postgres: marshal fills for order %s: %w", o.ID, err)
	}

	const query = `
		INSERT INTO orders (
			id, kind, account, base_asset, counter_asset, side,
			amount, price, status, external_id, ledger_id, sequence,
			filled_amount, fills, retry_count, failure_reason, opportunity_id,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19
		)
		ON CONFLICT (id) DO UPDATE SET
			status         = EXCLUDED.status,
			external_id    = EXCLUDED.external_id,
			ledger_id      = EXCLUDED.ledger_id,
			sequence       = EXCLUDED.sequence,
			filled_amount  = EXCLUDED.filled_amount,
			fills          = EXCLUDED.fills,
			retry_count    = EXCLUDED.retry_count,
			failure_reason = EXCLUDED.failure_reason,
			updated_at     = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		o.ID, string(o.Kind), o.Account, o.Pair.Base.String(), o.Pair.Counter.String(), string(o.Side),
		o.Amount, o.Price, string(o.Status), o.ExternalID, o.LedgerID, o.Sequence,
		o.FilledAmount, fillsJSON, o.RetryCount, o.FailureReason, o.OpportunityID,
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save order %s: %w", o.ID, err)
	}
	return nil
}

// GetByID retrieves a single order by its primary key.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	o, err := scanOrder(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, domain.ErrNotFound)
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListActive returns non-terminal orders for account, oldest first. An empty
// account lists every account.
func (s *OrderStore) ListActive(ctx context.Context, account string) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE status NOT IN ('filled', 'cancelled', 'failed')
		  AND ($1 = '' OR account = $1)
		ORDER BY created_at ASC`
	return s.query(ctx, "list active orders", query, account)
}

// ListTerminalBefore returns terminal orders last updated before the cutoff.
func (s *OrderStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE status IN ('filled', 'cancelled', 'failed') AND updated_at < $1
		ORDER BY updated_at ASC`
	return s.query(ctx, "list terminal orders", query, before)
}

// DeleteTerminalBefore removes terminal orders last updated before the cutoff.
func (s *OrderStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM orders
		WHERE status IN ('filled', 'cancelled', 'failed') AND updated_at < $1`
	tag, err := s.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete terminal orders: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *OrderStore) query(ctx context.Context, what, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", what, err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: %w", what, err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", what, err)
	}
	return orders, nil
}

// scanOrder reads one row selected with orderColumns. NUMERIC columns are
// selected as text so no precision is lost on the way to decimal.Decimal.
func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o                                 domain.Order
		kind, side, status, base, counter string
		amountStr, priceStr, filledStr    string
		fillsJSON                         []byte
	)
	err := row.Scan(
		&o.ID, &kind, &o.Account, &base, &counter, &side,
		&amountStr, &priceStr, &status, &o.ExternalID, &o.LedgerID, &o.Sequence,
		&filledStr, &fillsJSON, &o.RetryCount, &o.FailureReason, &o.OpportunityID,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Kind = domain.OrderKind(kind)
	o.Side = domain.OrderSide(side)
	o.Status = domain.OrderStatus(status)

	if o.Pair.Base, err = domain.ParseAsset(base); err != nil {
		return domain.Order{}, fmt.Errorf("order %s base asset: %w", o.ID, err)
	}
	if o.Pair.Counter, err = domain.ParseAsset(counter); err != nil {
		return domain.Order{}, fmt.Errorf("order %s counter asset: %w", o.ID, err)
	}
	if o.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return domain.Order{}, fmt.Errorf("order %s amount: %w", o.ID, err)
	}
	if o.Price, err = decimal.NewFromString(priceStr); err != nil {
		return domain.Order{}, fmt.Errorf("order %s price: %w", o.ID, err)
	}
	if o.FilledAmount, err = decimal.NewFromString(filledStr); err != nil {
		return domain.Order{}, fmt.Errorf("order %s filled amount: %w", o.ID, err)
	}
	if len(fillsJSON) > 0 {
		if err := json.Unmarshal(fillsJSON, &o.Fills); err != nil {
			return domain.Order{}, fmt.Errorf("order %s fills: %w", o.ID, err)
		}
	}
	return o, nil
}

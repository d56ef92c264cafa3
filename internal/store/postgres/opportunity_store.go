package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/sdexbot/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore using PostgreSQL.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates a new OpportunityStore.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

const opportunityColumns = `id, cycle, gross_ratio, profit_ratio, risk_score, max_amount,
	status, discard_reason, order_id, discovered_at, updated_at`

// Save upserts an opportunity. Only the mutable lifecycle fields change on
// conflict; the cycle and its ratios are fixed at discovery.
func (s *OpportunityStore) Save(ctx context.Context, opp domain.ArbitrageOpportunity) error {
	cycleJSON, err := json.Marshal(opp.Cycle)
	if err != nil {
		return fmt.Errorf("postgres: marshal cycle for opportunity %s: %w", opp.ID, err)
	}

	const query = `
		INSERT INTO opportunities (
			id, cycle_key, cycle, gross_ratio, profit_ratio, risk_score, max_amount,
			status, discard_reason, order_id, discovered_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status         = EXCLUDED.status,
			discard_reason = EXCLUDED.discard_reason,
			order_id       = EXCLUDED.order_id,
			updated_at     = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		opp.ID, opp.Cycle.Key(), cycleJSON, opp.GrossRatio, opp.ProfitRatio, opp.RiskScore, opp.MaxAmount,
		string(opp.Status), opp.DiscardReason, opp.OrderID, opp.DiscoveredAt, opp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save opportunity %s: %w", opp.ID, err)
	}
	return nil
}

// GetByID retrieves one opportunity.
func (s *OpportunityStore) GetByID(ctx context.Context, id string) (domain.ArbitrageOpportunity, error) {
	query := `SELECT ` + opportunityColumns + ` FROM opportunities WHERE id = $1`
	opp, err := scanOpportunity(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ArbitrageOpportunity{}, fmt.Errorf("postgres: get opportunity %s: %w", id, domain.ErrNotFound)
		}
		return domain.ArbitrageOpportunity{}, fmt.Errorf("postgres: get opportunity %s: %w", id, err)
	}
	return opp, nil
}

// ListRecent returns the most recently discovered opportunities, newest first.
func (s *OpportunityStore) ListRecent(ctx context.Context, limit int) ([]domain.ArbitrageOpportunity, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + opportunityColumns + ` FROM opportunities
		ORDER BY discovered_at DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities: %w", err)
	}
	defer rows.Close()

	var out []domain.ArbitrageOpportunity
	for rows.Next() {
		opp, err := scanOpportunity(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		out = append(out, opp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list opportunities rows: %w", err)
	}
	return out, nil
}

func scanOpportunity(row pgx.Row) (domain.ArbitrageOpportunity, error) {
	var (
		opp       domain.ArbitrageOpportunity
		cycleJSON []byte
		status    string
	)
	err := row.Scan(
		&opp.ID, &cycleJSON, &opp.GrossRatio, &opp.ProfitRatio, &opp.RiskScore, &opp.MaxAmount,
		&status, &opp.DiscardReason, &opp.OrderID, &opp.DiscoveredAt, &opp.UpdatedAt,
	)
	if err != nil {
		return domain.ArbitrageOpportunity{}, err
	}
	opp.Status = domain.OpportunityStatus(status)
	if err := json.Unmarshal(cycleJSON, &opp.Cycle); err != nil {
		return domain.ArbitrageOpportunity{}, fmt.Errorf("opportunity %s cycle: %w", opp.ID, err)
	}
	return opp, nil
}

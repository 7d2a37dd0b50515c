package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vturrojas/quota-ledger/internal/domain"
)

// GetCurrent returns the account_current row, or nil when the account has
// never been projected.
func (s *Store) GetCurrent(ctx context.Context, accountID string) (*domain.AccountSnapshot, error) {
	const query = `SELECT stream_version, status, plan_id, period, used
        FROM account_current WHERE account_id=$1`

	var (
		snapshot domain.AccountSnapshot
		planID   *string
		period   *string
		used     []byte
	)
	row := s.pool.QueryRow(ctx, query, accountID)
	if err := row.Scan(&snapshot.StreamVersion, &snapshot.Status, &planID, &period, &used); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	snapshot.AccountID = accountID
	if planID != nil {
		snapshot.PlanID = *planID
	}
	if period != nil {
		snapshot.Period = *period
	}
	if len(used) > 0 {
		if err := json.Unmarshal(used, &snapshot.Used); err != nil {
			return nil, fmt.Errorf("decode used counters: %w", err)
		}
	}
	if snapshot.Used == nil {
		snapshot.Used = map[domain.Meter]int64{}
	}
	return &snapshot, nil
}

// upsertProjection rewrites the account_current row from a freshly folded
// state. It runs inside the append transaction so readers never observe a
// projection ahead of or behind the committed stream.
func upsertProjection(ctx context.Context, tx pgx.Tx, accountID string, version int64, state domain.AccountState) error {
	const stmt = `INSERT INTO account_current (account_id, stream_version, status, plan_id, period, used)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (account_id) DO UPDATE SET
            stream_version = EXCLUDED.stream_version,
            status = EXCLUDED.status,
            plan_id = EXCLUDED.plan_id,
            period = EXCLUDED.period,
            used = EXCLUDED.used`

	usedMap := state.Used
	if usedMap == nil {
		usedMap = map[domain.Meter]int64{}
	}
	used, err := json.Marshal(usedMap)
	if err != nil {
		return fmt.Errorf("marshal used counters: %w", err)
	}

	_, err = tx.Exec(ctx, stmt,
		accountID,
		version,
		string(state.Status),
		nullIfEmpty(state.PlanID),
		nullIfEmpty(state.Period),
		used,
	)
	return err
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
)

// claimSelectRetries bounds the reselect loop in the claim protocol. A lost
// conditional update means another transaction claimed the candidate item;
// reselection picks the next one.
const claimSelectRetries = 3

// queryExecer is satisfied by both PgxPool and pgx.Tx.
type queryExecer interface {
	execer
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RewardRepo owns reward inventory and the atomic claim protocol.
type RewardRepo struct {
	Pool PgxPool
	// RetryMax/RetryInitial tune the busy-retry budget around the claim
	// transaction. Zero values disable retries.
	RetryMax     int
	RetryInitial time.Duration
}

// NewRewardRepo constructs a RewardRepo with the given pool.
func NewRewardRepo(p PgxPool) *RewardRepo {
	return &RewardRepo{Pool: p, RetryMax: 3, RetryInitial: 50 * time.Millisecond}
}

// SyncItems upserts configured items by item id, preserving claimed_count
// and carrying each item's enabled flag, and disables items absent from the
// new set. Disabled items are never deleted so historical claim snapshots
// stay auditable.
func (r *RewardRepo) SyncItems(ctx domain.Context, items []domain.RewardItem) (domain.SyncStats, error) {
	tracer := otel.Tracer("repo.rewards")
	ctx, span := tracer.Start(ctx, "rewards.SyncItems")
	defer span.End()
	span.SetAttributes(attribute.Int("rewards.item_count", len(items)))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.SyncStats{}, fmt.Errorf("op=rewards.sync_items: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var stats domain.SyncStats
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ItemID)
		q := `INSERT INTO reward_items (item_id, pool_id, kind, code, max_claims, claimed_count, enabled)
		VALUES ($1,$2,$3,$4,$5,0,$6)
		ON CONFLICT (item_id) DO UPDATE SET pool_id=EXCLUDED.pool_id, kind=EXCLUDED.kind, code=EXCLUDED.code,
		max_claims=EXCLUDED.max_claims, enabled=EXCLUDED.enabled
		RETURNING (xmax = 0)`
		row := tx.QueryRow(ctx, q, it.ItemID, it.PoolID, it.Kind, it.Code, it.MaxClaims, it.Enabled)
		var inserted bool
		if err := row.Scan(&inserted); err != nil {
			return domain.SyncStats{}, fmt.Errorf("op=rewards.sync_items: %w", err)
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Updated++
		}
	}

	dis := `UPDATE reward_items SET enabled=FALSE WHERE enabled AND NOT (item_id = ANY($1))`
	tag, err := tx.Exec(ctx, dis, ids)
	if err != nil {
		return domain.SyncStats{}, fmt.Errorf("op=rewards.sync_items: %w", err)
	}
	stats.Disabled = int(tag.RowsAffected())

	if err := tx.Commit(ctx); err != nil {
		return domain.SyncStats{}, fmt.Errorf("op=rewards.sync_items: %w", err)
	}
	return stats, nil
}

// Claim runs the atomic claim protocol in its own transaction. The engine's
// finalize path runs the same protocol via claimRewardTx inside the finalize
// transaction; this standalone entry point serves admin tooling and tests.
func (r *RewardRepo) Claim(ctx domain.Context, req domain.ClaimRequest) (domain.ClaimResult, error) {
	tracer := otel.Tracer("repo.rewards")
	ctx, span := tracer.Start(ctx, "rewards.Claim")
	defer span.End()
	span.SetAttributes(
		attribute.String("rewards.pool_id", req.PoolID),
		attribute.Int("rewards.level_id", req.LevelID),
	)

	var res domain.ClaimResult
	err := withBusyRetry(ctx, r.RetryMax, r.RetryInitial, func() error {
		tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		res, err = claimRewardTx(ctx, tx, req)
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return domain.ClaimResult{}, fmt.Errorf("op=rewards.claim: %w", err)
	}
	return res, nil
}

// claimRewardTx is the claim protocol body, run inside the caller's
// transaction:
//
//  1. an existing claim for (user, level) short-circuits to ALREADY_CLAIMED
//     with the original code;
//  2. candidates are enabled items with claimed_count < max_claims, ordered
//     one-shot JD_ECARD first, then item_id ascending (deterministic);
//  3. the conditional update is the compare-and-set that enforces the
//     no-overclaim invariant regardless of isolation level; a lost race
//     reselects, bounded by claimSelectRetries.
func claimRewardTx(ctx domain.Context, tx queryExecer, req domain.ClaimRequest) (domain.ClaimResult, error) {
	prior := `SELECT item_id, code_snapshot, ri.kind
	FROM reward_claims rc JOIN reward_items ri USING (item_id)
	WHERE rc.user_id=$1 AND rc.level_id=$2`
	var itemID, code string
	var kind domain.RewardKind
	err := tx.QueryRow(ctx, prior, req.UserID, req.LevelID).Scan(&itemID, &code, &kind)
	switch {
	case err == nil:
		return domain.ClaimResult{Outcome: domain.ClaimAlreadyClaimed, ItemID: itemID, Code: code, Kind: kind}, nil
	case err != pgx.ErrNoRows:
		return domain.ClaimResult{}, err
	}

	for i := 0; i < claimSelectRetries; i++ {
		pick := `SELECT item_id, kind, code FROM reward_items
		WHERE pool_id=$1 AND enabled AND claimed_count < max_claims
		ORDER BY (kind=$2) DESC, item_id ASC LIMIT 1`
		err := tx.QueryRow(ctx, pick, req.PoolID, domain.RewardJDECard).Scan(&itemID, &kind, &code)
		if err == pgx.ErrNoRows {
			return domain.ClaimResult{Outcome: domain.ClaimPoolExhausted}, nil
		}
		if err != nil {
			return domain.ClaimResult{}, err
		}

		cas := `UPDATE reward_items SET claimed_count = claimed_count + 1
		WHERE item_id=$1 AND claimed_count < max_claims`
		tag, err := tx.Exec(ctx, cas, itemID)
		if err != nil {
			return domain.ClaimResult{}, err
		}
		if tag.RowsAffected() == 0 {
			continue
		}

		ins := `INSERT INTO reward_claims (id, user_id, level_id, pool_id, item_id, code_snapshot, claimed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
		if _, err := tx.Exec(ctx, ins, uuid.New().String(), req.UserID, req.LevelID, req.PoolID, itemID, code, time.Now().UTC()); err != nil {
			return domain.ClaimResult{}, err
		}
		return domain.ClaimResult{Outcome: domain.ClaimClaimed, ItemID: itemID, Code: code, Kind: kind}, nil
	}
	return domain.ClaimResult{Outcome: domain.ClaimPoolExhausted}, nil
}

// GetClaim loads the claim for (user, level).
func (r *RewardRepo) GetClaim(ctx domain.Context, userID string, levelID int) (domain.RewardClaim, error) {
	tracer := otel.Tracer("repo.rewards")
	ctx, span := tracer.Start(ctx, "rewards.GetClaim")
	defer span.End()
	q := `SELECT id, user_id, level_id, pool_id, item_id, code_snapshot, claimed_at
	FROM reward_claims WHERE user_id=$1 AND level_id=$2`
	row := r.Pool.QueryRow(ctx, q, userID, levelID)
	var c domain.RewardClaim
	if err := row.Scan(&c.ID, &c.UserID, &c.LevelID, &c.PoolID, &c.ItemID, &c.CodeSnapshot, &c.ClaimedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.RewardClaim{}, fmt.Errorf("op=rewards.get_claim: %w", domain.ErrNotFound)
		}
		return domain.RewardClaim{}, fmt.Errorf("op=rewards.get_claim: %w", err)
	}
	return c, nil
}

// ListClaimsRange returns claims in [from, to) ordered by claim time.
func (r *RewardRepo) ListClaimsRange(ctx domain.Context, from, to time.Time) ([]domain.RewardClaim, error) {
	tracer := otel.Tracer("repo.rewards")
	ctx, span := tracer.Start(ctx, "rewards.ListClaimsRange")
	defer span.End()
	q := `SELECT id, user_id, level_id, pool_id, item_id, code_snapshot, claimed_at
	FROM reward_claims WHERE claimed_at >= $1 AND claimed_at < $2 ORDER BY claimed_at, id`
	rows, err := r.Pool.Query(ctx, q, from, to)
	if err != nil {
		return nil, fmt.Errorf("op=rewards.list_claims_range: %w", err)
	}
	defer rows.Close()
	var out []domain.RewardClaim
	for rows.Next() {
		var c domain.RewardClaim
		if err := rows.Scan(&c.ID, &c.UserID, &c.LevelID, &c.PoolID, &c.ItemID, &c.CodeSnapshot, &c.ClaimedAt); err != nil {
			return nil, fmt.Errorf("op=rewards.list_claims_range: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=rewards.list_claims_range: %w", err)
	}
	return out, nil
}

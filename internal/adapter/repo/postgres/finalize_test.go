package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
)

func finalizeParams() domain.FinalizeParams {
	return domain.FinalizeParams{
		Attempt: domain.Attempt{
			TraceID:      "trace-1",
			UserID:       "u1",
			LevelID:      1,
			TurnIndex:    0,
			FinalVerdict: domain.FinalPass,
		},
		Session: domain.Session{
			UserID:  "u1",
			LevelID: 1,
			State:   domain.SessionPassed,
		},
		TaskID:    "task-1",
		TurnsUsed: 1,
		Events: []domain.LogEvent{
			{TraceID: "trace-1", Type: domain.EventSystemOut, UserID: "u1", LevelID: 1, Content: "you pass"},
		},
	}
}

func TestFinalizeGuardMissReturnsConflict(t *testing.T) {
	t.Parallel()
	p := &poolStub{
		execFn: func(sql string, _ []any) (pgconn.CommandTag, error) {
			if strings.Contains(sql, "UPDATE sessions") {
				return pgconn.NewCommandTag("UPDATE 0"), nil
			}
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	s := NewFinalizeStore(p)
	_, err := s.FinalizeAttempt(context.Background(), finalizeParams())
	require.ErrorIs(t, err, domain.ErrConflict)
	// Only the guard ran; the replayed task must leave no trace.
	require.Len(t, p.execs, 1)
	assert.Equal(t, 0, p.commits)
	assert.Equal(t, 1, p.rollbacks)
}

func TestFinalizeCommitsAllWrites(t *testing.T) {
	t.Parallel()
	p := &poolStub{
		execFn: func(sql string, _ []any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	s := NewFinalizeStore(p)
	params := finalizeParams()
	params.MarkPassed = true
	res, err := s.FinalizeAttempt(context.Background(), params)
	require.NoError(t, err)
	assert.Nil(t, res)

	// guard, attempt, progress, task delete, one event
	require.Len(t, p.execs, 5)
	assert.Contains(t, p.execs[0].sql, "UPDATE sessions")
	assert.Contains(t, p.execs[0].sql, "inflight_task_id=$8")
	assert.Contains(t, p.execs[1].sql, "INSERT INTO attempts")
	assert.Contains(t, p.execs[2].sql, "INSERT INTO level_progress")
	assert.Contains(t, p.execs[3].sql, "DELETE FROM pending_tasks")
	assert.Contains(t, p.execs[4].sql, "INSERT INTO log_events")
	assert.Equal(t, 1, p.commits)
}

func TestFinalizeWithClaimReturnsResult(t *testing.T) {
	t.Parallel()
	p := &poolStub{
		rowFn: func(sql string, _ []any) pgx.Row {
			if strings.Contains(sql, "reward_claims rc") {
				return rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}
			}
			return rowStub{scan: func(dest ...any) error {
				*(dest[0].(*string)) = "item-1"
				*(dest[1].(*domain.RewardKind)) = domain.RewardAlipayCode
				*(dest[2].(*string)) = "CODE-1"
				return nil
			}}
		},
		execFn: func(sql string, _ []any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	s := NewFinalizeStore(p)
	params := finalizeParams()
	params.MarkPassed = true
	params.Claim = &domain.ClaimRequest{PoolID: "pool-1", UserID: "u1", LevelID: 1}
	res, err := s.FinalizeAttempt(context.Background(), params)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, domain.ClaimClaimed, res.Outcome)
	assert.Equal(t, "CODE-1", res.Code)
	assert.Equal(t, 1, p.commits)
}

func TestFinalizeAttemptInsertErrorRollsBack(t *testing.T) {
	t.Parallel()
	p := &poolStub{
		execFn: func(sql string, _ []any) (pgconn.CommandTag, error) {
			if strings.Contains(sql, "INSERT INTO attempts") {
				return pgconn.CommandTag{}, assert.AnError
			}
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	s := NewFinalizeStore(p)
	_, err := s.FinalizeAttempt(context.Background(), finalizeParams())
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 0, p.commits)
	assert.Equal(t, 1, p.rollbacks)
}

func TestFinalizeSessionFieldsReachGuard(t *testing.T) {
	t.Parallel()
	p := &poolStub{execFn: func(_ string, _ []any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}}
	s := NewFinalizeStore(p)
	until := time.Now().UTC().Add(time.Minute)
	params := finalizeParams()
	params.Session.State = domain.SessionCooldown
	params.Session.CooldownUntil = until
	_, err := s.FinalizeAttempt(context.Background(), params)
	require.NoError(t, err)
	guard := p.execs[0]
	assert.Equal(t, domain.SessionCooldown, guard.args[2])
	assert.Equal(t, until, guard.args[4])
	assert.Equal(t, "task-1", guard.args[7])
}

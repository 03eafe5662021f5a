package postgres

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentLevelAdvancesPastHighestPass(t *testing.T) {
	t.Parallel()
	p := &poolStub{rowFn: func(_ string, _ []any) pgx.Row {
		return rowStub{scan: func(dest ...any) error {
			*(dest[0].(*int)) = 3
			return nil
		}}
	}}
	r := NewProgressRepo(p)
	next, err := r.CurrentLevel(context.Background(), "u1", 5)
	require.NoError(t, err)
	assert.Equal(t, 4, next)
}

func TestCurrentLevelCappedWhenAllPassed(t *testing.T) {
	t.Parallel()
	p := &poolStub{rowFn: func(_ string, _ []any) pgx.Row {
		return rowStub{scan: func(dest ...any) error {
			*(dest[0].(*int)) = 5
			return nil
		}}
	}}
	r := NewProgressRepo(p)
	next, err := r.CurrentLevel(context.Background(), "u1", 5)
	require.NoError(t, err)
	assert.Equal(t, 6, next)
}

func TestCurrentLevelNewUserStartsAtOne(t *testing.T) {
	t.Parallel()
	p := &poolStub{rowFn: func(_ string, _ []any) pgx.Row {
		return rowStub{scan: func(dest ...any) error {
			*(dest[0].(*int)) = 0
			return nil
		}}
	}}
	r := NewProgressRepo(p)
	next, err := r.CurrentLevel(context.Background(), "u1", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, next)
}

func TestMarkPassedIsInsertIgnore(t *testing.T) {
	t.Parallel()
	p := &poolStub{}
	r := NewProgressRepo(p)
	require.NoError(t, r.MarkPassed(context.Background(), "u1", 2, 3))
	require.Len(t, p.execs, 1)
	assert.Contains(t, p.execs[0].sql, "ON CONFLICT (user_id, level_id) DO NOTHING")
	assert.Equal(t, 3, p.execs[0].args[3])
}

func TestIsPassed(t *testing.T) {
	t.Parallel()
	p := &poolStub{rowFn: func(sql string, _ []any) pgx.Row {
		assert.True(t, strings.Contains(sql, "EXISTS"))
		return rowStub{scan: func(dest ...any) error {
			*(dest[0].(*bool)) = true
			return nil
		}}
	}}
	r := NewProgressRepo(p)
	ok, err := r.IsPassed(context.Background(), "u1", 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

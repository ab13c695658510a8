package history_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stakepool-labs/cranker/pkg/db/history"
	"github.com/stakepool-labs/cranker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockConn struct {
	mock.Mock
}

func (m *mockConn) Exec(ctx context.Context, query string, args ...any) error {
	return m.Called(query, args).Error(0)
}

func (m *mockConn) Select(ctx context.Context, dest any, query string, args ...any) error {
	return m.Called(dest, query, args).Error(0)
}

func (m *mockConn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	args := m.Called(query)
	b, _ := args.Get(0).(driver.Batch)
	return b, args.Error(1)
}

func (m *mockConn) Close() error { return nil }

func TestSchema(t *testing.T) {
	db := history.NewWithConn(&mockConn{}, "cranker", "", zaptest.NewLogger(t))
	ddl := db.Schema()
	require.Len(t, ddl, 2)

	assert.Contains(t, ddl[0], `"cranker"."epoch_metrics"`)
	assert.Contains(t, ddl[0], "ENGINE = ReplacingMergeTree(updated_at)")
	assert.Contains(t, ddl[0], "ORDER BY epoch")
	assert.NotContains(t, ddl[0], "ON CLUSTER")

	assert.Contains(t, ddl[1], `"cranker"."validator_eligibility"`)
	assert.Contains(t, ddl[1], "ORDER BY (epoch, vote_account)")
	assert.Contains(t, ddl[1], "vote_account String CODEC(ZSTD(1))")

	clustered := history.NewWithConn(&mockConn{}, "cranker", "main", zaptest.NewLogger(t)).Schema()
	assert.Contains(t, clustered[0], "ON CLUSTER main")
	assert.Contains(t, clustered[0], "ReplicatedReplacingMergeTree(updated_at)")
}

func TestInitializeDBRunsAllDDL(t *testing.T) {
	conn := &mockConn{}
	conn.On("Exec", mock.Anything, mock.Anything).Return(nil).Twice()

	db := history.NewWithConn(conn, "cranker", "", zaptest.NewLogger(t))
	require.NoError(t, db.InitializeDB(context.Background()))
	conn.AssertExpectations(t)
}

func TestUpsertEpochMetrics(t *testing.T) {
	conn := &mockConn{}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := types.EpochMetrics{
		Epoch:                    700,
		TotalNetworkStakeWeight:  1_000,
		ParticipatingStakeWeight: 250,
		PoolStake:                500,
		AllocationBps:            4_000,
		AvailableDelegationStake: 200,
		DirectedStakeTotal:       10,
		EligibleValidatorCount:   3,
		Timestamp:                at,
	}
	conn.On("Exec", mock.MatchedBy(func(q string) bool {
		return strings.HasPrefix(q, `INSERT INTO "cranker"."epoch_metrics"`)
	}), []any{uint64(700), uint64(1_000), uint64(250), uint64(500), uint32(4_000), uint64(200), uint64(10), uint64(3), at}).Return(nil).Once()

	db := history.NewWithConn(conn, "cranker", "", zaptest.NewLogger(t))
	require.NoError(t, db.UpsertEpochMetrics(context.Background(), m))
	conn.AssertExpectations(t)
}

func TestUpsertValidatorEligibility(t *testing.T) {
	t.Run("empty is a no-op", func(t *testing.T) {
		conn := &mockConn{}
		db := history.NewWithConn(conn, "cranker", "", zaptest.NewLogger(t))
		require.NoError(t, db.UpsertValidatorEligibility(context.Background(), nil, time.Now()))
		conn.AssertNotCalled(t, "PrepareBatch", mock.Anything)
	})

	t.Run("prepare failure is returned", func(t *testing.T) {
		conn := &mockConn{}
		conn.On("PrepareBatch", mock.Anything).Return(nil, errors.New("connection reset"))
		db := history.NewWithConn(conn, "cranker", "", zaptest.NewLogger(t))

		err := db.UpsertValidatorEligibility(context.Background(), []types.ValidatorEligibility{{Epoch: 1, VoteAccount: "a"}}, time.Now())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection reset")
	})
}

func TestLatestEpochMetrics(t *testing.T) {
	conn := &mockConn{}
	conn.On("Select", mock.Anything, mock.MatchedBy(func(q string) bool {
		return strings.Contains(q, "FINAL") && strings.Contains(q, "ORDER BY epoch DESC")
	}), mock.Anything).Run(func(args mock.Arguments) {
		dest := args.Get(0).(*[]types.EpochMetrics)
		*dest = append(*dest, types.EpochMetrics{Epoch: 9, AllocationBps: 2_000})
	}).Return(nil).Once()

	db := history.NewWithConn(conn, "cranker", "", zaptest.NewLogger(t))
	got, err := db.LatestEpochMetrics(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(9), got.Epoch)

	empty := &mockConn{}
	empty.On("Select", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	got, err = history.NewWithConn(empty, "cranker", "", zaptest.NewLogger(t)).LatestEpochMetrics(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEligibilityByEpoch(t *testing.T) {
	conn := &mockConn{}
	conn.On("Select", mock.Anything, mock.Anything, []any{uint64(9)}).Run(func(args mock.Arguments) {
		dest := args.Get(0).(*[]history.EligibilityRow)
		*dest = append(*dest,
			history.EligibilityRow{Epoch: 9, VoteAccount: "alice", IsEligible: true, StandardShare: 50},
			history.EligibilityRow{Epoch: 9, VoteAccount: "bob", IsDirectedStakeTarget: true, DirectedStake: 7, IneligibilityReason: "offline"},
		)
	}).Return(nil).Once()

	db := history.NewWithConn(conn, "cranker", "", zaptest.NewLogger(t))
	got, err := db.EligibilityByEpoch(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, []types.ValidatorEligibility{
		{Epoch: 9, VoteAccount: "alice", IsEligible: true, StandardShare: 50},
		{Epoch: 9, VoteAccount: "bob", IsDirectedStakeTarget: true, DirectedStake: 7, IneligibilityReason: "offline"},
	}, got)
}

func TestDiscard(t *testing.T) {
	var s history.Store = history.Discard{}
	require.NoError(t, s.UpsertEpochMetrics(context.Background(), types.EpochMetrics{Epoch: 1}))
	m, err := s.LatestEpochMetrics(context.Background())
	require.NoError(t, err)
	assert.Nil(t, m)
}

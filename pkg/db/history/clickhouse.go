package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stakepool-labs/cranker/pkg/db/clickhouse"
	"github.com/stakepool-labs/cranker/pkg/types"
	"go.uber.org/zap"
)

// Conn is the part of driver.Conn the store uses.
type Conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Select(ctx context.Context, dest any, query string, args ...any) error
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Close() error
}

// DB is the ClickHouse-backed Store.
type DB struct {
	conn    Conn
	name    string
	cluster string
	logger  *zap.Logger
}

// Open connects to ClickHouse, creates the database and tables, and returns the store.
func Open(ctx context.Context, logger *zap.Logger, opts clickhouse.Options) (*DB, error) {
	if opts.Database == "" {
		opts.Database = "cranker"
	}
	opts.Database = clickhouse.SanitizeName(opts.Database)

	client, err := clickhouse.New(ctx, logger.With(zap.String("db", opts.Database)), opts)
	if err != nil {
		return nil, fmt.Errorf("%w: clickhouse: %w", types.ErrUnavailable, err)
	}
	if err := client.CreateDbIfNotExists(ctx, opts.Database); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create database %s: %w", opts.Database, err)
	}

	db := NewWithConn(client.Db, opts.Database, client.Cluster, logger)
	if err := db.InitializeDB(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return db, nil
}

// NewWithConn wraps an open connection. InitializeDB must run before first use on a new database.
func NewWithConn(conn Conn, name, cluster string, logger *zap.Logger) *DB {
	return &DB{conn: conn, name: name, cluster: cluster, logger: logger.With(zap.String("component", "history"))}
}

// Schema returns the DDL for both tables.
func (db *DB) Schema() []string {
	engine := clickhouse.Engine(clickhouse.ReplacingMergeTree, "updated_at", db.cluster)
	return []string{
		db.createTable(EpochMetricsTableName, EpochMetricsColumns, engine, "epoch"),
		db.createTable(ValidatorEligibilityTableName, ValidatorEligibilityColumns, engine, "(epoch, vote_account)"),
	}
}

func (db *DB) createTable(table string, cols []clickhouse.ColumnDef, engine, orderBy string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" %s (
			%s
		) ENGINE = %s
		ORDER BY %s
	`, db.name, table, clickhouse.OnCluster(db.cluster), clickhouse.ColumnsToSchemaSQL(cols), engine, orderBy)
}

// InitializeDB creates the tables if they do not exist.
func (db *DB) InitializeDB(ctx context.Context) error {
	db.logger.Info("Initializing history tables", zap.String("database", db.name))
	for _, ddl := range db.Schema() {
		if err := db.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create history table: %w", err)
		}
	}
	return nil
}

// UpsertEpochMetrics writes the epoch's metrics row. A zero Timestamp is set to now.
func (db *DB) UpsertEpochMetrics(ctx context.Context, m types.EpochMetrics) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	query := fmt.Sprintf(`INSERT INTO "%s"."%s" (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		db.name, EpochMetricsTableName, strings.Join(clickhouse.ColumnsToNameList(EpochMetricsColumns), ", "))

	return db.conn.Exec(ctx, query,
		m.Epoch,
		m.TotalNetworkStakeWeight,
		m.ParticipatingStakeWeight,
		m.PoolStake,
		m.AllocationBps,
		m.AvailableDelegationStake,
		m.DirectedStakeTotal,
		m.EligibleValidatorCount,
		m.Timestamp,
	)
}

// UpsertValidatorEligibility writes rows in one batch, all stamped with at.
func (db *DB) UpsertValidatorEligibility(ctx context.Context, rows []types.ValidatorEligibility, at time.Time) error {
	if len(rows) == 0 {
		return nil
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	query := fmt.Sprintf(`INSERT INTO "%s"."%s" (%s)`,
		db.name, ValidatorEligibilityTableName, strings.Join(clickhouse.ColumnsToNameList(ValidatorEligibilityColumns), ", "))
	batch, err := db.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare eligibility batch: %w", err)
	}
	defer func() { _ = batch.Abort() }()

	for _, r := range rows {
		if err := batch.Append(
			r.Epoch,
			string(r.VoteAccount),
			r.IsEligible,
			r.IsDirectedStakeTarget,
			r.StandardShare,
			r.DirectedStake,
			r.IneligibilityReason,
			at,
		); err != nil {
			return fmt.Errorf("append eligibility %s: %w", r.VoteAccount, err)
		}
	}
	return batch.Send()
}

// LatestEpochMetrics returns the most recent epoch's metrics, or nil when none are stored.
func (db *DB) LatestEpochMetrics(ctx context.Context) (*types.EpochMetrics, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM "%s"."%s" FINAL
		ORDER BY epoch DESC
		LIMIT 1
	`, strings.Join(clickhouse.ColumnsToNameList(EpochMetricsColumns), ", "), db.name, EpochMetricsTableName)

	var out []types.EpochMetrics
	if err := clickhouse.SelectWithFinal(ctx, db.conn, &out, query); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

// EligibilityByEpoch returns an epoch's rows ordered by vote account.
func (db *DB) EligibilityByEpoch(ctx context.Context, epoch uint64) ([]types.ValidatorEligibility, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM "%s"."%s" FINAL
		WHERE epoch = ?
		ORDER BY vote_account
	`, strings.Join(clickhouse.ColumnsToNameList(ValidatorEligibilityColumns), ", "), db.name, ValidatorEligibilityTableName)

	var rows []EligibilityRow
	if err := clickhouse.SelectWithFinal(ctx, db.conn, &rows, query, epoch); err != nil {
		return nil, err
	}
	out := make([]types.ValidatorEligibility, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toType())
	}
	return out, nil
}

// Close closes the connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

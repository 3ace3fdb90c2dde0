package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"hl-sentinel/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	insertSnapshotSQL = `INSERT INTO vault_snapshots (
        ts,
        vault_address,
        account_value,
        pnl_24h,
        pnl_7d,
        pnl_30d,
        sharpe_ratio,
        max_drawdown_pct,
        anomaly_score,
        is_healthy,
        health_issues
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (vault_address, ts) DO NOTHING;`

	snapshotColumns = `ts,
        vault_address,
        account_value,
        pnl_24h,
        pnl_7d,
        pnl_30d,
        sharpe_ratio,
        max_drawdown_pct,
        anomaly_score,
        is_healthy,
        health_issues`

	listRecentSnapshotsSQL = `SELECT ` + snapshotColumns + `
    FROM vault_snapshots
    ORDER BY ts DESC
    LIMIT $1;`

	listSnapshotsBetweenSQL = `SELECT ` + snapshotColumns + `
    FROM vault_snapshots
    WHERE ts >= $1
      AND ts < $2
    ORDER BY ts;`

	insertDeviationSQL = `INSERT INTO oracle_deviations (
        ts,
        asset,
        hyperliquid_price,
        binance_price,
        coinbase_price,
        max_deviation_pct,
        duration_seconds,
        onset_at,
        is_dangerous,
        risk_score
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (asset, ts) DO NOTHING;`

	upsertEventSQL = `INSERT INTO security_events (
        event_id,
        ts,
        severity,
        threat_type,
        title,
        description,
        affected_assets,
        indicators,
        recommended_action,
        source,
        estimated_loss_usd
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (event_id) DO UPDATE
    SET severity           = EXCLUDED.severity,
        title              = EXCLUDED.title,
        description        = EXCLUDED.description,
        indicators         = EXCLUDED.indicators,
        estimated_loss_usd = EXCLUDED.estimated_loss_usd;`

	upsertPatternSQL = `INSERT INTO liquidation_patterns (
        pattern_id,
        pattern_type,
        start_ts,
        end_ts,
        duration_seconds,
        total_liquidated_usd,
        affected_users,
        assets,
        suspicion_score,
        severity,
        liquidation_ids
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (pattern_id) DO UPDATE
    SET end_ts               = EXCLUDED.end_ts,
        duration_seconds     = EXCLUDED.duration_seconds,
        total_liquidated_usd = EXCLUDED.total_liquidated_usd,
        affected_users       = EXCLUDED.affected_users,
        suspicion_score      = EXCLUDED.suspicion_score,
        severity             = EXCLUDED.severity,
        liquidation_ids      = EXCLUDED.liquidation_ids;`

	upsertExploitSQL = `INSERT INTO exploits (
        id,
        tx_hash,
        chain,
        protocol,
        amount_usd,
        ts,
        source,
        source_url,
        category,
        description,
        recovery_status
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (id) DO UPDATE
    SET description     = EXCLUDED.description,
        recovery_status = EXCLUDED.recovery_status,
        updated_at      = now();`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Sink receives detection output. Implementations must be safe for
// concurrent use; failures are logged by the caller and never abort detection.
type Sink interface {
	PersistSnapshot(ctx context.Context, snap model.VaultSnapshot) error
	PersistDeviation(ctx context.Context, dev model.OracleDeviation) error
	PersistEvent(ctx context.Context, ev model.SecurityEvent) error
	PersistPattern(ctx context.Context, p model.LiquidationPattern) error
	PersistExploits(ctx context.Context, exploits []model.Exploit) error
}

// SnapshotReader reads persisted vault snapshots back.
type SnapshotReader interface {
	ListRecentSnapshots(ctx context.Context, limit int) ([]model.VaultSnapshot, error)
	ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]model.VaultSnapshot, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store persists detection output in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ Sink           = (*Store)(nil)
	_ SnapshotReader = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// PersistSnapshot inserts a vault snapshot.
func (s *Store) PersistSnapshot(ctx context.Context, snap model.VaultSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertSnapshotSQL,
		snap.Timestamp,
		snap.VaultAddress,
		decimalText(snap.AccountValue),
		decimalText(snap.PnL24h),
		decimalText(snap.PnL7d),
		decimalText(snap.PnL30d),
		snap.SharpeRatio,
		snap.MaxDrawdownPct,
		snap.AnomalyScore,
		snap.Healthy,
		nonNil(snap.HealthIssues),
	)
	if execErr != nil {
		return fmt.Errorf("insert vault snapshot: %w", execErr)
	}
	return nil
}

// PersistDeviation inserts an oracle deviation record.
func (s *Store) PersistDeviation(ctx context.Context, dev model.OracleDeviation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertDeviationSQL,
		dev.Timestamp,
		dev.Asset,
		decimalText(dev.ExchangePrice),
		optionalDecimal(dev.BinancePrice),
		optionalDecimal(dev.CoinbasePrice),
		dev.MaxDeviationPct,
		dev.DurationSeconds,
		optionalTime(dev.OnsetAt),
		dev.Dangerous,
		dev.RiskScore,
	)
	if execErr != nil {
		return fmt.Errorf("insert oracle deviation: %w", execErr)
	}
	return nil
}

// PersistEvent upserts a security event by id.
func (s *Store) PersistEvent(ctx context.Context, ev model.SecurityEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	indicators, err := json.Marshal(ev.Indicators)
	if err != nil {
		return fmt.Errorf("marshal indicators: %w", err)
	}

	_, execErr := pool.Exec(ctx, upsertEventSQL,
		ev.ID,
		ev.Timestamp,
		string(ev.Severity),
		string(ev.ThreatType),
		ev.Title,
		ev.Description,
		nonNil(ev.AffectedAssets),
		indicators,
		ev.RecommendedAction,
		ev.Source,
		optionalDecimal(ev.EstimatedLossUSD),
	)
	if execErr != nil {
		return fmt.Errorf("upsert security event: %w", execErr)
	}
	return nil
}

// PersistPattern upserts a liquidation pattern by id.
func (s *Store) PersistPattern(ctx context.Context, p model.LiquidationPattern) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertPatternSQL,
		p.ID,
		string(p.Type),
		p.Start,
		p.End,
		p.DurationSeconds,
		decimalText(p.TotalLiquidatedUSD),
		p.AffectedUsers,
		nonNil(p.Assets),
		p.SuspicionScore,
		string(p.Severity),
		nonNil(p.LiquidationIDs),
	)
	if execErr != nil {
		return fmt.Errorf("upsert liquidation pattern: %w", execErr)
	}
	return nil
}

// PersistExploits upserts the merged exploit list in one batch.
func (s *Store) PersistExploits(ctx context.Context, exploits []model.Exploit) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(exploits) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range exploits {
		batch.Queue(upsertExploitSQL,
			e.ID,
			e.TxHash,
			e.Chain,
			e.Protocol,
			e.AmountUSD.String(),
			optionalTime(e.Timestamp),
			e.Source,
			e.SourceURL,
			e.Category,
			e.Description,
			e.RecoveryStatus,
		)
	}

	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert exploits: %w", err)
	}
	return nil
}

// ListRecentSnapshots lists the most recent snapshots ordered by descending time.
func (s *Store) ListRecentSnapshots(ctx context.Context, limit int) ([]model.VaultSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSnapshotsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", queryErr)
	}
	defer rows.Close()

	return collectSnapshots(rows, limit)
}

// ListSnapshotsBetween lists snapshots within a time window in ascending order.
func (s *Store) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]model.VaultSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	defer rows.Close()

	return collectSnapshots(rows, 0)
}

func collectSnapshots(rows pgx.Rows, capacity int) ([]model.VaultSnapshot, error) {
	snaps := make([]model.VaultSnapshot, 0, capacity)
	for rows.Next() {
		snap, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snaps = append(snaps, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snaps, nil
}

func scanSnapshot(rows pgx.Rows) (model.VaultSnapshot, error) {
	var (
		ts           time.Time
		address      string
		valueStr     string
		pnl24Str     string
		pnl7Str      string
		pnl30Str     string
		sharpe       sql.NullFloat64
		drawdown     sql.NullFloat64
		anomaly      float64
		healthy      bool
		healthIssues []string
	)

	if err := rows.Scan(
		&ts,
		&address,
		&valueStr,
		&pnl24Str,
		&pnl7Str,
		&pnl30Str,
		&sharpe,
		&drawdown,
		&anomaly,
		&healthy,
		&healthIssues,
	); err != nil {
		return model.VaultSnapshot{}, err
	}

	snap := model.VaultSnapshot{
		Timestamp:    ts.UTC(),
		VaultAddress: address,
		AnomalyScore: anomaly,
		Healthy:      healthy,
		HealthIssues: nonNil(healthIssues),
	}

	for _, f := range []struct {
		raw  string
		dst  *float64
		name string
	}{
		{valueStr, &snap.AccountValue, "account value"},
		{pnl24Str, &snap.PnL24h, "pnl 24h"},
		{pnl7Str, &snap.PnL7d, "pnl 7d"},
		{pnl30Str, &snap.PnL30d, "pnl 30d"},
	} {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return model.VaultSnapshot{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = d.InexactFloat64()
	}

	if sharpe.Valid {
		v := sharpe.Float64
		snap.SharpeRatio = &v
	}
	if drawdown.Valid {
		v := drawdown.Float64
		snap.MaxDrawdownPct = &v
	}
	return snap, nil
}

func decimalText(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func optionalDecimal(v *float64) any {
	if v == nil {
		return nil
	}
	return decimalText(*v)
}

func optionalTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

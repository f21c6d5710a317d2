package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"treasury-agent/internal/config"
)

const (
	createSchemaSQL = `CREATE TABLE IF NOT EXISTS suggestions (
        seq                  BIGSERIAL PRIMARY KEY,
        id                   TEXT NOT NULL UNIQUE,
        address              TEXT NOT NULL,
        symbol               TEXT NOT NULL DEFAULT '',
        name                 TEXT NOT NULL DEFAULT '',
        creator_id           TEXT NOT NULL DEFAULT '',
        creator_name         TEXT NOT NULL DEFAULT '',
        price_usd            NUMERIC,
        volume_24h           NUMERIC,
        reason               TEXT NOT NULL DEFAULT '',
        confidence           DOUBLE PRECISION NOT NULL DEFAULT 0,
        suggested_amount_usd NUMERIC,
        source               TEXT NOT NULL,
        submitter_id         TEXT NOT NULL DEFAULT '',
        created_at           TIMESTAMPTZ NOT NULL,
        status               TEXT NOT NULL,
        updated_at           TIMESTAMPTZ NOT NULL,
        completed_at         TIMESTAMPTZ,
        proposal_id          TEXT NOT NULL DEFAULT '',
        tx_hash              TEXT NOT NULL DEFAULT '',
        error_message        TEXT NOT NULL DEFAULT ''
    );
    CREATE TABLE IF NOT EXISTS run_markers (
        job      TEXT PRIMARY KEY,
        last_run TIMESTAMPTZ NOT NULL
    );`

	insertSuggestionSQL = `INSERT INTO suggestions (
        id, address, symbol, name, creator_id, creator_name,
        price_usd, volume_24h, reason, confidence, suggested_amount_usd,
        source, submitter_id, created_at, status, updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
    );`

	selectColumns = `id, address, symbol, name, creator_id, creator_name,
        price_usd, volume_24h, reason, confidence, suggested_amount_usd,
        source, submitter_id, created_at, status, updated_at,
        completed_at, proposal_id, tx_hash, error_message`

	nextPendingSQL = `SELECT ` + selectColumns + `
    FROM suggestions WHERE status = 'pending' ORDER BY seq LIMIT 1;`

	listAllSQL = `SELECT ` + selectColumns + ` FROM suggestions ORDER BY seq;`

	listPendingSQL = `SELECT ` + selectColumns + `
    FROM suggestions WHERE status = 'pending' ORDER BY seq;`

	selectStatusForUpdateSQL = `SELECT status, completed_at FROM suggestions WHERE id = $1 FOR UPDATE;`

	updateStatusSQL = `UPDATE suggestions
    SET status = $2, updated_at = $3, completed_at = $4,
        proposal_id = $5, tx_hash = $6, error_message = $7
    WHERE id = $1;`

	removeSuggestionSQL = `DELETE FROM suggestions WHERE id = $1;`

	statsSQL = `SELECT status, COUNT(*) FROM suggestions GROUP BY status;`

	isQueuedSQL = `SELECT EXISTS (
        SELECT 1 FROM suggestions WHERE status = 'pending' AND LOWER(address) = LOWER($1)
    );`

	reclaimProcessingSQL = `UPDATE suggestions
    SET status = 'pending', updated_at = NOW()
    WHERE status = 'processing' AND updated_at < $1;`

	lastRunSQL = `SELECT last_run FROM run_markers WHERE job = $1;`

	markRunSQL = `INSERT INTO run_markers (job, last_run) VALUES ($1, $2)
    ON CONFLICT (job) DO UPDATE SET last_run = EXCLUDED.last_run;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// NewPostgresPool configures a PostgreSQL connection pool from runtime settings.
func NewPostgresPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("store.postgres_dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse store dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// PostgresRepository implements Repository on a pgx pool. Insertion order is a
// monotonic sequence column, so pending FIFO survives clock skew.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresRepository wires a pgx pool into a repository and ensures the schema.
func NewPostgresRepository(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) (*PostgresRepository, error) {
	repo := &PostgresRepository{
		pool:   pool,
		logger: logger.With().Str("component", "postgres_store").Logger(),
	}
	if _, err := pool.Exec(ctx, createSchemaSQL); err != nil {
		return nil, fmt.Errorf("ensure store schema: %w", err)
	}
	return repo, nil
}

// Close releases the underlying pool resources.
func (r *PostgresRepository) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

func (r *PostgresRepository) getPool() (*pgxpool.Pool, error) {
	if r == nil || r.pool == nil {
		return nil, ErrNotConfigured
	}
	return r.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (r *PostgresRepository) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := r.getPool()
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
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			r.logger.Warn().Err(err).Msg("advisory unlock failed")
		}
		conn.Release()
	}
	return unlock, true, nil
}

// Enqueue appends a new pending suggestion.
func (r *PostgresRepository) Enqueue(ctx context.Context, candidate Candidate) (Suggestion, error) {
	pool, err := r.getPool()
	if err != nil {
		return Suggestion{}, err
	}

	now := time.Now().UTC()
	rec := Suggestion{
		ID:                 uuid.NewString(),
		Address:            candidate.Address,
		Symbol:             candidate.Symbol,
		Name:               candidate.Name,
		CreatorID:          candidate.CreatorID,
		CreatorName:        candidate.CreatorName,
		PriceUSD:           candidate.PriceUSD,
		Volume24h:          candidate.Volume24h,
		Reason:             candidate.Reason,
		Confidence:         candidate.Confidence,
		SuggestedAmountUSD: candidate.SuggestedAmountUSD,
		Source:             candidate.Source,
		SubmitterID:        candidate.SubmitterID,
		CreatedAt:          now,
		Status:             StatusPending,
		UpdatedAt:          now,
	}

	_, execErr := pool.Exec(ctx, insertSuggestionSQL,
		rec.ID,
		rec.Address,
		rec.Symbol,
		rec.Name,
		rec.CreatorID,
		rec.CreatorName,
		decimalArg(rec.PriceUSD),
		decimalArg(rec.Volume24h),
		rec.Reason,
		rec.Confidence,
		decimalArg(rec.SuggestedAmountUSD),
		string(rec.Source),
		rec.SubmitterID,
		rec.CreatedAt,
		string(rec.Status),
		rec.UpdatedAt,
	)
	if execErr != nil {
		return Suggestion{}, fmt.Errorf("insert suggestion: %w", execErr)
	}

	r.logger.Info().Str("id", rec.ID).Str("address", rec.Address).Str("source", string(rec.Source)).Msg("suggestion queued")
	return rec, nil
}

// NextPending returns the oldest pending suggestion.
func (r *PostgresRepository) NextPending(ctx context.Context) (*Suggestion, error) {
	pool, err := r.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, nextPendingSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("next pending: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	rec, scanErr := scanSuggestion(rows)
	if scanErr != nil {
		return nil, scanErr
	}
	return &rec, nil
}

// SetStatus applies a lifecycle transition inside a transaction.
func (r *PostgresRepository) SetStatus(ctx context.Context, id string, status Status, outcome *Outcome) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}

	pool, err := r.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	var currentStr string
	var completedAt *time.Time
	if scanErr := tx.QueryRow(ctx, selectStatusForUpdateSQL, id).Scan(&currentStr, &completedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load suggestion status: %w", scanErr)
	}

	current := Status(currentStr)
	if !canTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	proposalID, txHash, errMsg := "", "", ""

	if status.Terminal() {
		if completedAt == nil {
			completedAt = &now
		}
		if outcome != nil {
			proposalID = outcome.ProposalID
			txHash = outcome.TxHash
			errMsg = outcome.ErrorMessage
		}
	} else {
		completedAt = nil
	}

	if _, execErr := tx.Exec(ctx, updateStatusSQL, id, string(status), now, completedAt, proposalID, txHash, errMsg); execErr != nil {
		return fmt.Errorf("update suggestion status: %w", execErr)
	}
	return tx.Commit(ctx)
}

// Remove deletes a suggestion, reporting whether it existed.
func (r *PostgresRepository) Remove(ctx context.Context, id string) (bool, error) {
	pool, err := r.getPool()
	if err != nil {
		return false, err
	}
	tag, execErr := pool.Exec(ctx, removeSuggestionSQL, id)
	if execErr != nil {
		return false, fmt.Errorf("remove suggestion: %w", execErr)
	}
	return tag.RowsAffected() > 0, nil
}

// ListAll returns every stored suggestion in insertion order.
func (r *PostgresRepository) ListAll(ctx context.Context) ([]Suggestion, error) {
	return r.list(ctx, listAllSQL)
}

// ListPending returns pending suggestions in insertion order.
func (r *PostgresRepository) ListPending(ctx context.Context) ([]Suggestion, error) {
	return r.list(ctx, listPendingSQL)
}

func (r *PostgresRepository) list(ctx context.Context, query string) ([]Suggestion, error) {
	pool, err := r.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query)
	if queryErr != nil {
		return nil, fmt.Errorf("list suggestions: %w", queryErr)
	}
	defer rows.Close()

	recs := make([]Suggestion, 0)
	for rows.Next() {
		rec, scanErr := scanSuggestion(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		recs = append(recs, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return recs, nil
}

// Stats counts suggestions per status.
func (r *PostgresRepository) Stats(ctx context.Context) (Stats, error) {
	pool, err := r.getPool()
	if err != nil {
		return Stats{}, err
	}

	rows, queryErr := pool.Query(ctx, statsSQL)
	if queryErr != nil {
		return Stats{}, fmt.Errorf("stats: %w", queryErr)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status string
		var count int
		if scanErr := rows.Scan(&status, &count); scanErr != nil {
			return Stats{}, scanErr
		}
		switch Status(status) {
		case StatusPending:
			stats.Pending = count
		case StatusProcessing:
			stats.Processing = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// IsQueued reports whether the address matches a pending suggestion.
func (r *PostgresRepository) IsQueued(ctx context.Context, address string) (bool, error) {
	pool, err := r.getPool()
	if err != nil {
		return false, err
	}
	var queued bool
	if scanErr := pool.QueryRow(ctx, isQueuedSQL, address).Scan(&queued); scanErr != nil {
		return false, fmt.Errorf("is queued: %w", scanErr)
	}
	return queued, nil
}

// ReclaimProcessing moves stuck processing records back to pending.
func (r *PostgresRepository) ReclaimProcessing(ctx context.Context, olderThan time.Time) (int, error) {
	pool, err := r.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, reclaimProcessingSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("reclaim processing: %w", execErr)
	}
	count := int(tag.RowsAffected())
	if count > 0 {
		r.logger.Warn().Int("count", count).Msg("reclaimed stuck processing suggestions")
	}
	return count, nil
}

// LastRun returns the run marker for a job, or nil when never recorded.
func (r *PostgresRepository) LastRun(ctx context.Context, job string) (*time.Time, error) {
	pool, err := r.getPool()
	if err != nil {
		return nil, err
	}
	var t time.Time
	if scanErr := pool.QueryRow(ctx, lastRunSQL, job).Scan(&t); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load run marker: %w", scanErr)
	}
	return &t, nil
}

// MarkRun creates or overwrites the run marker for a job.
func (r *PostgresRepository) MarkRun(ctx context.Context, job string, t time.Time) error {
	pool, err := r.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markRunSQL, job, t.UTC()); execErr != nil {
		return fmt.Errorf("write run marker: %w", execErr)
	}
	return nil
}

func decimalArg(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func scanSuggestion(rows pgx.Rows) (Suggestion, error) {
	var (
		rec          Suggestion
		priceStr     sql.NullString
		volumeStr    sql.NullString
		suggestedStr sql.NullString
		source       string
		status       string
		completedAt  sql.NullTime
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.Address,
		&rec.Symbol,
		&rec.Name,
		&rec.CreatorID,
		&rec.CreatorName,
		&priceStr,
		&volumeStr,
		&rec.Reason,
		&rec.Confidence,
		&suggestedStr,
		&source,
		&rec.SubmitterID,
		&rec.CreatedAt,
		&status,
		&rec.UpdatedAt,
		&completedAt,
		&rec.ProposalID,
		&rec.TxHash,
		&rec.ErrorMessage,
	); err != nil {
		return Suggestion{}, err
	}

	rec.Source = Source(source)
	rec.Status = Status(status)

	var convErr error
	if rec.PriceUSD, convErr = nullDecimal(priceStr); convErr != nil {
		return Suggestion{}, fmt.Errorf("parse price: %w", convErr)
	}
	if rec.Volume24h, convErr = nullDecimal(volumeStr); convErr != nil {
		return Suggestion{}, fmt.Errorf("parse volume: %w", convErr)
	}
	if rec.SuggestedAmountUSD, convErr = nullDecimal(suggestedStr); convErr != nil {
		return Suggestion{}, fmt.Errorf("parse suggested amount: %w", convErr)
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

func nullDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

var _ Repository = (*PostgresRepository)(nil)

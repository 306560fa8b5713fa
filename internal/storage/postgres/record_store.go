// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// pgxPool is the slice of pgxpool.Pool the stores use; pgxmock satisfies it
// in tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// RecordStoreConfig controls the Postgres connection pool used for price
// records.
type RecordStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// RecordStore implements indexer.RecordStore on Postgres. Writes key on the
// deterministic record ID, so re-delivered outcomes and scheduled re-crawls
// update rows instead of duplicating them.
type RecordStore struct {
	pool  pgxPool
	table string
}

// NewRecordStore creates a Postgres-backed RecordStore using the provided config.
func NewRecordStore(ctx context.Context, cfg RecordStoreConfig) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "price_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewRecordStoreWithPool(pool pgxPool, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "price_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Put upserts one record keyed by ID.
func (s *RecordStore) Put(ctx context.Context, record indexer.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("record store is not configured")
	}
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	metadataJSON, err := json.Marshal(normalizeMetadata(record.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	source,
	epoch,
	name,
	url,
	category,
	regular_price,
	sale_price,
	currency,
	description,
	image_url,
	metadata,
	observed_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
ON CONFLICT (id) DO UPDATE SET
	epoch = EXCLUDED.epoch,
	name = EXCLUDED.name,
	category = EXCLUDED.category,
	regular_price = EXCLUDED.regular_price,
	sale_price = EXCLUDED.sale_price,
	currency = EXCLUDED.currency,
	description = EXCLUDED.description,
	image_url = EXCLUDED.image_url,
	metadata = EXCLUDED.metadata,
	observed_at = EXCLUDED.observed_at`, s.table)

	args := []any{
		record.ID,
		record.Source,
		record.Epoch,
		record.Name,
		record.URL,
		record.Category,
		record.RegularPrice,
		record.SalePrice,
		record.Currency,
		record.Description,
		record.ImageURL,
		metadataJSON,
		record.ObservedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

const recordColumns = `id, source, epoch, name, url, category, regular_price,
	sale_price, currency, description, image_url, metadata, observed_at`

// Get returns one record by ID, or indexer.ErrNotFound.
func (s *RecordStore) Get(ctx context.Context, id string) (indexer.Record, error) {
	if s == nil || s.pool == nil {
		return indexer.Record{}, fmt.Errorf("record store is not configured")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, recordColumns, s.table)
	record, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return indexer.Record{}, indexer.ErrNotFound
		}
		return indexer.Record{}, fmt.Errorf("get record: %w", err)
	}
	return record, nil
}

// Exists reports whether a record with the given ID is stored.
func (s *RecordStore) Exists(ctx context.Context, id string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("record store is not configured")
	}
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, s.table)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("record exists: %w", err)
	}
	return exists, nil
}

// Query returns records matching the filter, newest observation first.
func (s *RecordStore) Query(ctx context.Context, filter indexer.RecordFilter) ([]indexer.Record, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("record store is not configured")
	}
	where, args := buildFilter(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(
		`SELECT %s FROM %s%s ORDER BY observed_at DESC, id LIMIT $%d OFFSET $%d`,
		recordColumns, s.table, where, len(args)-1, len(args),
	)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []indexer.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}
	return records, nil
}

// Count returns how many records match the filter.
func (s *RecordStore) Count(ctx context.Context, filter indexer.RecordFilter) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("record store is not configured")
	}
	where, args := buildFilter(filter)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, s.table, where)
	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}

func buildFilter(filter indexer.RecordFilter) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.Source != "" {
		add("source = $%d", filter.Source)
	}
	if filter.Category != "" {
		add("category = $%d", filter.Category)
	}
	if filter.NameLike != "" {
		add("name ILIKE $%d", "%"+filter.NameLike+"%")
	}
	if !filter.ObservedAfter.IsZero() {
		add("observed_at >= $%d", filter.ObservedAfter)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanRecord(row pgx.Row) (indexer.Record, error) {
	var record indexer.Record
	var metadataJSON []byte
	err := row.Scan(
		&record.ID,
		&record.Source,
		&record.Epoch,
		&record.Name,
		&record.URL,
		&record.Category,
		&record.RegularPrice,
		&record.SalePrice,
		&record.Currency,
		&record.Description,
		&record.ImageURL,
		&metadataJSON,
		&record.ObservedAt,
	)
	if err != nil {
		return indexer.Record{}, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &record.Metadata); err != nil {
			return indexer.Record{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return record, nil
}

func normalizeMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

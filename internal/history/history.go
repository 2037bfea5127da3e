package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"wa-ingress/internal/engine"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Reader provides read-only access to the CRM's conversation tables. The
// core never writes here; the collaborating service owns the schema.
type Reader struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New opens a read-only connection pool to the CRM database. An empty
// databaseURL returns a nil Reader, which callers treat as "no history".
func New(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*Reader, error) {
	if databaseURL == "" {
		return nil, nil
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &Reader{
		pool:   pool,
		logger: logger.With("component", "history"),
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}
	return r, nil
}

// Close releases the connection pool.
func (r *Reader) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// CustomerName returns the contact's display name, empty when unknown.
func (r *Reader) CustomerName(ctx context.Context, tenantID int64, senderID string) (string, error) {
	const q = `
SELECT COALESCE(display_name, '')
FROM contacts
WHERE tenant_id = $1 AND phone_number = $2
LIMIT 1;
`
	var name string
	err := r.pool.QueryRow(ctx, q, tenantID, senderID).Scan(&name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("query contact name: %w", err)
	}
	return name, nil
}

// RecentHistory returns the last limit conversation entries for the
// sender, oldest first.
func (r *Reader) RecentHistory(ctx context.Context, tenantID int64, senderID string, limit int) ([]engine.HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	const q = `
SELECT direction, content
FROM messages
WHERE tenant_id = $1 AND phone_number = $2
ORDER BY created_at DESC
LIMIT $3;
`
	rows, err := r.pool.Query(ctx, q, tenantID, senderID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []engine.HistoryEntry
	for rows.Next() {
		var e engine.HistoryEntry
		if err := rows.Scan(&e.Direction, &e.Text); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}

	// Newest-first from the query; the engine wants chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

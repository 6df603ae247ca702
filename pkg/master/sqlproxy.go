package master

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
)

const sqlQueryTimeout = 30 * time.Second

// SQLProxy relays ad-hoc queries from master-role workers to the
// orchestrator's backing Postgres. Workers have no database credentials of
// their own; the orchestrator is the single point of access.
type SQLProxy struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewSQLProxy opens a connection pool against databaseURL.
func NewSQLProxy(databaseURL string, logger logging.Logger) (*SQLProxy, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database pool: %w", err)
	}

	return &SQLProxy{pool: pool, logger: logger}, nil
}

// Query runs one statement and renders the result to strings. Errors are
// carried in the result rather than returned: the caller always has
// something to relay back to the requesting worker.
func (p *SQLProxy) Query(ctx context.Context, query string) protocol.SQLResult {
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return protocol.SQLResult{Error: err.Error()}
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var out [][]string
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return protocol.SQLResult{Error: err.Error()}
		}
		row := make([]string, len(values))
		for i, v := range values {
			if v == nil {
				row[i] = "NULL"
				continue
			}
			row[i] = fmt.Sprintf("%v", v)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return protocol.SQLResult{Error: err.Error()}
	}

	p.logger.Debug("sql relay query served",
		logging.Int("rows", len(out)), logging.Int("columns", len(columns)))
	return protocol.SQLResult{Columns: columns, Rows: out}
}

// Close releases the pool.
func (p *SQLProxy) Close() {
	p.pool.Close()
}

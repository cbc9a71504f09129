package journal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tokenrails/internal/redemption"
	"tokenrails/internal/verify"
)

// PostgresStore persists requests in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS redemption_requests (
    reference TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    chain_id BIGINT NOT NULL,
    token TEXT NOT NULL,
    amount TEXT NOT NULL,
    rate DOUBLE PRECISION NOT NULL,
    fee_rate DOUBLE PRECISION NOT NULL,
    net_fiat DOUBLE PRECISION NOT NULL,
    destination JSONB NOT NULL,
    tx_hash TEXT NOT NULL DEFAULT '',
    settlement_id TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS redemption_requests_status_idx ON redemption_requests (status);
`

// NewPostgresStore connects using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Ping exposes connection health for the health endpoint.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, reference string) (*redemption.Request, error) {
	row := p.pool.QueryRow(ctx, `
SELECT reference, status, chain_id, token, amount, rate, fee_rate, net_fiat,
       destination, tx_hash, settlement_id, failure_reason, created_at, updated_at
FROM redemption_requests
WHERE reference = $1
`, reference)

	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return req, nil
}

func (p *PostgresStore) Save(ctx context.Context, req redemption.Request) error {
	dest, err := json.Marshal(req.Destination)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO redemption_requests (
    reference, status, chain_id, token, amount, rate, fee_rate, net_fiat,
    destination, tx_hash, settlement_id, failure_reason, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (reference) DO UPDATE
SET status = EXCLUDED.status,
    rate = EXCLUDED.rate,
    net_fiat = EXCLUDED.net_fiat,
    destination = EXCLUDED.destination,
    tx_hash = EXCLUDED.tx_hash,
    settlement_id = EXCLUDED.settlement_id,
    failure_reason = EXCLUDED.failure_reason,
    updated_at = EXCLUDED.updated_at
`, req.Reference, string(req.Status), req.ChainID, req.Token, req.Amount,
		req.Rate, req.FeeRate, req.NetFiat, dest, req.TxHash, req.SettlementID,
		string(req.FailureReason), req.CreatedAt, req.UpdatedAt)
	return err
}

// Claim inserts the request unless the reference is already held by a request
// that has not rolled back to idle. The insert-or-refuse decision happens in
// one statement, so concurrent claims of one reference cannot both win.
func (p *PostgresStore) Claim(ctx context.Context, req redemption.Request) (*redemption.Request, error) {
	dest, err := json.Marshal(req.Destination)
	if err != nil {
		return nil, err
	}
	var claimed string
	err = p.pool.QueryRow(ctx, `
INSERT INTO redemption_requests (
    reference, status, chain_id, token, amount, rate, fee_rate, net_fiat,
    destination, tx_hash, settlement_id, failure_reason, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (reference) DO UPDATE
SET status = EXCLUDED.status,
    rate = EXCLUDED.rate,
    net_fiat = EXCLUDED.net_fiat,
    destination = EXCLUDED.destination,
    tx_hash = EXCLUDED.tx_hash,
    settlement_id = EXCLUDED.settlement_id,
    failure_reason = EXCLUDED.failure_reason,
    updated_at = EXCLUDED.updated_at
WHERE redemption_requests.status = 'idle'
RETURNING reference
`, req.Reference, string(req.Status), req.ChainID, req.Token, req.Amount,
		req.Rate, req.FeeRate, req.NetFiat, dest, req.TxHash, req.SettlementID,
		string(req.FailureReason), req.CreatedAt, req.UpdatedAt).Scan(&claimed)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return p.Get(ctx, req.Reference)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status redemption.Status) ([]redemption.Request, error) {
	rows, err := p.pool.Query(ctx, `
SELECT reference, status, chain_id, token, amount, rate, fee_rate, net_fiat,
       destination, tx_hash, settlement_id, failure_reason, created_at, updated_at
FROM redemption_requests
WHERE status = $1
ORDER BY created_at
`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []redemption.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*redemption.Request, error) {
	var (
		req     redemption.Request
		status  string
		reason  string
		destRaw []byte
	)
	if err := row.Scan(&req.Reference, &status, &req.ChainID, &req.Token, &req.Amount,
		&req.Rate, &req.FeeRate, &req.NetFiat, &destRaw, &req.TxHash,
		&req.SettlementID, &reason, &req.CreatedAt, &req.UpdatedAt); err != nil {
		return nil, err
	}
	req.Status = redemption.Status(status)
	req.FailureReason = redemption.FailureReason(reason)

	var dest verify.Destination
	if len(destRaw) > 0 {
		if err := json.Unmarshal(destRaw, &dest); err != nil {
			return nil, err
		}
	}
	req.Destination = dest
	return &req, nil
}

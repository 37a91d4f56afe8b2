/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carverauto/fleetreconcile/pkg/logger"
	"github.com/carverauto/fleetreconcile/pkg/models"
	"github.com/carverauto/fleetreconcile/pkg/report"
)

// PostgresConfig points at the audit database.
type PostgresConfig struct {
	DSN   string `json:"dsn" yaml:"dsn" toml:"dsn"`
	Table string `json:"table" yaml:"table" toml:"table"`
}

const defaultTable = "device_reconciliations"

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres appends one audit row per device. Rows are never updated or read back.
type Postgres struct {
	db    Execer
	table string
	pool  *pgxpool.Pool
}

// NewPostgres wraps an existing connection.
func NewPostgres(db Execer, table string) *Postgres {
	if table == "" {
		table = defaultTable
	}

	return &Postgres{db: db, table: table}
}

// quotedTable returns the table name as a quoted identifier; a dotted name
// is treated as schema.table.
func (s *Postgres) quotedTable() string {
	return pgx.Identifier(strings.Split(s.table, ".")).Sanitize()
}

// ConnectPostgres opens a pool and creates the audit table when missing.
func ConnectPostgres(ctx context.Context, cfg PostgresConfig, log logger.Logger) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to parse connection string: %w", err)
	}

	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = make(map[string]string)
	}

	poolConfig.ConnConfig.RuntimeParams["application_name"] = "fleetreconcile"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to initialize pool: %w", err)
	}

	s := NewPostgres(pool, cfg.Table)
	s.pool = pool

	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()

		return nil, err
	}

	log.Info().
		Str("host", poolConfig.ConnConfig.Host).
		Str("table", s.table).
		Msg("Connected to audit database")

	return s, nil
}

// EnsureSchema creates the audit table.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id          TEXT        NOT NULL,
	device_name     TEXT        NOT NULL DEFAULT '',
	serial_number   TEXT        NOT NULL DEFAULT '',
	status          TEXT        NOT NULL,
	wipe_sent       BOOLEAN     NOT NULL DEFAULT FALSE,
	management_sent BOOLEAN     NOT NULL DEFAULT FALSE,
	registry_sent   BOOLEAN     NOT NULL DEFAULT FALSE,
	directory_sent  BOOLEAN     NOT NULL DEFAULT FALSE,
	dry_run         BOOLEAN     NOT NULL DEFAULT FALSE,
	result          JSONB       NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	elapsed_ms      BIGINT      NOT NULL
)`, s.quotedTable())

	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: failed to create %s: %w", s.table, err)
	}

	return nil
}

func (s *Postgres) Write(ctx context.Context, result *models.DeviceReconciliationResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal result: %w", err)
	}

	wipeSent := result.Wipe != nil && result.Wipe.Found && result.Wipe.Success

	query := fmt.Sprintf(`INSERT INTO %s (
	run_id, device_name, serial_number, status,
	wipe_sent, management_sent, registry_sent, directory_sent,
	dry_run, result, started_at, elapsed_ms
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, s.quotedTable())

	_, err = s.db.Exec(ctx, query,
		result.RunID,
		result.Identity.Name,
		result.Identity.Serial,
		string(report.Classify(result)),
		wipeSent,
		result.Services[models.ServiceManagement].Sent(),
		result.Services[models.ServiceRegistry].Sent(),
		result.Services[models.ServiceDirectory].Sent(),
		result.DryRun,
		raw,
		result.StartedAt,
		result.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to insert result: %w", err)
	}

	return nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}

	return nil
}

// Package mysql implements a checkpoint store using MySQL.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/orchcmd/orchcmd/engine/storage"
	"github.com/orchcmd/orchcmd/workflow"
)

// mysqlTimeFormat is the text form of a MySQL TIMESTAMP column.
const mysqlTimeFormat = "2006-01-02 15:04:05"

// MySQLStorage implements a storage.Store using MySQL.
// One row per (instance_id, version); the latest version is
// authoritative. Stale saves are rejected inside a transaction holding
// a row lock on the instance's newest version.
type MySQLStorage struct {
	db *sql.DB
}

type config struct {
	driver string
	dsn    string
	db     *sql.DB
}

// Option allows configuring a MySQLStorage.
type Option func(*config)

// WithDSN sets the storage MySQL data source name.
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithDriver sets a custom MySQL driver for the storage.
// Default driver is "mysql" but is ignored if WithDB is used.
func WithDriver(driver string) Option {
	return func(c *config) {
		c.driver = driver
	}
}

// WithDB sets a custom MySQL *sql.DB to the storage.
// If set, driver passed via WithDriver is ignored.
func WithDB(db *sql.DB) Option {
	return func(c *config) {
		c.db = db
	}
}

// New creates and returns a new MySQL checkpoint store.
func New(opts ...Option) (*MySQLStorage, error) {
	cfg := &config{driver: "mysql"}
	for _, opt := range opts {
		opt(cfg)
	}
	var err error
	if cfg.db == nil {
		cfg.db, err = sql.Open(cfg.driver, cfg.dsn)
		if err != nil {
			return nil, err
		}
	}
	if err = cfg.db.Ping(); err != nil {
		return nil, err
	}
	return &MySQLStorage{db: cfg.db}, nil
}

// txcb executes SQL within transactions when wrapped in tx().
type txcb func(ctx context.Context, tx *sql.Tx) error

// tx wraps g in transactions using db.
// If g returns an err the transaction will be rolled back; otherwise committed.
func tx(ctx context.Context, db *sql.DB, g txcb) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tx begin: %w", err)
	}
	if err = g(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx rollback: %w; while trying to handle error: %v", rbErr, err)
		}
		return fmt.Errorf("tx rolled back: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("tx commit: %w", err)
	}
	return nil
}

// Save implements the storage interface method.
func (s *MySQLStorage) Save(ctx context.Context, inst *workflow.Instance) (int, error) {
	if err := storage.ValidateSave(inst); err != nil {
		return 0, fmt.Errorf("validating instance: %w", err)
	}
	raw, err := json.Marshal(inst)
	if err != nil {
		return 0, fmt.Errorf("marshaling instance: %w", err)
	}
	statusText, err := inst.Status.MarshalText()
	if err != nil {
		return 0, fmt.Errorf("marshaling status: %w", err)
	}
	err = tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var current int
		err := tx.QueryRowContext(
			ctx, `
SELECT COALESCE(MAX(version), 0)
FROM checkpoints
WHERE instance_id = ?
FOR UPDATE;`,
			inst.InstanceID,
		).Scan(&current)
		if err != nil {
			return fmt.Errorf("reading current version: %w", err)
		}
		if inst.CheckpointVersion <= current {
			return fmt.Errorf(
				"%w: saving %d, stored %d",
				storage.ErrStaleVersion, inst.CheckpointVersion, current,
			)
		}
		_, err = tx.ExecContext(
			ctx, `
INSERT INTO checkpoints
    (instance_id, version, status, instance)
VALUES
    (?, ?, ?, ?);`,
			inst.InstanceID,
			inst.CheckpointVersion,
			string(statusText),
			raw,
		)
		if err != nil {
			return fmt.Errorf("inserting checkpoint: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inst.CheckpointVersion, nil
}

// Load implements the storage interface method.
func (s *MySQLStorage) Load(ctx context.Context, instanceID string) (*storage.Checkpoint, error) {
	if instanceID == "" {
		return nil, storage.ErrMissingID
	}
	cp := &storage.Checkpoint{InstanceID: instanceID}
	var raw []byte
	var writtenAt string
	err := s.db.QueryRowContext(
		ctx, `
SELECT version, instance, written_at
FROM checkpoints
WHERE instance_id = ?
ORDER BY version DESC
LIMIT 1;`,
		instanceID,
	).Scan(&cp.Version, &raw, &writtenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, instanceID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying checkpoint: %w", err)
	}
	// scan as a string so the driver works without parseTime=true.
	cp.WrittenAt, err = time.Parse(mysqlTimeFormat, writtenAt)
	if err != nil {
		return nil, fmt.Errorf("parsing written_at: %w", err)
	}
	cp.Instance = new(workflow.Instance)
	if err = json.Unmarshal(raw, cp.Instance); err != nil {
		return nil, fmt.Errorf("unmarshaling instance: %w", err)
	}
	if err = cp.Validate(); err != nil {
		return nil, fmt.Errorf("validating checkpoint: %w", err)
	}
	return cp, nil
}

// List implements the storage interface method.
func (s *MySQLStorage) List(ctx context.Context, statuses ...workflow.InstanceStatus) ([]string, error) {
	query := `
SELECT c.instance_id
FROM checkpoints c
INNER JOIN (
    SELECT instance_id, MAX(version) AS version
    FROM checkpoints
    GROUP BY instance_id
) latest
    ON c.instance_id = latest.instance_id AND c.version = latest.version`
	var args []interface{}
	if len(statuses) > 0 {
		query += `
WHERE c.status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, status := range statuses {
			text, err := status.MarshalText()
			if err != nil {
				return nil, fmt.Errorf("marshaling status: %w", err)
			}
			args = append(args, string(text))
		}
	}
	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("querying instances: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return ids, fmt.Errorf("scanning instance id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListResumable implements the storage interface method.
func (s *MySQLStorage) ListResumable(ctx context.Context) ([]string, error) {
	return s.List(ctx, workflow.InstancePending, workflow.InstanceRunning)
}

// Delete implements the storage interface method.
func (s *MySQLStorage) Delete(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return storage.ErrMissingID
	}
	_, err := s.db.ExecContext(
		ctx,
		`DELETE FROM checkpoints WHERE instance_id = ?;`,
		instanceID,
	)
	return err
}

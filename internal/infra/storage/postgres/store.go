// Package postgres implements the snapshot store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/chainpulse/indexer/internal/core/domain"
	"github.com/chainpulse/indexer/internal/infra/storage"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	URL           string `yaml:"url"`
	MaxConns      int    `yaml:"max_conns"`
	MinConns      int    `yaml:"min_conns"`
	MigrationsDir string `yaml:"migrations_dir"`
}

// Store persists snapshots in the session_snapshots table. Atomicity per key
// comes from the single-row upsert.
type Store struct {
	db *sqlx.DB
}

// NewStore opens the connection pool, pings it and runs migrations.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	dir := cfg.MigrationsDir
	if dir == "" {
		dir = "migrations"
	}
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := goose.Up(db.DB, dir); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

type snapshotRow struct {
	UserID          string    `db:"user_id"`
	ContractAddress string    `db:"contract_address"`
	ChainID         string    `db:"chain_id"`
	Status          string    `db:"status"`
	Tier            string    `db:"tier"`
	DeploymentBlock int64     `db:"deployment_block"`
	StartBlock      int64     `db:"start_block"`
	CurrentBlock    int64     `db:"current_block"`
	TargetBlock     int64     `db:"target_block"`
	Metrics         []byte    `db:"metrics"`
	FailedRanges    []byte    `db:"failed_ranges"`
	SavedAt         time.Time `db:"saved_at"`
}

// Get returns the snapshot for a user key.
func (s *Store) Get(ctx context.Context, key string) (*domain.SessionSnapshot, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row,
		`SELECT user_id, contract_address, chain_id, status, tier,
		        deployment_block, start_block, current_block, target_block,
		        metrics, failed_ranges, saved_at
		 FROM session_snapshots WHERE user_id = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", key, err)
	}

	snap := &domain.SessionSnapshot{
		UserID:          row.UserID,
		ContractAddress: row.ContractAddress,
		ChainID:         row.ChainID,
		Status:          domain.SessionStatus(row.Status),
		Tier:            row.Tier,
		DeploymentBlock: uint64(row.DeploymentBlock),
		StartBlock:      uint64(row.StartBlock),
		CurrentBlock:    uint64(row.CurrentBlock),
		TargetBlock:     uint64(row.TargetBlock),
		SavedAt:         row.SavedAt,
	}
	if len(row.Metrics) > 0 {
		if err := json.Unmarshal(row.Metrics, &snap.Metrics); err != nil {
			return nil, fmt.Errorf("parse metrics for %s: %w", key, err)
		}
	}
	if len(row.FailedRanges) > 0 {
		if err := json.Unmarshal(row.FailedRanges, &snap.FailedRanges); err != nil {
			return nil, fmt.Errorf("parse failed ranges for %s: %w", key, err)
		}
	}
	return snap, nil
}

// Set upserts the snapshot row for a user key.
func (s *Store) Set(ctx context.Context, key string, snap *domain.SessionSnapshot) error {
	metricsJSON, err := json.Marshal(snap.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	rangesJSON, err := json.Marshal(snap.FailedRanges)
	if err != nil {
		return fmt.Errorf("encode failed ranges: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_snapshots
		   (user_id, contract_address, chain_id, status, tier,
		    deployment_block, start_block, current_block, target_block,
		    metrics, failed_ranges, saved_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 ON CONFLICT (user_id) DO UPDATE SET
		   contract_address = EXCLUDED.contract_address,
		   chain_id         = EXCLUDED.chain_id,
		   status           = EXCLUDED.status,
		   tier             = EXCLUDED.tier,
		   deployment_block = EXCLUDED.deployment_block,
		   start_block      = EXCLUDED.start_block,
		   current_block    = EXCLUDED.current_block,
		   target_block     = EXCLUDED.target_block,
		   metrics          = EXCLUDED.metrics,
		   failed_ranges    = EXCLUDED.failed_ranges,
		   saved_at         = EXCLUDED.saved_at`,
		key, snap.ContractAddress, snap.ChainID, string(snap.Status), snap.Tier,
		int64(snap.DeploymentBlock), int64(snap.StartBlock),
		int64(snap.CurrentBlock), int64(snap.TargetBlock),
		metricsJSON, rangesJSON, snap.SavedAt)
	if err != nil {
		return fmt.Errorf("set snapshot %s: %w", key, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health checks if the database is reachable.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

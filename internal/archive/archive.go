package archive

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/chainpulse/reputation-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init works
// inside runtime images that do not carry the source tree.
//
//go:embed schema.sql
var schemaSQL string

// Archive is the optional off-band sink for scoring results and flag audit
// rows. Core pipeline state never depends on it: a nil *Archive is a valid
// no-op sink, and write failures are for the caller to log, not to act on.
type Archive struct {
	log  logrus.FieldLogger
	pool *pgxpool.Pool
}

// Connect initializes the connection pool. Callers treat errors as a
// degraded mode, not a fatal condition.
func Connect(ctx context.Context, log *logrus.Logger, connStr string) (*Archive, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Info("archive database connected")
	return &Archive{log: log.WithField("component", "archive"), pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (a *Archive) Close() {
	if a != nil && a.pool != nil {
		a.pool.Close()
	}
}

// InitSchema executes the embedded DDL.
func (a *Archive) InitSchema(ctx context.Context) error {
	if a == nil || a.pool == nil {
		return nil
	}
	if _, err := a.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}
	a.log.Info("archive schema initialized")
	return nil
}

// SaveScore upserts the latest scoring result for a wallet.
func (a *Archive) SaveScore(ctx context.Context, result *models.ScoringResult) error {
	if a == nil || a.pool == nil || result == nil {
		return nil
	}
	sql := `
		INSERT INTO scoring_results
			(wallet, reputation_score, risk_level, confidence, event_count, flags, explanation, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (wallet) DO UPDATE SET
			reputation_score = EXCLUDED.reputation_score,
			risk_level = EXCLUDED.risk_level,
			confidence = EXCLUDED.confidence,
			event_count = EXCLUDED.event_count,
			flags = EXCLUDED.flags,
			explanation = EXCLUDED.explanation,
			computed_at = EXCLUDED.computed_at,
			updated_at = NOW();
	`
	flags := result.Flags
	if flags == nil {
		flags = []string{}
	}
	_, err := a.pool.Exec(ctx, sql,
		result.Wallet,
		result.ReputationScore,
		string(result.RiskLevel),
		result.Confidence,
		result.EventCount,
		flags,
		result.Explanation,
		time.Unix(result.ComputedAt, 0).UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert scoring result: %v", err)
	}
	return nil
}

// RecordFlagAction appends one audit row per registry write attempt,
// successful or not.
func (a *Archive) RecordFlagAction(ctx context.Context, wallet, action string, level models.RiskLevel, score float64, reason, txHash string, ok bool, writeErr string) error {
	if a == nil || a.pool == nil {
		return nil
	}
	sql := `
		INSERT INTO flag_actions
			(wallet, action, risk_level, score, reason, tx_hash, ok, error)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''));
	`
	if _, err := a.pool.Exec(ctx, sql, wallet, action, string(level), score, reason, txHash, ok, writeErr); err != nil {
		return fmt.Errorf("failed to insert flag action: %v", err)
	}
	return nil
}

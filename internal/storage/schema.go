package storage

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/Shugur-Network/gated-relay/internal/logger"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaDDL string

// requiredTables are checked by VerifySchema.
var requiredTables = []string{"events", "tombstones", "whitelist"}

// InitializeSchema creates the tables and indexes if they don't exist
func (s *PostgresStore) InitializeSchema(ctx context.Context) error {
	if !s.isConnected() {
		return fmt.Errorf("database is not connected")
	}

	logger.Info("Initializing database schema...")
	if _, err := s.Pool.Exec(ctx, schemaDDL); err != nil {
		logger.Error("Failed to initialize database schema", zap.Error(err))
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}
	logger.Info("Database schema initialized")
	return nil
}

// VerifySchema checks if all required tables exist
func (s *PostgresStore) VerifySchema(ctx context.Context) error {
	if !s.isConnected() {
		return fmt.Errorf("database is not connected")
	}

	for _, table := range requiredTables {
		var exists bool
		err := s.Pool.QueryRow(ctx,
			`SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_schema = current_schema()
				AND table_name = $1
			)`, table).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
		logger.Debug("Table exists", zap.String("table", table))
	}
	return nil
}

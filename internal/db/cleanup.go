package db

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// PruneImports deletes all but the newest keep rows of the import log.
// It runs inside the caller's write transaction.
func (db *DB) PruneImports(ctx context.Context, tx *sql.Tx, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}

	result, err := tx.ExecContext(ctx, `
		DELETE FROM transport_imports
		WHERE dataset_id NOT IN (
			SELECT dataset_id FROM transport_imports
			ORDER BY imported_at DESC
			LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune import log: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		db.logger.Info("pruned import log", zap.Int64("deleted", deleted), zap.Int("kept", keep))
	}
	return deleted, nil
}

package staging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/database"
)

// StagedRecord is one assembled entity of a run waiting to be merged into the catalog.
type StagedRecord struct {
	BulkRunId  string
	ShopId     string
	RecordId   string
	RecordType string
	Payload    json.RawMessage
	ChildCount int
}

type Store interface {
	// Stage inserts records into the staging table. Records already staged for the run are kept.
	Stage(ctx context.Context, records []StagedRecord) error
	// Merge upserts every staged record of the run into the catalog and returns the number of rows written.
	Merge(ctx context.Context, bulkRunId string) (int64, error)
	// Discard deletes the staged records of the run.
	Discard(ctx context.Context, bulkRunId string) (int64, error)
}

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

var stagingColumns = []string{"bulk_run_id", "shop_id", "record_id", "record_type", "payload", "child_count"}

func (s *PostgresStore) Stage(ctx context.Context, records []StagedRecord) error {
	if len(records) == 0 {
		return nil
	}
	return database.WithRetry(ctx, func() error {
		tmpTable := database.UniqueTableName("bulk_staging_records")
		return database.BatchInsert(
			ctx,
			s.db,
			func(tx pgx.Tx) error {
				_, err := tx.Exec(ctx, fmt.Sprintf(`
					CREATE TEMPORARY TABLE %s (
						bulk_run_id uuid,
						shop_id     text,
						record_id   text,
						record_type text,
						payload     jsonb,
						child_count integer
					) ON COMMIT DROP;`, tmpTable))
				return errors.WithStack(err)
			},
			func(tx pgx.Tx) error {
				_, err := tx.CopyFrom(ctx,
					pgx.Identifier{tmpTable},
					stagingColumns,
					pgx.CopyFromSlice(len(records), func(i int) ([]interface{}, error) {
						record := records[i]
						return []interface{}{
							record.BulkRunId,
							record.ShopId,
							record.RecordId,
							record.RecordType,
							[]byte(record.Payload),
							record.ChildCount,
						}, nil
					}),
				)
				return errors.WithStack(err)
			},
			func(tx pgx.Tx) error {
				_, err := tx.Exec(ctx, fmt.Sprintf(`
					INSERT INTO bulk_staging_records (bulk_run_id, shop_id, record_id, record_type, payload, child_count)
					SELECT bulk_run_id, shop_id, record_id, record_type, payload, child_count FROM %s
					ON CONFLICT (bulk_run_id, record_id) DO NOTHING`, tmpTable))
				return errors.WithStack(err)
			},
		)
	})
}

func (s *PostgresStore) Merge(ctx context.Context, bulkRunId string) (int64, error) {
	var merged int64
	err := database.WithRetry(ctx, func() error {
		tag, err := s.db.Exec(ctx, `
			INSERT INTO catalog_records (shop_id, record_id, record_type, payload, child_count, last_bulk_run_id, updated_at)
			SELECT shop_id, record_id, record_type, payload, child_count, bulk_run_id, now()
			FROM bulk_staging_records
			WHERE bulk_run_id = $1
			ON CONFLICT (shop_id, record_id) DO UPDATE SET
				record_type      = EXCLUDED.record_type,
				payload          = EXCLUDED.payload,
				child_count      = EXCLUDED.child_count,
				last_bulk_run_id = EXCLUDED.last_bulk_run_id,
				updated_at       = EXCLUDED.updated_at`, bulkRunId)
		if err != nil {
			return errors.WithStack(err)
		}
		merged = tag.RowsAffected()
		return nil
	})
	return merged, err
}

func (s *PostgresStore) Discard(ctx context.Context, bulkRunId string) (int64, error) {
	var deleted int64
	err := database.WithRetry(ctx, func() error {
		tag, err := s.db.Exec(ctx, `DELETE FROM bulk_staging_records WHERE bulk_run_id = $1`, bulkRunId)
		if err != nil {
			return errors.WithStack(err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}

// CountStaged returns the number of records staged for the run.
func (s *PostgresStore) CountStaged(ctx context.Context, bulkRunId string) (int64, error) {
	var count int64
	err := database.WithRetry(ctx, func() error {
		return errors.WithStack(s.db.QueryRow(ctx, `SELECT count(*) FROM bulk_staging_records WHERE bulk_run_id = $1`, bulkRunId).Scan(&count))
	})
	return count, err
}

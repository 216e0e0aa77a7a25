package database

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/neacisu/Neanelu-Shopify-sub003/internal/common/util"
)

// ErrNoTestDatabase is returned by WithTestDb when no Postgres instance is reachable.
// Tests use it to skip instead of failing on machines without a database.
var ErrNoTestDatabase = errors.New("no postgres instance available for tests")

const defaultTestConnectionString = "host=localhost port=5432 user=postgres password=psw sslmode=disable"

// WithTestDb spins up a Postgres database for testing
//  migrations: perform the list of migrations before entering the action callback
//  action: callback for client code
// The server is taken from BULKWORKER_TEST_POSTGRES when set, localhost otherwise.
func WithTestDb(migrations []Migration, action func(db *pgxpool.Pool) error) error {
	ctx := context.Background()

	connectionString := os.Getenv("BULKWORKER_TEST_POSTGRES")
	if connectionString == "" {
		connectionString = defaultTestConnectionString
	}

	// Connect and create a dedicated database for the test
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	db, err := pgx.Connect(connectCtx, connectionString)
	if err != nil {
		return ErrNoTestDatabase
	}
	defer db.Close(ctx)

	dbName := "test_" + util.NewULID()
	_, err = db.Exec(ctx, "CREATE DATABASE "+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	// Connect again: this time to the database we just created.  This is the database we use for tests
	testDbPool, err := pgxpool.Connect(ctx, connectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	defer func() {
		testDbPool.Close()

		// disconnect all db user before cleanup
		_, err = db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			fmt.Println("Failed to disconnect users")
		}

		_, err = db.Exec(ctx, "DROP DATABASE "+dbName)
		if err != nil {
			fmt.Println("Failed to drop database")
		}
	}()

	err = UpdateDatabase(ctx, testDbPool, migrations)
	if err != nil {
		return errors.WithStack(err)
	}

	return action(testDbPool)
}

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Connect opens the SQL message database and runs migrations.
func Connect(driver, dsn string, logger *zap.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if driver == DriverSQLite {
		// sqlite serialises writers; one connection avoids SQLITE_BUSY under concurrent appends.
		db.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// Migrate creates the message schema for the connected driver.
func Migrate(db *sqlx.DB, logger *zap.Logger) error {
	var migrations []string
	switch db.DriverName() {
	case DriverPostgres:
		migrations = postgresMigrations
	case DriverSQLite:
		migrations = sqliteMigrations
	default:
		return fmt.Errorf("unsupported driver %q", db.DriverName())
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	logger.Info("database migrations applied", zap.String("driver", db.DriverName()), zap.Int("statements", len(migrations)))
	return nil
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            sender_id TEXT NOT NULL,
            receiver_id TEXT NOT NULL,
            content TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'sent',
            is_read BOOLEAN NOT NULL DEFAULT FALSE,
            read_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            CHECK (sender_id <> receiver_id),
            CHECK (status IN ('sent', 'delivered', 'read'))
        );`,
	`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id, created_at, id);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id, created_at, id);`,
}

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS messages (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            sender_id TEXT NOT NULL,
            receiver_id TEXT NOT NULL,
            content TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'sent',
            is_read BOOLEAN NOT NULL DEFAULT 0,
            read_at TIMESTAMP,
            created_at TIMESTAMP NOT NULL,
            CHECK (sender_id <> receiver_id),
            CHECK (status IN ('sent', 'delivered', 'read'))
        );`,
	`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id, created_at, id);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id, created_at, id);`,
}

// ConnectMongo opens a MongoDB client and verifies the primary is reachable.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

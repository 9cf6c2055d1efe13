// Command migrate-json-to-postgres copies rooms from the JSON datastore into Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"liveroom/internal/storage"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	jsonPath := flag.String("json", "data/rooms.json", "path to the JSON datastore to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	migrate := flag.Bool("migrate", true, "apply schema migrations before importing")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("LIVEROOM_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, LIVEROOM_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	snapshot, err := storage.LoadSnapshotFromJSON(*jsonPath)
	if err != nil {
		logger.Error("failed to load JSON snapshot", "error", err)
		os.Exit(1)
	}
	counts := snapshot.Counts()
	logger.Info("loaded JSON snapshot", "path", *jsonPath, "rooms", counts.Rooms, "pending", counts.Pending, "live", counts.Live, "ended", counts.Ended)

	repo, err := storage.NewPostgresRepository(dsn, storage.WithPostgresMigrations(*migrate))
	if err != nil {
		logger.Error("failed to open postgres repository", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closer, ok := repo.(interface{ Close(context.Context) error }); ok {
			_ = closer.Close(context.Background())
		}
	}()

	ctx := context.Background()
	if err := storage.ImportSnapshotToPostgres(ctx, repo, snapshot); err != nil {
		logger.Error("failed to import snapshot", "error", err)
		os.Exit(1)
	}

	if err := verifyImported(ctx, dsn, snapshot); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	logger.Info("migration completed", "rooms", counts.Rooms)
}

// verifyImported checks that every snapshot room is present with the same
// status. Rooms already in Postgres but absent from the snapshot are ignored.
func verifyImported(ctx context.Context, dsn string, snapshot *storage.Snapshot) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	ids := make([]string, 0, len(snapshot.Rooms))
	for id := range snapshot.Rooms {
		ids = append(ids, id)
	}
	rows, err := pool.Query(ctx, "SELECT id, status FROM rooms WHERE id = ANY($1)", ids)
	if err != nil {
		return fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	found := 0
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return fmt.Errorf("scan room: %w", err)
		}
		if want := string(snapshot.Rooms[id].Status); status != want {
			return fmt.Errorf("room %s: expected status %s, got %s", id, want, status)
		}
		found++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate rooms: %w", err)
	}
	if found != len(ids) {
		return fmt.Errorf("mismatch for rooms: expected %d, got %d", len(ids), found)
	}
	return nil
}

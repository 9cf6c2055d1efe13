//go:build postgres

package storage

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// testPostgresDSN is resolved once per package run by TestMain.
var testPostgresDSN string

func TestMain(m *testing.M) {
	dsn := strings.TrimSpace(os.Getenv("LIVEROOM_TEST_POSTGRES_DSN"))
	var container string
	if dsn == "" {
		var err error
		dsn, container, err = startPostgresContainer()
		if err != nil {
			fmt.Fprintf(os.Stderr, "postgres tests skipped: %v\n", err)
		}
	}
	testPostgresDSN = dsn
	code := m.Run()
	if container != "" {
		_ = exec.Command("docker", "rm", "-f", container).Run()
	}
	os.Exit(code)
}

// startPostgresContainer runs a throwaway server on a random host port and
// waits until it accepts connections.
func startPostgresContainer() (dsn, container string, err error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return "", "", fmt.Errorf("LIVEROOM_TEST_POSTGRES_DSN not set and docker unavailable")
	}
	image := os.Getenv("LIVEROOM_TEST_POSTGRES_IMAGE")
	if image == "" {
		image = "postgres:15-alpine"
	}
	container = fmt.Sprintf("liveroom-postgres-test-%d", time.Now().UnixNano())
	out, err := exec.Command("docker", "run", "--rm", "--detach",
		"--name", container,
		"--publish", "127.0.0.1::5432",
		"--env", "POSTGRES_USER=liveroom",
		"--env", "POSTGRES_PASSWORD=liveroom",
		"--env", "POSTGRES_DB=liveroom_test",
		image,
	).CombinedOutput()
	if err != nil {
		return "", "", fmt.Errorf("start container: %v: %s", err, out)
	}

	out, err = exec.Command("docker", "port", container, "5432/tcp").Output()
	if err != nil {
		_ = exec.Command("docker", "rm", "-f", container).Run()
		return "", "", fmt.Errorf("resolve container port: %w", err)
	}
	hostPort := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	dsn = fmt.Sprintf("postgres://liveroom:liveroom@%s/liveroom_test?sslmode=disable", hostPort)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for {
		if pingPostgres(ctx, dsn) == nil {
			return dsn, container, nil
		}
		select {
		case <-ctx.Done():
			logs, _ := exec.Command("docker", "logs", container).CombinedOutput()
			_ = exec.Command("docker", "rm", "-f", container).Run()
			return "", "", fmt.Errorf("postgres did not become ready: %s", logs)
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func pingPostgres(ctx context.Context, dsn string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()
	return pool.Ping(ctx)
}

func postgresRepositoryFactory(t *testing.T, opts ...Option) (RoomStore, func(), error) {
	t.Helper()
	if testPostgresDSN == "" {
		t.Skip("no postgres available")
	}

	opts = append([]Option{WithPostgresMigrations(true)}, opts...)
	repo, err := NewPostgresRepository(testPostgresDSN, opts...)
	if err != nil {
		return nil, nil, err
	}
	pg := repo.(*postgresRepository)
	if _, err := pg.pool.Exec(context.Background(), "TRUNCATE TABLE rooms"); err != nil {
		t.Fatalf("truncate rooms: %v", err)
	}

	cleanup := func() {
		if _, err := pg.pool.Exec(context.Background(), "TRUNCATE TABLE rooms"); err != nil {
			t.Errorf("truncate rooms: %v", err)
		}
		if err := pg.Close(context.Background()); err != nil {
			t.Errorf("close repository: %v", err)
		}
	}
	return repo, cleanup, nil
}

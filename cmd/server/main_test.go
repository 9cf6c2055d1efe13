package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"liveroom/internal/auth"
	"liveroom/internal/redisconn"
	"liveroom/internal/testsupport/redisstub"
)

const testJWTSecret = "cmd-server-test-secret-0123"

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// clearLiveroomEnv blanks inherited LIVEROOM_* variables for the test.
func clearLiveroomEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if key, _, _ := strings.Cut(kv, "="); strings.HasPrefix(key, "LIVEROOM_") {
			t.Setenv(key, "")
		}
	}
}

func TestLoadSettingsDefaults(t *testing.T) {
	clearLiveroomEnv(t)
	t.Setenv("LIVEROOM_JWT_SECRET", testJWTSecret)
	t.Setenv("LIVEROOM_POSTGRES_DSN", "")
	t.Setenv("DATABASE_URL", "")

	cfg, err := loadSettings(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("loadSettings returned error: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("expected default addr :8080, got %q", cfg.Addr)
	}
	if cfg.StorageDriver != "json" {
		t.Fatalf("expected json driver without a DSN, got %q", cfg.StorageDriver)
	}
	if cfg.GraceWindow != 2*time.Minute || cfg.SilenceThreshold != time.Minute || cfg.SweepInterval != 30*time.Second {
		t.Fatalf("unexpected timing defaults: grace=%s silence=%s interval=%s", cfg.GraceWindow, cfg.SilenceThreshold, cfg.SweepInterval)
	}
	if !cfg.PromoteOnOffer {
		t.Fatal("expected promote-on-offer to default to true")
	}
	if cfg.NotifyDriver != "memory" {
		t.Fatalf("expected memory notify driver, got %q", cfg.NotifyDriver)
	}
}

func TestLoadSettingsFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("LIVEROOM_JWT_SECRET", testJWTSecret)
	t.Setenv("LIVEROOM_GRACE_WINDOW", "45s")
	t.Setenv("LIVEROOM_ADDR", ":9000")
	t.Setenv("LIVEROOM_SIGNALING_PROMOTE_ON_OFFER", "false")

	cfg, err := loadSettings(newFlagSet(), []string{"--addr", ":9100", "--silence-threshold", "90s"})
	if err != nil {
		t.Fatalf("loadSettings returned error: %v", err)
	}
	if cfg.Addr != ":9100" {
		t.Fatalf("expected flag addr, got %q", cfg.Addr)
	}
	if cfg.GraceWindow != 45*time.Second {
		t.Fatalf("expected env grace window, got %s", cfg.GraceWindow)
	}
	if cfg.SilenceThreshold != 90*time.Second {
		t.Fatalf("expected flag silence threshold, got %s", cfg.SilenceThreshold)
	}
	if cfg.PromoteOnOffer {
		t.Fatal("expected env to disable promote-on-offer")
	}

	cfg, err = loadSettings(newFlagSet(), []string{"--signaling-promote-on-offer=true"})
	if err != nil {
		t.Fatalf("loadSettings returned error: %v", err)
	}
	if !cfg.PromoteOnOffer {
		t.Fatal("expected explicit flag to win over env")
	}
}

func TestLoadSettingsPicksPostgresFromDSN(t *testing.T) {
	t.Setenv("LIVEROOM_JWT_SECRET", testJWTSecret)
	t.Setenv("DATABASE_URL", "postgres://liveroom@localhost/liveroom")

	cfg, err := loadSettings(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("loadSettings returned error: %v", err)
	}
	if cfg.StorageDriver != "postgres" {
		t.Fatalf("expected postgres driver, got %q", cfg.StorageDriver)
	}
}

func TestSettingsValidation(t *testing.T) {
	base := settings{
		StorageDriver:    "json",
		NotifyDriver:     "memory",
		JWTSecret:        testJWTSecret,
		GraceWindow:      time.Minute,
		SilenceThreshold: time.Minute,
		SweepInterval:    time.Second,
	}
	cases := []struct {
		name   string
		mutate func(*settings)
		want   string
	}{
		{"valid", func(*settings) {}, ""},
		{"missing secret", func(s *settings) { s.JWTSecret = "" }, "jwt secret"},
		{"postgres without dsn", func(s *settings) { s.StorageDriver = "postgres" }, "without DSN"},
		{"unknown driver", func(s *settings) { s.StorageDriver = "sqlite" }, "unsupported storage driver"},
		{"redis notify without addr", func(s *settings) { s.NotifyDriver = "redis" }, "redis notify driver"},
		{"sweep lock without redis", func(s *settings) { s.SweepLockRedis = true }, "sweep lock"},
		{"half tls", func(s *settings) { s.TLSCert = "cert.pem" }, "TLS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("expected valid settings, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestResolveHelpers(t *testing.T) {
	t.Setenv("LIVEROOM_TEST_INT", "7")
	t.Setenv("LIVEROOM_TEST_DURATION", "3s")
	t.Setenv("LIVEROOM_TEST_BOOL", "true")

	if got := resolveInt(0, "LIVEROOM_TEST_INT"); got != 7 {
		t.Fatalf("resolveInt = %d, want 7", got)
	}
	if got := resolveInt(2, "LIVEROOM_TEST_INT"); got != 2 {
		t.Fatalf("resolveInt flag = %d, want 2", got)
	}
	if got := resolveDuration(0, "LIVEROOM_TEST_DURATION", time.Minute); got != 3*time.Second {
		t.Fatalf("resolveDuration = %s, want 3s", got)
	}
	if got := resolveDuration(0, "LIVEROOM_TEST_MISSING", time.Minute); got != time.Minute {
		t.Fatalf("resolveDuration fallback = %s, want 1m", got)
	}
	if !resolveBool(false, "LIVEROOM_TEST_BOOL") {
		t.Fatal("resolveBool expected env true")
	}
	if got := splitAndTrim(" a, ,b "); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("splitAndTrim = %v", got)
	}
	if got := firstNonEmpty("", "  ", "x"); got != "x" {
		t.Fatalf("firstNonEmpty = %q", got)
	}
}

func testSettings(t *testing.T) settings {
	t.Helper()
	return settings{
		Addr:             "127.0.0.1:0",
		ShutdownTimeout:  2 * time.Second,
		InstanceID:       "test",
		StorageDriver:    "json",
		DataPath:         filepath.Join(t.TempDir(), "rooms.json"),
		GraceWindow:      time.Minute,
		SilenceThreshold: time.Minute,
		SweepInterval:    time.Hour,
		OperationTimeout: time.Second,
		PromoteOnOffer:   true,
		NotifyDriver:     "memory",
		JWTSecret:        testJWTSecret,
		CreateWindow:     time.Minute,
	}
}

func startRun(t *testing.T, cfg settings) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), ready)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("run did not stop after cancel")
		}
	})

	select {
	case addr := <-ready:
		return "http://" + addr.String()
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}
	return ""
}

func createRoom(t *testing.T, baseURL string) {
	t.Helper()
	tokens, err := auth.NewTokens(testJWTSecret)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	token, _, err := tokens.Issue("owner-1", "Owner")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, baseURL+"/api/rooms", strings.NewReader(`{"title":"Boot check"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
}

func TestRunServesAndShutsDown(t *testing.T) {
	baseURL := startRun(t, testSettings(t))

	resp, err := http.Get(baseURL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy server, got %d", resp.StatusCode)
	}
	createRoom(t, baseURL)
}

func TestRunWithRedisTransports(t *testing.T) {
	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })

	cfg := testSettings(t)
	cfg.NotifyDriver = "redis"
	cfg.SweepLockRedis = true
	cfg.CreateLimit = 5
	cfg.Redis = redisconn.Config{Addr: stub.Addr()}

	baseURL := startRun(t, cfg)
	createRoom(t, baseURL)

	resp, err := http.Get(baseURL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `"redis"`) {
		t.Fatalf("expected redis in health components, got %s", body)
	}
}

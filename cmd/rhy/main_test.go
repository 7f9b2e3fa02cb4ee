package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/rhythms/internal/config"
	"github.com/zulandar/rhythms/internal/db"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rhythms.yaml")
	body := fmt.Sprintf(`database:
  driver: sqlite
  path: %s
chat:
  platform: console
log:
  level: error
users:
  - handle: alice
    chat_user_id: U1
    github_login: alice
`, filepath.Join(dir, "rhythms.db"))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "rhy dev") {
		t.Errorf("expected output to contain 'rhy dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "rhy 1.0.0") || !strings.Contains(out, "built: 2026-01-01") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestRootCmdHelp(t *testing.T) {
	out, err := run(t, "--help")
	if err != nil {
		t.Fatalf("help failed: %v", err)
	}
	for _, sub := range []string{"start", "serve", "db", "user", "sessions", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing %q", sub)
		}
	}
}

func TestDBMigrate(t *testing.T) {
	path := writeConfig(t)
	out, err := run(t, "-c", path, "db", "migrate")
	if err != nil {
		t.Fatalf("db migrate: %v\n%s", err, out)
	}
	want := fmt.Sprintf("Migrated %d tables (sqlite)", len(db.AllModels()))
	if !strings.Contains(out, want) {
		t.Errorf("output = %q, want %q", out, want)
	}
	if !strings.Contains(out, "Seeded 1 users") {
		t.Errorf("output = %q, want seeded count", out)
	}
}

func TestDBMigrate_MissingConfig(t *testing.T) {
	_, err := run(t, "-c", filepath.Join(t.TempDir(), "nope.yaml"), "db", "migrate")
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("err = %v, want load config error", err)
	}
}

func TestUserAddAndList(t *testing.T) {
	path := writeConfig(t)
	if out, err := run(t, "-c", path, "db", "migrate"); err != nil {
		t.Fatalf("db migrate: %v\n%s", err, out)
	}

	out, err := run(t, "-c", path, "user", "add", "bob", "--chat-id", "U2", "--tz", "Europe/Berlin", "--schedule", "30 8 * * 1-5")
	if err != nil {
		t.Fatalf("user add: %v\n%s", err, out)
	}
	if !strings.Contains(out, "User bob saved") {
		t.Errorf("add output = %q", out)
	}

	out, err = run(t, "-c", path, "user", "list")
	if err != nil {
		t.Fatalf("user list: %v", err)
	}
	for _, want := range []string{"HANDLE", "alice", "bob", "Europe/Berlin", "30 8 * * 1-5", config.DefaultSchedule + " (default)"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q:\n%s", want, out)
		}
	}
}

func TestUserAdd_Validation(t *testing.T) {
	path := writeConfig(t)
	if _, err := run(t, "-c", path, "user", "add", "bob", "--tz", "Mars/Olympus"); err == nil {
		t.Error("expected error for bad timezone")
	}
	if _, err := run(t, "-c", path, "user", "add", "bob", "--schedule", "every day"); err == nil {
		t.Error("expected error for bad schedule")
	}
}

func TestSessionsList_Empty(t *testing.T) {
	path := writeConfig(t)
	if out, err := run(t, "-c", path, "db", "migrate"); err != nil {
		t.Fatalf("db migrate: %v\n%s", err, out)
	}
	out, err := run(t, "-c", path, "sessions", "list", "alice")
	if err != nil {
		t.Fatalf("sessions list: %v", err)
	}
	if !strings.Contains(out, "No saved sessions for alice") {
		t.Errorf("output = %q", out)
	}

	if _, err := run(t, "-c", path, "sessions", "list", "ghost"); err == nil {
		t.Error("expected error for unknown owner")
	}
	if _, err := run(t, "-c", path, "sessions", "show", "alice-20260101-000000-deadbeef"); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestConsoleUser(t *testing.T) {
	path := writeConfig(t)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	gormDB, err := openDB(cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	if _, err := consoleUser(gormDB, ""); err == nil || !strings.Contains(err.Error(), "no users") {
		t.Errorf("empty db: err = %v", err)
	}
	if err := seedConfiguredUsers(gormDB, cfg); err != nil {
		t.Fatalf("seed: %v", err)
	}
	u, err := consoleUser(gormDB, "")
	if err != nil {
		t.Fatalf("single user: %v", err)
	}
	if u.Handle != "alice" || u.ChatUserID != "U1" {
		t.Errorf("user = %+v", u)
	}
	if _, err := consoleUser(gormDB, "ghost"); err == nil {
		t.Error("expected error for unknown handle")
	}
}

func TestCreateAdapter_UnknownPlatform(t *testing.T) {
	cfg := &config.Config{Chat: config.ChatConfig{Platform: "irc"}}
	if _, _, err := createAdapter(newRootCmd(), nil, cfg, "", nil); err == nil {
		t.Fatal("expected error for unsupported platform")
	}
}

func TestServePort(t *testing.T) {
	cfg := &config.Config{API: config.APIConfig{Port: 9090}}
	if got := servePort(0, cfg); got != 9090 {
		t.Errorf("servePort(0) = %d, want 9090", got)
	}
	if got := servePort(7000, cfg); got != 7000 {
		t.Errorf("servePort(7000) = %d, want 7000", got)
	}
}

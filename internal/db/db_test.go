package db

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/rhythms/internal/config"
	"github.com/zulandar/rhythms/internal/models"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want []string
	}{
		{
			name: "default local",
			cfg:  config.DatabaseConfig{Host: "127.0.0.1", Port: 3306, User: "root", Name: "rhythms"},
			want: []string{"root@tcp(127.0.0.1:3306)/rhythms", "parseTime=true"},
		},
		{
			name: "with password",
			cfg:  config.DatabaseConfig{Host: "db.internal", Port: 3307, User: "rhythms", Password: "s3cret", Name: "standups"},
			want: []string{"rhythms:s3cret@tcp(db.internal:3307)/standups"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.cfg)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("DSN() = %q, want to contain %q", got, w)
				}
			}
		})
	}
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{Driver: "postgres"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("error = %q", err)
	}
}

func TestConnect_SQLiteAndMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rhythms.db")
	gdb, err := Connect(config.DatabaseConfig{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, m := range AllModels() {
		if !gdb.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}
}

func TestAllModels_Count(t *testing.T) {
	if got := len(AllModels()); got != 4 {
		t.Errorf("len(AllModels()) = %d, want 4", got)
	}
}

func TestSeedUsers_Upsert(t *testing.T) {
	gdb, err := Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}

	users := []config.UserConfig{
		{Handle: "alice", ChatUserID: "U01", GitHubLogin: "alice-gh"},
		{Handle: "bob"},
	}
	if err := SeedUsers(gdb, users); err != nil {
		t.Fatalf("SeedUsers: %v", err)
	}

	// Re-seeding with changed fields updates in place.
	users[0].ChatUserID = "U99"
	users[0].Timezone = "UTC"
	if err := SeedUsers(gdb, users); err != nil {
		t.Fatalf("SeedUsers (again): %v", err)
	}

	var count int64
	gdb.Model(&models.User{}).Count(&count)
	if count != 2 {
		t.Fatalf("user count = %d, want 2", count)
	}

	var alice models.User
	if err := gdb.Where("handle = ?", "alice").First(&alice).Error; err != nil {
		t.Fatalf("load alice: %v", err)
	}
	if alice.ChatUserID != "U99" {
		t.Errorf("ChatUserID = %q, want U99", alice.ChatUserID)
	}
	if alice.GitHubLogin != "alice-gh" {
		t.Errorf("GitHubLogin = %q, want alice-gh", alice.GitHubLogin)
	}

	var bob models.User
	gdb.Where("handle = ?", "bob").First(&bob)
	if bob.Timezone != config.DefaultTimezone {
		t.Errorf("bob Timezone = %q, want %q", bob.Timezone, config.DefaultTimezone)
	}
}

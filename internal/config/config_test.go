package config

import (
	"os"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp("", "driftdb-test-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
node:
  identity: alice
  data_dir: /tmp/driftdb

blocks:
  backend: postgres
  cache_size: 512
  postgres:
    host: localhost
    database: blocks
    user: driftdb
    password: ${DRIFTDB_TEST_PASSWORD}

pubsub:
  relay_url: ws://localhost:7400/ws

replication:
  max_attempts: 3
  initial_interval: 250ms
  max_history: 100

access:
  writers:
    - alice
    - bob

alerts:
  enabled: false
`)
	t.Setenv("DRIFTDB_TEST_PASSWORD", "secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Node.Identity != "alice" {
		t.Errorf("expected node.identity=alice, got %s", cfg.Node.Identity)
	}
	if cfg.Blocks.Postgres.Password != "secret" {
		t.Errorf("expected expanded password, got %q", cfg.Blocks.Postgres.Password)
	}
	if cfg.Blocks.Postgres.Port != 5432 {
		t.Errorf("expected default port 5432, got %d", cfg.Blocks.Postgres.Port)
	}
	if cfg.Replication.InitialInterval != 250*time.Millisecond {
		t.Errorf("expected initial_interval=250ms, got %s", cfg.Replication.InitialInterval)
	}
	if cfg.Replication.MaxInterval != 5*time.Second {
		t.Errorf("expected default max_interval, got %s", cfg.Replication.MaxInterval)
	}
	if *cfg.Replication.MaxHistory != 100 {
		t.Errorf("expected max_history=100, got %d", *cfg.Replication.MaxHistory)
	}
	if len(cfg.Access.Writers) != 2 {
		t.Errorf("expected 2 writers, got %d", len(cfg.Access.Writers))
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
blocks:
  backend: memory
logging:
  level: info
`)
	t.Setenv("DRIFTDB_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected env override logging.level=debug, got %s", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/driftdb.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "empty config gets defaults",
			config:  Config{},
			wantErr: false,
		},
		{
			name: "postgres without host",
			config: Config{
				Blocks: BlocksConfig{
					Backend:  BackendPostgres,
					Postgres: DatabaseConfig{Database: "blocks", User: "driftdb"},
				},
			},
			wantErr: true,
		},
		{
			name:    "unknown backend",
			config:  Config{Blocks: BlocksConfig{Backend: "s3"}},
			wantErr: true,
		},
		{
			name: "intervals out of order",
			config: Config{
				Replication: ReplicationConfig{InitialInterval: time.Second, MaxInterval: time.Millisecond},
			},
			wantErr: true,
		},
		{
			name:    "negative peer check interval",
			config:  Config{Replication: ReplicationConfig{PeerCheckInterval: -time.Second}},
			wantErr: true,
		},
		{
			name:    "alerts without webhook",
			config:  Config{Alerts: AlertsConfig{Enabled: true}},
			wantErr: true,
		},
		{
			name:    "bad log format",
			config:  Config{Logging: LoggingConfig{Format: "xml"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if c.Blocks.Backend != BackendBolt {
		t.Errorf("expected bolt backend, got %s", c.Blocks.Backend)
	}
	if c.Blocks.Path != "./data/blocks.db" {
		t.Errorf("expected blocks path under data dir, got %s", c.Blocks.Path)
	}
	if c.Replication.MaxAttempts != 5 || c.Replication.FetchConcurrency != 8 || c.Replication.PeerCheckInterval != time.Second {
		t.Errorf("unexpected replication defaults %+v", c.Replication)
	}
	if *c.Replication.MaxHistory != -1 {
		t.Errorf("expected unbounded history, got %d", *c.Replication.MaxHistory)
	}
	if len(c.Access.Writers) != 1 || c.Access.Writers[0] != "*" {
		t.Errorf("expected wildcard writers, got %v", c.Access.Writers)
	}
}

func TestConnectionString(t *testing.T) {
	db := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		Database: "testdb",
		User:     "testuser",
		Password: "testpass",
	}

	connStr := db.ConnectionString()
	expected := "host=localhost port=5432 dbname=testdb user=testuser password=testpass sslmode=disable"

	if connStr != expected {
		t.Errorf("ConnectionString() = %v, want %v", connStr, expected)
	}
}

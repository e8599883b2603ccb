package config

import (
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("MONGODB_URI", "mongodb://localhost:27017/testdb")
	t.Setenv("MONGODB_DATABASE", "docstream_test")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.MongoDB.URI != "mongodb://localhost:27017/testdb" {
		t.Fatalf("unexpected mongo uri: %q", cfg.MongoDB.URI)
	}
	if cfg.MongoDB.Database != "docstream_test" {
		t.Fatalf("unexpected database: %q", cfg.MongoDB.Database)
	}
	if cfg.MongoDB.Timeout != 10*time.Second {
		t.Fatalf("unexpected default timeout: %v", cfg.MongoDB.Timeout)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("unexpected log level: %q", cfg.Log.Level)
	}
}

func TestLoadConfigRequiresURI(t *testing.T) {
	t.Setenv("MONGODB_URI", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected an error when MONGODB_URI is unset")
	}
}

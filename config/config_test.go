package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.ServerAddr != ":8080" || cfg.RedisPort != "6379" || cfg.RedisDB != 0 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.RoomTTL != 24*time.Hour || cfg.QueueSyncMinInterval != 30*time.Second || cfg.JobConcurrency != 8 {
		t.Fatalf("unexpected job defaults: %+v", cfg)
	}
	if cfg.MinioUseSSL {
		t.Fatal("minio ssl should default to off")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9999")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("ROOM_TTL", "90m")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("DB_PASSWORD", "pw")

	cfg := Load()
	if cfg.ServerAddr != ":9999" || cfg.RedisDB != 3 || cfg.RoomTTL != 90*time.Minute || !cfg.MinioUseSSL || cfg.DBPassword != "pw" {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("REDIS_DB", "three")
	t.Setenv("ROOM_TTL", "a day")
	t.Setenv("MINIO_USE_SSL", "maybe")

	cfg := Load()
	if cfg.RedisDB != 0 || cfg.RoomTTL != 24*time.Hour || cfg.MinioUseSSL {
		t.Fatalf("malformed values should use defaults: %+v", cfg)
	}
}

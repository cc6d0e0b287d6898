package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate(): %v", err)
	}
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Memory.Retention() != 4*time.Hour {
		t.Errorf("retention: got %v, want 4h", cfg.Memory.Retention())
	}
	if !cfg.Backup.Compress || cfg.Backup.Keep != 7 {
		t.Errorf("backup defaults: got %+v", cfg.Backup)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mnemos.yaml")
	data := `
storage:
  path: /var/lib/mnemos/memory.db
memory:
  retention_period: 90m
  cache_capacity: 16
backup:
  compress: false
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Path != "/var/lib/mnemos/memory.db" {
		t.Errorf("storage.path: got %q", cfg.Storage.Path)
	}
	if cfg.Memory.Retention() != 90*time.Minute || cfg.Memory.CacheCapacity != 16 {
		t.Errorf("memory: got %+v", cfg.Memory)
	}
	if cfg.Backup.Compress {
		t.Error("backup.compress: got true, want false from file")
	}
	// Keys absent from the file keep their defaults.
	if cfg.Memory.ContextDepth != 8 || cfg.Maintenance.RetentionDays != 30 {
		t.Errorf("defaults lost: depth=%d retention_days=%d",
			cfg.Memory.ContextDepth, cfg.Maintenance.RetentionDays)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MNEMOS_STORAGE_PATH", "/tmp/env.db")
	t.Setenv("MNEMOS_BACKUP_KEEP", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Path != "/tmp/env.db" {
		t.Errorf("storage.path: got %q", cfg.Storage.Path)
	}
	if cfg.Backup.Keep != 3 {
		t.Errorf("backup.keep: got %d, want 3", cfg.Backup.Keep)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Memory.RetentionPeriod = "soon"
	cfg.Memory.ConfidenceThreshold = 1.5
	cfg.Embedding.Provider = "carrier-pigeon"
	cfg.Backup.Schedule = "whenever"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"retention_period", "confidence_threshold", "carrier-pigeon", "backup.schedule"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mnemos.yaml")
	cfg := Default()
	cfg.Embedding.Provider = "openai"
	cfg.Embedding.Model = "text-embedding-3-large"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Embedding != cfg.Embedding {
		t.Errorf("embedding: got %+v, want %+v", got.Embedding, cfg.Embedding)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode: got %v, want 0600", info.Mode().Perm())
	}
}

func TestMap_Nested(t *testing.T) {
	m := Default().Map()
	storage, ok := m["storage"].(map[string]any)
	if !ok {
		t.Fatalf("storage: got %T", m["storage"])
	}
	if storage["path"] != "mnemos.db" {
		t.Errorf("storage.path: got %v", storage["path"])
	}
}

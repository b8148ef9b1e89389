package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"fwbids/catalog"
	"fwbids/config"
)

func testEnv(t *testing.T) *LocalEnv {
	t.Helper()
	cfg, err := config.LoadConfiguration("")
	if err != nil {
		t.Fatalf("LoadConfiguration() error = %v", err)
	}
	cfg.Platform.Database = filepath.Join(t.TempDir(), "store.db")
	env := EnvFromContext(ContextWithEnv(context.Background()))
	env.Cfg = cfg
	env.Log = zaptest.NewLogger(t)
	t.Cleanup(func() { env.Close() })
	return env
}

func TestContextWithEnv(t *testing.T) {
	env := EnvFromContext(ContextWithEnv(context.Background()))
	if env == nil {
		t.Fatal("EnvFromContext() returned nil")
	}
	if env.start.IsZero() {
		t.Error("Environment start time not set")
	}
}

func TestEnvFromContext_PanicsWithoutEnv(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic when env not in context")
		}
	}()
	EnvFromContext(context.Background())
}

func TestLocalEnv_Uptime(t *testing.T) {
	env := &LocalEnv{start: time.Now()}
	time.Sleep(10 * time.Millisecond)
	if uptime := env.Uptime(); uptime < 10*time.Millisecond {
		t.Errorf("Uptime() = %v, expected at least 10ms", uptime)
	}
}

func TestLocalEnv_RedirectAndRestore(t *testing.T) {
	env := &LocalEnv{
		Log: zaptest.NewLogger(t, zaptest.WrapOptions(zap.AddCaller(), zap.AddCallerSkip(1))),
	}
	for i := range 3 {
		env.RedirectStdLog()
		if env.restoreStdLog == nil {
			t.Errorf("Iteration %d: restoreStdLog not set", i)
		}
		env.RestoreStdLog()
	}

	t.Run("without logger", func(t *testing.T) {
		env := &LocalEnv{}
		env.RedirectStdLog()
		if env.restoreStdLog != nil {
			t.Error("Expected restoreStdLog to remain nil")
		}
		env.RestoreStdLog()
	})
}

func TestLocalEnv_Platform(t *testing.T) {
	env := testEnv(t)

	s1, err := env.Platform()
	if err != nil {
		t.Fatalf("Platform() error = %v", err)
	}
	s2, err := env.Platform()
	if err != nil {
		t.Fatalf("Platform() error = %v", err)
	}
	if s1 != s2 {
		t.Error("Platform() should return the same store")
	}
	if _, err := os.Stat(env.Cfg.Platform.Database); err != nil {
		t.Errorf("store database not created: %v", err)
	}
	if err := env.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := env.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestLocalEnv_CurationOptions(t *testing.T) {
	t.Run("embedded catalog", func(t *testing.T) {
		env := testEnv(t)
		env.Cfg.Curation.Reset = true
		opts, err := env.CurationOptions()
		if err != nil {
			t.Fatalf("CurationOptions() error = %v", err)
		}
		if opts.Catalog == nil || opts.Validator == nil || !opts.Reset {
			t.Errorf("CurationOptions() = %+v", opts)
		}
		again, _ := env.CurationOptions()
		if again.Catalog != opts.Catalog {
			t.Error("catalog should be loaded once")
		}
	})

	t.Run("catalog from file", func(t *testing.T) {
		env := testEnv(t)
		p := filepath.Join(t.TempDir(), "templates.yaml")
		if err := os.WriteFile(p, catalog.DefaultBytes(), 0644); err != nil {
			t.Fatal(err)
		}
		env.Cfg.Curation.TemplatesPath = p
		opts, err := env.CurationOptions()
		if err != nil {
			t.Fatalf("CurationOptions() error = %v", err)
		}
		if _, ok := opts.Catalog.Definition("anat_file"); !ok {
			t.Error("anat_file definition missing")
		}
	})

	t.Run("missing catalog", func(t *testing.T) {
		env := testEnv(t)
		env.Cfg.Curation.TemplatesPath = filepath.Join(t.TempDir(), "missing.yaml")
		if _, err := env.CurationOptions(); err == nil {
			t.Error("Expected error for missing catalog")
		}
	})
}

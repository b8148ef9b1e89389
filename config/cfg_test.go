package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rupor-github/gencfg"

	"fwbids/common"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return p
}

func TestLoadConfiguration_NoFile(t *testing.T) {
	cfg, err := LoadConfiguration("")
	if err != nil {
		t.Fatalf("LoadConfiguration() with empty path error = %v", err)
	}
	if cfg.Version != 1 {
		t.Errorf("Default config version = %d, want 1", cfg.Version)
	}
	if cfg.Upload.Hierarchy != common.HierarchyTypeBids {
		t.Errorf("Upload.Hierarchy = %v, want bids", cfg.Upload.Hierarchy)
	}
	if !cfg.Export.Sidecars || !cfg.Export.DatasetDescription {
		t.Errorf("Export = %+v", cfg.Export)
	}
	if !cfg.Upload.AttachSidecars {
		t.Error("AttachSidecars should be enabled by default")
	}
	if len(cfg.Platform.Database) == 0 {
		t.Error("Platform.Database should have default")
	}
	// name template is expanded per archive, not when configuration is loaded
	if !strings.Contains(cfg.Archive.NameTemplate, "{{ .Project }}") {
		t.Errorf("Archive.NameTemplate = %q", cfg.Archive.NameTemplate)
	}
}

func TestLoadConfiguration_WithFile(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, `version: 1
platform:
  database: `+filepath.Join(dir, "store.db")+`
curation:
  reset: true
upload:
  hierarchy: flywheel
  zip_code_page: cp866
archive:
  name_template: "{{ .Project | lower }}/{{ .Date }}"
  transliterate: true
logging:
  console:
    level: debug
  file:
    level: debug
    destination: `+filepath.Join(dir, "fwbids.log")+`
    mode: append
reporting:
  destination: `+filepath.Join(dir, "report.zip")+`
`)

	cfg, err := LoadConfiguration(p)
	if err != nil {
		t.Fatalf("LoadConfiguration() error = %v", err)
	}
	if cfg.Upload.Hierarchy != common.HierarchyTypeFlywheel {
		t.Errorf("Upload.Hierarchy = %v, want flywheel", cfg.Upload.Hierarchy)
	}
	if cfg.Upload.ZipCodePage != "cp866" {
		t.Errorf("Upload.ZipCodePage = %q", cfg.Upload.ZipCodePage)
	}
	if !cfg.Curation.Reset {
		t.Error("Expected Curation.Reset to be true")
	}
	if cfg.Archive.NameTemplate != "{{ .Project | lower }}/{{ .Date }}" || !cfg.Archive.Transliterate {
		t.Errorf("Archive = %+v", cfg.Archive)
	}
	if cfg.Logging.FileLogger.Mode != "append" {
		t.Errorf("FileLogger.Mode = %q", cfg.Logging.FileLogger.Mode)
	}
	// values absent from file keep defaults
	if !cfg.Export.Sidecars {
		t.Error("Export.Sidecars should keep default value")
	}
	if cfg.Platform.Database != filepath.Join(dir, "store.db") {
		t.Errorf("Platform.Database = %q", cfg.Platform.Database)
	}
}

func TestLoadConfiguration_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"invalid yaml", "version: 1\nexport:\n  sidecars: true\n  invalid indent\n"},
		{"unknown field", "version: 1\nunknown_field: value\n"},
		{"unknown version", "version: 2\n"},
		{"unknown hierarchy", "version: 1\nupload:\n  hierarchy: xnat\n"},
		{"bad console level", "version: 1\nlogging:\n  console:\n    level: loud\n"},
		{"empty name template", "version: 1\narchive:\n  name_template: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfiguration(writeConfig(t, tt.content)); err == nil {
				t.Error("Expected error")
			}
		})
	}

	t.Run("nonexistent file", func(t *testing.T) {
		if _, err := LoadConfiguration("/nonexistent/config.yaml"); err == nil {
			t.Error("Expected error for nonexistent file")
		}
	})
}

func TestLoadConfiguration_WithOptions(t *testing.T) {
	option := func(opts *gencfg.ProcessingOptions) {}
	cfg, err := LoadConfiguration("", option)
	if err != nil {
		t.Fatalf("LoadConfiguration() with options error = %v", err)
	}
	if cfg == nil {
		t.Fatal("LoadConfiguration() returned nil config")
	}
}

func TestPrepare(t *testing.T) {
	data, err := Prepare()
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if _, err := unmarshalConfig(data, &Config{}, true); err != nil {
		t.Errorf("Prepared config is not valid: %v", err)
	}
}

func TestDump(t *testing.T) {
	cfg, err := LoadConfiguration("")
	if err != nil {
		t.Fatalf("LoadConfiguration() error = %v", err)
	}
	cfg.Upload.Hierarchy = common.HierarchyTypeFlywheel

	data, err := Dump(cfg)
	if err != nil {
		t.Fatalf("Dump() error = %v", err)
	}
	if !strings.Contains(string(data), "hierarchy: flywheel") {
		t.Errorf("Dump() does not name hierarchy:\n%s", data)
	}

	cfg2, err := unmarshalConfig(data, &Config{}, false)
	if err != nil {
		t.Fatalf("Dumped config cannot be loaded: %v", err)
	}
	if cfg2.Upload.Hierarchy != cfg.Upload.Hierarchy || cfg2.Archive.NameTemplate != cfg.Archive.NameTemplate {
		t.Errorf("Config mismatch after dump/load: %+v", cfg2)
	}
}

func TestUnmarshalConfig_WrapsValidationError(t *testing.T) {
	data, err := Prepare()
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	data = []byte(strings.Replace(string(data), "version: 1", "version: 99", 1))

	_, err = unmarshalConfig(data, &Config{}, true)
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if !strings.Contains(err.Error(), "validat") {
		t.Errorf("expected error to mention validation, got: %v", err)
	}
	if errors.Unwrap(err) == nil {
		t.Errorf("expected wrapped error, got bare error: %v", err)
	}
}

func TestCleanFileName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"study", "study"},
		{"a/b", "ab"},
		{"tab\there", "tabhere"},
		{"", badFileName},
		{"/", badFileName},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := CleanFileName(tt.in); got != tt.want {
				t.Errorf("CleanFileName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v3"

	"github.com/rupor-github/gencfg"

	"fwbids/common"
)

//go:embed config.yaml.tmpl
var ConfigTmpl []byte

type (
	TemplateFieldName string

	PlatformConfig struct {
		Database string `yaml:"database" sanitize:"path_clean,assure_dir_exists_for_file" validate:"required,filepath"`
	}

	CurationConfig struct {
		// external template catalog, embedded default is used when empty
		TemplatesPath string `yaml:"templates_path,omitempty" sanitize:"assure_file_access"`
		Reset         bool   `yaml:"reset"`
		// keep curated metadata in memory only, do not store it back
		DryRun bool `yaml:"dry_run"`
	}

	ExportConfig struct {
		Sidecars           bool `yaml:"sidecars"`
		DatasetDescription bool `yaml:"dataset_description"`
		SourceData         bool `yaml:"source_data"`
		SkipExisting       bool `yaml:"skip_existing"`
	}

	UploadConfig struct {
		Hierarchy      common.HierarchyType `yaml:"hierarchy" validate:"gte=0"`
		AttachSidecars bool                 `yaml:"attach_sidecars"`
		SourceData     bool                 `yaml:"source_data"`
		// IANA name of code page for non UTF-8 file names in zip archives
		ZipCodePage string `yaml:"zip_code_page,omitempty"`
	}

	ArchiveConfig struct {
		NameTemplate  string `yaml:"name_template" validate:"required"`
		Transliterate bool   `yaml:"transliterate"`
	}

	Config struct {
		Version   int            `yaml:"version" validate:"eq=1"`
		Platform  PlatformConfig `yaml:"platform"`
		Curation  CurationConfig `yaml:"curation"`
		Export    ExportConfig   `yaml:"export"`
		Upload    UploadConfig   `yaml:"upload"`
		Archive   ArchiveConfig  `yaml:"archive"`
		Logging   LoggingConfig  `yaml:"logging"`
		Reporting ReporterConfig `yaml:"reporting"`
	}
)

// NOTE: must match yaml field names above
const ArchiveNameTemplateFieldName TemplateFieldName = "name_template"

// replacement for names which have nothing left after cleaning
const badFileName = "_bad_file_name_"

var requiredOptions = append([]func(*gencfg.ProcessingOptions){},
	gencfg.WithDoNotExpandField(string(ArchiveNameTemplateFieldName)),
)

func unmarshalConfig(data []byte, cfg *Config, process bool) (*Config, error) {
	// only fields we defined are allowed, so no yaml.Unmarshal here
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration data: %w", err)
	}
	if process {
		if err := gencfg.Sanitize(cfg); err != nil {
			return nil, fmt.Errorf("failed to sanitize configuration: %w", err)
		}
		if err := gencfg.Validate(cfg); err != nil {
			return nil, fmt.Errorf("failed to validate configuration: %w", err)
		}
	}
	return cfg, nil
}

// LoadConfiguration reads the configuration from the file at the given path,
// superimposes its values on top of expanded configuration template to
// provide sane defaults and performs validation.
func LoadConfiguration(path string, options ...func(*gencfg.ProcessingOptions)) (*Config, error) {
	haveFile := len(path) > 0

	data, err := gencfg.Process(ConfigTmpl, append(requiredOptions, options...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to process configuration template: %w", err)
	}
	cfg, err := unmarshalConfig(data, &Config{}, !haveFile)
	if err != nil {
		return nil, fmt.Errorf("failed to process configuration template: %w", err)
	}
	if !haveFile {
		return cfg, nil
	}

	// overwrite cfg values with values from the file
	data, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err = unmarshalConfig(data, cfg, haveFile)
	if err != nil {
		return nil, fmt.Errorf("failed to process configuration file: %w", err)
	}
	return cfg, nil
}

// Prepare generates configuration file from template and returns it as a byte
// slice.
func Prepare() ([]byte, error) {
	return gencfg.Process(ConfigTmpl, requiredOptions...)
}

func Dump(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(*cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config to yaml: %w", err)
	}
	return data, nil
}

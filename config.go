package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Default names for the hard-coded expectations of the storage-platform
// schema. Each is a single config edit away from a different target.
const (
	defaultHazardTable   = "storage.prefixes"
	defaultVaultTable    = "vault.secrets"
	defaultMaintenanceDB = "postgres"
	defaultPort          = 5432
	defaultSchemaFile    = "schema.sql"
	defaultDataFile      = "data.sql"
	defaultManifestFile  = ".cutover-manifest.db"
)

// Config holds the full TOML-driven cutover configuration.
type Config struct {
	Target     TargetConfig     `toml:"target"`
	Artifacts  ArtifactsConfig  `toml:"artifacts"`
	Cleaner    CleanerConfig    `toml:"cleaner"`
	Mitigation MitigationConfig `toml:"mitigation"`
	Hooks      HooksConfig      `toml:"hooks"`
	Storage    StorageConfig    `toml:"storage"`

	// configDir is the directory containing the TOML file, used to resolve
	// relative artifact and hook paths.
	configDir string
}

// TargetConfig identifies the database the import runs against.
// The client prompts for the password itself; it is never configured here.
type TargetConfig struct {
	Endpoint            string `toml:"endpoint"`
	Port                int    `toml:"port"`
	Database            string `toml:"database"`
	User                string `toml:"user"`
	MaintenanceDatabase string `toml:"maintenance_database"`
}

// ArtifactsConfig names the two SQL dump files the import consumes.
type ArtifactsConfig struct {
	SchemaFile string `toml:"schema_file"`
	DataFile   string `toml:"data_file"`
}

// CleanerConfig controls artifact cleaning. When Command is set, cleaning is
// delegated to that external program (invoked once per artifact, exit code is
// the whole contract); otherwise the built-in dump cleaner runs.
type CleanerConfig struct {
	Command           string   `toml:"command"`
	DropRoles         []string `toml:"drop_roles"`
	DropExtensions    []string `toml:"drop_extensions"`
	DropSetParameters []string `toml:"drop_set_parameters"`
}

// MitigationConfig names the tables with known reimport hazards.
type MitigationConfig struct {
	TruncateTable string `toml:"truncate_table"`
	VaultTable    string `toml:"vault_table"`
}

// HooksConfig lists SQL files executed through the client after data import.
type HooksConfig struct {
	AfterImport []string `toml:"after_import"`
}

// StorageConfig drives the object-storage migration to S3.
type StorageConfig struct {
	Bucket          string `toml:"bucket"`
	Region          string `toml:"region"`
	Prefix          string `toml:"prefix"`
	EndpointURL     string `toml:"endpoint_url"`
	SourceDir       string `toml:"source_dir"`
	Manifest        string `toml:"manifest"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	Encrypt         bool   `toml:"encrypt"`
}

func defaultConfig() Config {
	return Config{
		Target: TargetConfig{
			Port:                defaultPort,
			MaintenanceDatabase: defaultMaintenanceDB,
		},
		Artifacts: ArtifactsConfig{
			SchemaFile: defaultSchemaFile,
			DataFile:   defaultDataFile,
		},
		Cleaner: CleanerConfig{
			DropRoles:         defaultDropRoles(),
			DropExtensions:    defaultDropExtensions(),
			DropSetParameters: defaultDropSetParameters(),
		},
		Mitigation: MitigationConfig{
			TruncateTable: defaultHazardTable,
			VaultTable:    defaultVaultTable,
		},
		Storage: StorageConfig{
			Manifest: defaultManifestFile,
			Encrypt:  true,
		},
	}
}

// loadConfig reads a TOML config file and returns a Config with defaults
// applied. An empty path returns pure defaults so the CLI can run from flags
// alone.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		cfg.configDir = wd
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, len(unknown))
		for i, k := range unknown {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.configDir = filepath.Dir(absPath)

	cfg.Target.Endpoint = strings.TrimSpace(cfg.Target.Endpoint)
	cfg.Target.Database = strings.TrimSpace(cfg.Target.Database)
	cfg.Target.User = strings.TrimSpace(cfg.Target.User)

	if cfg.Target.Port <= 0 || cfg.Target.Port > 65535 {
		return nil, fmt.Errorf("target.port must be in 1..65535, got %d", cfg.Target.Port)
	}
	if cfg.Target.MaintenanceDatabase == "" {
		cfg.Target.MaintenanceDatabase = defaultMaintenanceDB
	}
	if cfg.Artifacts.SchemaFile == "" {
		return nil, fmt.Errorf("artifacts.schema_file must not be empty")
	}
	if cfg.Artifacts.DataFile == "" {
		return nil, fmt.Errorf("artifacts.data_file must not be empty")
	}
	if cfg.Mitigation.TruncateTable == "" {
		return nil, fmt.Errorf("mitigation.truncate_table must not be empty")
	}
	if _, _, err := splitQualified(cfg.Mitigation.TruncateTable); err != nil {
		return nil, fmt.Errorf("mitigation.truncate_table: %w", err)
	}
	if _, _, err := splitQualified(cfg.Mitigation.VaultTable); err != nil {
		return nil, fmt.Errorf("mitigation.vault_table: %w", err)
	}
	if cfg.Storage.Manifest == "" {
		cfg.Storage.Manifest = defaultManifestFile
	}

	return &cfg, nil
}

// validateTarget checks the parameters the import and status commands need.
// Runs after flag overrides are applied, so a missing field really is missing.
func (c *Config) validateTarget() error {
	if c.Target.Endpoint == "" {
		return &ConfigurationError{Field: "target endpoint"}
	}
	if c.Target.Database == "" {
		return &ConfigurationError{Field: "database name"}
	}
	if c.Target.User == "" {
		return &ConfigurationError{Field: "username"}
	}
	return nil
}

// validateStorage checks the parameters the storage sync command needs.
func (c *Config) validateStorage() error {
	if c.Storage.Bucket == "" {
		return &ConfigurationError{Field: "storage bucket"}
	}
	if c.Storage.Region == "" && c.Storage.EndpointURL == "" {
		return &ConfigurationError{Field: "storage region", Reason: "required unless endpoint_url is set"}
	}
	if c.Storage.SourceDir == "" {
		return &ConfigurationError{Field: "storage source_dir"}
	}
	// Static credentials are optional; the SDK default chain covers the rest,
	// but a lone half of a key pair is always a mistake.
	if (c.Storage.AccessKeyID == "") != (c.Storage.SecretAccessKey == "") {
		return &ConfigurationError{Field: "storage credentials", Reason: "access_key_id and secret_access_key must be set together"}
	}
	return nil
}

// resolvePath resolves a path relative to the config file directory.
func (c *Config) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.configDir, p)
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment variables applied on top of file configuration.
const (
	EnvPort               = "PORT"
	EnvTrustProxy         = "TRUST_PROXY"
	EnvAnonymizeAddresses = "ANONYMIZE_ADDRESSES"
	EnvLogsDirectory      = "LOGS_DIRECTORY"
	EnvConfigDir          = "CLOUDSERVER_CONFIG_DIR"
)

// DefaultConfigDir is used when neither a flag nor CLOUDSERVER_CONFIG_DIR
// names a configuration directory.
const DefaultConfigDir = "configuration"

// Section files are looked up with these extensions, in order.
var sectionExtensions = []string{".json", ".jsonc", ".yaml", ".yml"}

// LoadFromDir reads server.*, room.* and monitoring.* from dir. A section
// whose file is missing uses defaults; one that cannot be read, parsed or
// validated logs a warning and uses defaults as well.
func LoadFromDir(dir string, logger *slog.Logger) *Config {
	if logger == nil {
		logger = slog.Default()
	}
	return &Config{
		Server:     loadSection(dir, "server", DefaultServerConfig(), (*ServerConfig).Validate, logger),
		Room:       loadSection(dir, "room", DefaultRoomConfig(), (*RoomConfig).Validate, logger),
		Monitoring: loadSection(dir, "monitoring", DefaultMonitoringConfig(), (*MonitoringConfig).Validate, logger),
	}
}

func loadSection[T any](dir, name string, defaults T, validate func(*T) error, logger *slog.Logger) T {
	path, err := findSectionFile(dir, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("no configuration file, using defaults", "section", name, "dir", dir)
		} else {
			logger.Warn("cannot read configuration directory, using defaults", "section", name, "error", err)
		}
		return defaults
	}

	value := defaults
	if err := decodeFile(path, &value); err != nil {
		logger.Warn("invalid configuration file, using defaults", "section", name, "path", path, "error", err)
		return defaults
	}
	if err := validate(&value); err != nil {
		logger.Warn("configuration failed validation, using defaults", "section", name, "path", path, "error", err)
		return defaults
	}

	logger.Info("loaded configuration", "section", name, "path", path)
	return value
}

func findSectionFile(dir, name string) (string, error) {
	for _, ext := range sectionExtensions {
		path := filepath.Join(dir, name+ext)
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}
	return "", fs.ErrNotExist
}

// decodeFile decodes a JSON, JSONC or YAML file over the current contents of
// v. YAML is converted to JSON first so one set of struct tags serves both.
func decodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var tree any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if tree == nil {
			return nil
		}
		if data, err = json.Marshal(tree); err != nil {
			return fmt.Errorf("failed to convert config file %s: %w", path, err)
		}
	default:
		data = jsonc.ToJSON(data)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadFromFile reads a single file holding all three sections under the keys
// "server", "room" and "monitoring". Unlike LoadFromDir it reports errors.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := decodeFile(path, config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

// LoadFromEnv returns defaults with environment overrides applied.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	ApplyEnv(config)
	return config
}

// ApplyEnv overrides config from the environment. Unparseable values are
// ignored.
func ApplyEnv(config *Config) {
	if port := os.Getenv(EnvPort); port != "" {
		config.Server.Server.Port = Scalar(port)
	}
	if v, ok := envBool(EnvTrustProxy); ok {
		config.Server.Proxy.TrustProxy = v
	}
	if v, ok := envBool(EnvAnonymizeAddresses); ok {
		config.Server.Proxy.AnonymizeAddresses = v
	}
	if dir := os.Getenv(EnvLogsDirectory); dir != "" {
		audit := &config.Monitoring.AuditLog
		if audit.Database.Path == filepath.Join(audit.Dirname, filepath.Base(audit.Database.Path)) {
			audit.Database.Path = filepath.Join(dir, filepath.Base(audit.Database.Path))
		}
		audit.Dirname = dir
	}
}

func envBool(key string) (bool, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

// ResolveDir picks the configuration directory: the explicit argument, then
// CLOUDSERVER_CONFIG_DIR, then DefaultConfigDir.
func ResolveDir(dir string) string {
	if dir != "" {
		return dir
	}
	if env := os.Getenv(EnvConfigDir); env != "" {
		return env
	}
	return DefaultConfigDir
}

// LoadConfigWithPrecedence applies defaults, then section files from the
// resolved directory, then environment variables.
func LoadConfigWithPrecedence(dir string, logger *slog.Logger) *Config {
	config := LoadFromDir(ResolveDir(dir), logger)
	ApplyEnv(config)
	return config
}

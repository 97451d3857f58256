package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the full broker configuration. Each section is loaded from its
// own file and falls back to defaults independently.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Room       RoomConfig       `json:"room"`
	Monitoring MonitoringConfig `json:"monitoring"`
}

// ServerConfig mirrors server.json.
type ServerConfig struct {
	Server      ListenConfig      `json:"server"`
	Proxy       ProxyConfig       `json:"proxy"`
	WebSocket   WebSocketConfig   `json:"websocket"`
	Performance PerformanceConfig `json:"performance"`
	Features    FeaturesConfig    `json:"features"`
}

// ListenConfig selects the listening address. Port is either a TCP port
// number or an absolute unix socket path.
type ListenConfig struct {
	Port                  Scalar `json:"port"`
	UnixSocketPermissions uint32 `json:"unixSocketPermissions"`
}

type ProxyConfig struct {
	TrustProxy         bool `json:"trustProxy"`
	AnonymizeAddresses bool `json:"anonymizeAddresses"`
}

type WebSocketConfig struct {
	MaxPayload           int64   `json:"maxPayload"`
	PerMessageDeflate    bool    `json:"perMessageDeflate"`
	ConnectionsPerSecond float64 `json:"connectionsPerSecond"`
	ConnectionBurst      int     `json:"connectionBurst"`
	PingInterval         Millis  `json:"pingInterval"`
	ReadTimeout          Millis  `json:"readTimeout"`
	WriteTimeout         Millis  `json:"writeTimeout"`
	SendBufferSize       int     `json:"sendBufferSize"`
}

// PerformanceConfig.BufferSends is the number of outbound flushes per
// second; 0 writes every message immediately.
type PerformanceConfig struct {
	BufferSends int `json:"bufferSends"`
}

type FeaturesConfig struct {
	EnableRename                bool `json:"enableRename"`
	EnableDelete                bool `json:"enableDelete"`
	AnonymizeGeneratedUsernames bool `json:"anonymizeGeneratedUsernames"`
	FilterValues                bool `json:"filterValues"`
}

// RoomConfig mirrors room.json.
type RoomConfig struct {
	Limits  RoomLimits    `json:"limits"`
	Janitor JanitorConfig `json:"janitor"`
}

type RoomLimits struct {
	MaxRooms            int `json:"maxRooms"`
	MaxClientsPerRoom   int `json:"maxClientsPerRoom"`
	MaxVariablesPerRoom int `json:"maxVariablesPerRoom"`
}

type JanitorConfig struct {
	Interval           Millis `json:"interval"`
	EmptyRoomThreshold Millis `json:"emptyRoomThreshold"`
}

// MonitoringConfig mirrors monitoring.json.
type MonitoringConfig struct {
	Monitoring   MonitoringSection  `json:"monitoring"`
	AuditLog     AuditLogConfig     `json:"auditLog"`
	Fields       FieldsConfig       `json:"fields"`
	Limits       RateLimitConfig    `json:"limits"`
	ValueMasking ValueMaskingConfig `json:"valueMasking"`
}

type MonitoringSection struct {
	Enabled            bool   `json:"enabled"`
	LogVariableChanges bool   `json:"logVariableChanges"`
	LogFormat          string `json:"logFormat"`
}

// AuditLogConfig controls audit persistence. MaxFiles is either an age such
// as "7d" or a number of rotated files to keep; MaxSize is a byte size such
// as "100m".
type AuditLogConfig struct {
	Enabled       bool                `json:"enabled"`
	Filename      string              `json:"filename"`
	Dirname       string              `json:"dirname"`
	DatePattern   string              `json:"datePattern"`
	MaxFiles      Scalar              `json:"maxFiles"`
	MaxSize       Scalar              `json:"maxSize"`
	CreateSymlink bool                `json:"createSymlink"`
	Database      AuditDatabaseConfig `json:"database"`
}

type AuditDatabaseConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// FieldsConfig toggles each audit entry field independently.
type FieldsConfig struct {
	Timestamp    bool `json:"timestamp"`
	IP           bool `json:"ip"`
	Username     bool `json:"username"`
	RoomID       bool `json:"roomId"`
	VariableName bool `json:"variableName"`
	OldValue     bool `json:"oldValue"`
	NewValue     bool `json:"newValue"`
	UserAgent    bool `json:"userAgent"`
	Action       bool `json:"action"`
	ClientCount  bool `json:"clientCount"`
	ValueType    bool `json:"valueType"`
}

type RateLimitConfig struct {
	EnableRateLimiting             bool `json:"enableRateLimiting"`
	MaxChangesPerSecondPerClient   int  `json:"maxChangesPerSecondPerClient"`
	MaxChangesPerMinutePerVariable int  `json:"maxChangesPerMinutePerVariable"`
	LogSuspiciousActivity          bool `json:"logSuspiciousActivity"`
	SuspiciousThreshold            int  `json:"suspiciousThreshold"`
}

type ValueMaskingConfig struct {
	Enabled               bool `json:"enabled"`
	MaskLongValues        bool `json:"maskLongValues"`
	MaxValueLength        int  `json:"maxValueLength"`
	MaskSensitivePatterns bool `json:"maskSensitivePatterns"`
}

// Millis is a duration written as a number of milliseconds.
type Millis int64

// Duration converts to time.Duration.
func (m Millis) Duration() time.Duration {
	return time.Duration(m) * time.Millisecond
}

// Scalar is a setting that may be written either as a JSON string or as a
// number, such as a port or a retention count.
type Scalar string

// UnmarshalJSON accepts a string or a number.
func (s *Scalar) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = Scalar(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*s = Scalar(n.String())
	return nil
}

func (s Scalar) String() string { return string(s) }

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Room:       DefaultRoomConfig(),
		Monitoring: DefaultMonitoringConfig(),
	}
}

// DefaultServerConfig returns server.json defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Server: ListenConfig{
			Port:                  "9080",
			UnixSocketPermissions: 0o777,
		},
		WebSocket: WebSocketConfig{
			MaxPayload:           1024 * 1024,
			ConnectionsPerSecond: 10,
			ConnectionBurst:      20,
			PingInterval:         30000,
			ReadTimeout:          60000,
			WriteTimeout:         10000,
			SendBufferSize:       256,
		},
		Performance: PerformanceConfig{BufferSends: 60},
		Features: FeaturesConfig{
			AnonymizeGeneratedUsernames: true,
		},
	}
}

// DefaultRoomConfig returns room.json defaults.
func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		Limits: RoomLimits{
			MaxRooms:            16384,
			MaxClientsPerRoom:   128,
			MaxVariablesPerRoom: 128,
		},
		Janitor: JanitorConfig{
			Interval:           60 * 1000,
			EmptyRoomThreshold: 60 * 60 * 1000,
		},
	}
}

// DefaultMonitoringConfig returns monitoring.json defaults.
func DefaultMonitoringConfig() MonitoringConfig {
	return MonitoringConfig{
		Monitoring: MonitoringSection{
			Enabled:            true,
			LogVariableChanges: true,
			LogFormat:          "detailed",
		},
		AuditLog: AuditLogConfig{
			Enabled:       true,
			Filename:      "variable-audit.log",
			Dirname:       "logs",
			DatePattern:   "YYYY-MM-DD",
			MaxFiles:      "7d",
			MaxSize:       "100m",
			CreateSymlink: true,
			Database: AuditDatabaseConfig{
				Path: filepath.Join("logs", "variable-audit.db"),
			},
		},
		Fields: FieldsConfig{
			Timestamp:    true,
			IP:           true,
			Username:     true,
			RoomID:       true,
			VariableName: true,
			OldValue:     true,
			NewValue:     true,
			UserAgent:    true,
			Action:       true,
			ClientCount:  true,
			ValueType:    true,
		},
		Limits: RateLimitConfig{
			MaxChangesPerSecondPerClient:   100,
			MaxChangesPerMinutePerVariable: 1000,
			LogSuspiciousActivity:          true,
			SuspiciousThreshold:            50,
		},
		ValueMasking: ValueMaskingConfig{
			MaskLongValues: true,
			MaxValueLength: 100,
		},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	return errors.Join(c.Server.Validate(), c.Room.Validate(), c.Monitoring.Validate())
}

// Validate checks server settings.
func (c *ServerConfig) Validate() error {
	if _, _, err := c.Server.Address(); err != nil {
		return err
	}
	if c.WebSocket.MaxPayload <= 0 {
		return fmt.Errorf("websocket max payload must be positive")
	}
	if c.WebSocket.ConnectionsPerSecond <= 0 {
		return fmt.Errorf("websocket connections per second must be positive")
	}
	if c.WebSocket.ConnectionBurst <= 0 {
		return fmt.Errorf("websocket connection burst must be positive")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("websocket ping interval and timeouts must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("websocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.SendBufferSize <= 0 {
		return fmt.Errorf("websocket send buffer size must be positive")
	}
	if c.Performance.BufferSends < 0 {
		return fmt.Errorf("performance bufferSends cannot be negative")
	}
	return nil
}

// Address returns the listen network ("tcp" or "unix") and address.
func (c *ListenConfig) Address() (network, address string, err error) {
	port := string(c.Port)
	if port == "" {
		return "", "", fmt.Errorf("server port cannot be empty")
	}
	if filepath.IsAbs(port) {
		return "unix", port, nil
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return "", "", fmt.Errorf("server port must be between 1 and 65535 or an absolute socket path, got %q", port)
	}
	return "tcp", ":" + port, nil
}

// Validate checks room limits and janitor timing.
func (c *RoomConfig) Validate() error {
	if c.Limits.MaxRooms <= 0 {
		return fmt.Errorf("limits.maxRooms must be positive")
	}
	if c.Limits.MaxClientsPerRoom <= 0 {
		return fmt.Errorf("limits.maxClientsPerRoom must be positive")
	}
	if c.Limits.MaxVariablesPerRoom <= 0 {
		return fmt.Errorf("limits.maxVariablesPerRoom must be positive")
	}
	if c.Janitor.Interval <= 0 {
		return fmt.Errorf("janitor.interval must be positive")
	}
	if c.Janitor.EmptyRoomThreshold < 0 {
		return fmt.Errorf("janitor.emptyRoomThreshold cannot be negative")
	}
	return nil
}

// Validate checks monitoring, audit and rate limit settings.
func (c *MonitoringConfig) Validate() error {
	switch c.Monitoring.LogFormat {
	case "detailed", "simple", "":
	default:
		return fmt.Errorf("monitoring.logFormat must be \"detailed\" or \"simple\", got %q", c.Monitoring.LogFormat)
	}
	if c.AuditLog.Enabled {
		if c.AuditLog.Filename == "" || c.AuditLog.Dirname == "" {
			return fmt.Errorf("auditLog filename and dirname are required when the audit log is enabled")
		}
		if _, err := ParseMaxFiles(c.AuditLog.MaxFiles.String()); err != nil {
			return err
		}
		if _, err := ParseMaxSize(c.AuditLog.MaxSize.String()); err != nil {
			return err
		}
		if c.AuditLog.Database.Enabled && c.AuditLog.Database.Path == "" {
			return fmt.Errorf("auditLog.database.path is required when the audit database is enabled")
		}
	}
	if c.Limits.EnableRateLimiting {
		if c.Limits.MaxChangesPerSecondPerClient <= 0 || c.Limits.MaxChangesPerMinutePerVariable <= 0 {
			return fmt.Errorf("rate limit thresholds must be positive")
		}
	}
	if c.Limits.SuspiciousThreshold < 0 {
		return fmt.Errorf("limits.suspiciousThreshold cannot be negative")
	}
	if c.ValueMasking.Enabled && c.ValueMasking.MaskLongValues && c.ValueMasking.MaxValueLength <= 0 {
		return fmt.Errorf("valueMasking.maxValueLength must be positive")
	}
	return nil
}

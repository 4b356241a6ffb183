// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config interface is the proxy node configuration.
type Config interface {
	GetName() string
	SetName(name string)
	GetConfigPath() string
	GetLogger() *LoggerConfig
	GetMetrics() *MetricsConfig
	GetCluster() *ClusterConfig
	GetPresence() *PresenceConfig
	GetVersionControl() *VersionControlConfig
	GetMessages() *MessagesConfig
	GetAPI() *APIConfig

	// Reload replaces the hot-reloadable sections with the ones from the given config.
	Reload(other Config)
	Clone() (Config, error)
}

type config struct {
	sync.RWMutex
	Name           string                `yaml:"name" json:"name" usage:"Node id of this proxy. Must be unique and stable across restarts." validate:"required,max=64"`
	ConfigPath     string                `yaml:"-" json:"-"`
	Logger         *LoggerConfig         `yaml:"logger" json:"logger" usage:"Logger levels and output." validate:"required"`
	Metrics        *MetricsConfig        `yaml:"metrics" json:"metrics" usage:"Metrics settings." validate:"required"`
	Cluster        *ClusterConfig        `yaml:"cluster" json:"cluster" usage:"Shared store and cluster settings." validate:"required"`
	Presence       *PresenceConfig       `yaml:"presence" json:"presence" usage:"Presence registry settings." validate:"required"`
	VersionControl *VersionControlConfig `yaml:"version_control" json:"version_control" usage:"Client protocol version policy." validate:"required"`
	Messages       *MessagesConfig       `yaml:"messages" json:"messages" usage:"Disconnect messages shown to rejected players." validate:"required"`
	API            *APIConfig            `yaml:"api" json:"api" usage:"HTTP API settings." validate:"required"`
}

// NewConfig constructs a Config struct which represents node settings, and populates it with default values.
func NewConfig(logger *zap.Logger) *config {
	name := "proxy"
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		name = hostname
	} else if err != nil {
		logger.Warn("Could not read hostname, using default node name", zap.Error(err))
	}
	return &config{
		Name:           name,
		Logger:         NewLoggerConfig(),
		Metrics:        NewMetricsConfig(),
		Cluster:        NewClusterConfig(),
		Presence:       NewPresenceConfig(),
		VersionControl: NewVersionControlConfig(),
		Messages:       NewMessagesConfig(),
		API:            NewAPIConfig(),
	}
}

func (c *config) GetName() string {
	return c.Name
}

func (c *config) SetName(name string) {
	c.Name = name
}

func (c *config) GetConfigPath() string {
	return c.ConfigPath
}

func (c *config) GetLogger() *LoggerConfig {
	return c.Logger
}

func (c *config) GetMetrics() *MetricsConfig {
	return c.Metrics
}

func (c *config) GetCluster() *ClusterConfig {
	return c.Cluster
}

func (c *config) GetPresence() *PresenceConfig {
	return c.Presence
}

func (c *config) GetVersionControl() *VersionControlConfig {
	c.RLock()
	defer c.RUnlock()
	return c.VersionControl
}

func (c *config) GetMessages() *MessagesConfig {
	c.RLock()
	defer c.RUnlock()
	return c.Messages
}

func (c *config) GetAPI() *APIConfig {
	return c.API
}

func (c *config) Reload(other Config) {
	versionControl := other.GetVersionControl().Clone()
	messages := other.GetMessages().Clone()

	c.Lock()
	c.VersionControl = versionControl
	c.Messages = messages
	c.Unlock()
}

func (c *config) Clone() (Config, error) {
	c.RLock()
	defer c.RUnlock()

	configLogger := *c.Logger
	configMetrics := *c.Metrics
	configAPI := *c.API
	configPresence := *c.Presence

	return &config{
		Name:           c.Name,
		ConfigPath:     c.ConfigPath,
		Logger:         &configLogger,
		Metrics:        &configMetrics,
		Cluster:        c.Cluster.Clone(),
		Presence:       &configPresence,
		VersionControl: c.VersionControl.Clone(),
		Messages:       c.Messages.Clone(),
		API:            &configAPI,
	}, nil
}

// LoadConfig reads the YAML file at path over the defaults. An empty path returns the defaults.
func LoadConfig(logger *zap.Logger, path string) (Config, error) {
	cfg := NewConfig(logger)
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.ConfigPath = path
	return cfg, nil
}

// ValidateConfig returns every problem found in the configuration, keyed by parameter name.
func ValidateConfig(config Config) map[string]string {
	problems := make(map[string]string)

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(config); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			for _, fieldErr := range validationErrors {
				problems[fieldErrNamespace(fieldErr.Namespace())] = fmt.Sprintf("failed '%s' check", fieldErr.Tag())
			}
		} else {
			problems["config"] = err.Error()
		}
	}

	if strings.ContainsAny(config.GetName(), " \t\n") {
		problems["name"] = "must not contain whitespace"
	}
	cluster := config.GetCluster()
	if cluster.HeartbeatTimeoutSec <= cluster.HeartbeatIntervalSec {
		problems["cluster.heartbeat_timeout_sec"] = "must be greater than cluster.heartbeat_interval_sec"
	}
	if config.GetVersionControl().Enabled && len(config.GetVersionControl().AllowedVersions) == 0 {
		problems["version_control.allowed_versions"] = "must not be empty when version control is enabled"
	}

	return problems
}

// CheckConfig validates the configuration and exits the process on the first invalid parameter.
func CheckConfig(logger *zap.Logger, config Config) {
	for param, problem := range ValidateConfig(config) {
		logger.Fatal("Invalid configuration", zap.String("param", param), zap.String("problem", problem))
	}

	ValidateClusterConfig(logger, config)

	if config.GetVersionControl().Enabled {
		logger.Info("Version control enabled", zap.Ints("allowed_versions", config.GetVersionControl().AllowedVersions))
	}
}

// fieldErrNamespace turns "config.Cluster.RedisAddress" into "Cluster.RedisAddress".
func fieldErrNamespace(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// LoggerConfig is configuration relevant to logging levels and output.
type LoggerConfig struct {
	Level      string `yaml:"level" json:"level" usage:"Log level to set. Valid values are 'debug', 'info', 'warn', 'error'. Default 'info'." validate:"oneof=debug info warn error"`
	Stdout     bool   `yaml:"stdout" json:"stdout" usage:"Log to standard console output (as well as to a file if set). Default true."`
	File       string `yaml:"file" json:"file" usage:"Log output to a file (as well as stdout if set). Make sure that the directory and the file is writable."`
	Rotation   bool   `yaml:"rotation" json:"rotation" usage:"Rotate log files. Default is false."`
	MaxSize    int    `yaml:"max_size" json:"max_size" usage:"The maximum size in megabytes of the log file before it gets rotated. It defaults to 100 megabytes."`
	MaxAge     int    `yaml:"max_age" json:"max_age" usage:"The maximum number of days to retain old log files based on the timestamp encoded in their filename. The default is not to remove old log files based on age."`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" usage:"The maximum number of old log files to retain. The default is to retain all old log files (though MaxAge may still cause them to get deleted.)"`
	LocalTime  bool   `yaml:"local_time" json:"local_time" usage:"This determines if the time used for formatting the timestamps in backup files is the computer's local time. The default is to use UTC time."`
	Compress   bool   `yaml:"compress" json:"compress" usage:"This determines if the rotated log files should be compressed using gzip."`
	Format     string `yaml:"format" json:"format" usage:"Set logging output format. Can either be 'JSON' or 'Stackdriver'. Default is 'JSON'."`
}

func NewLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:      "info",
		Stdout:     true,
		File:       "",
		Rotation:   false,
		MaxSize:    100,
		MaxAge:     0,
		MaxBackups: 0,
		LocalTime:  false,
		Compress:   false,
		Format:     "json",
	}
}

// MetricsConfig is configuration relevant to metrics capturing and output.
type MetricsConfig struct {
	ReportingFreqSec int    `yaml:"reporting_freq_sec" json:"reporting_freq_sec" usage:"Frequency of metrics exports. Default is 60 seconds." validate:"min=1"`
	Namespace        string `yaml:"namespace" json:"namespace" usage:"Namespace for Prometheus metrics. It will always prepend node name."`
	PrometheusPort   int    `yaml:"prometheus_port" json:"prometheus_port" usage:"Port to expose Prometheus. If '0' Prometheus exports are disabled." validate:"min=0,max=65535"`
	Prefix           string `yaml:"prefix" json:"prefix" usage:"Prefix for metric names. Default is 'proxypresence', empty string '' disables the prefix."`
}

func NewMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		ReportingFreqSec: 60,
		Namespace:        "",
		PrometheusPort:   0,
		Prefix:           "proxypresence",
	}
}

// PresenceConfig is configuration relevant to the presence registry.
type PresenceConfig struct {
	Workers        int  `yaml:"workers" json:"workers" usage:"Number of background workers applying registry writes. Default 5." validate:"min=1,max=256"`
	QueueSize      int  `yaml:"queue_size" json:"queue_size" usage:"Pending writes buffered per worker before new ones are dropped. Default 1024." validate:"min=1"`
	SingleSession  bool `yaml:"single_session" json:"single_session" usage:"Disconnect a local session when the same player logs in on another node. Default false."`
	RebuildOnStart bool `yaml:"rebuild_on_start" json:"rebuild_on_start" usage:"Gate the cluster and repopulate this node's records from live proxy state at start. Default true."`
}

func NewPresenceConfig() *PresenceConfig {
	return &PresenceConfig{
		Workers:        5,
		QueueSize:      1024,
		SingleSession:  false,
		RebuildOnStart: true,
	}
}

// VersionControlConfig limits which client protocol versions may connect.
type VersionControlConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled" usage:"Reject clients whose protocol version is not allowed. Default false."`
	AllowedVersions []int  `yaml:"allowed_versions" json:"allowed_versions" usage:"Protocol version numbers allowed to connect."`
	KickMessage     string `yaml:"kick_message" json:"kick_message" usage:"Message shown to players rejected for their client version."`
}

func NewVersionControlConfig() *VersionControlConfig {
	return &VersionControlConfig{
		Enabled:         false,
		AllowedVersions: []int{},
		KickMessage:     "Your client version is not supported on this network.",
	}
}

func (cfg *VersionControlConfig) Clone() *VersionControlConfig {
	if cfg == nil {
		return nil
	}
	cfgCopy := *cfg
	cfgCopy.AllowedVersions = append([]int(nil), cfg.AllowedVersions...)
	return &cfgCopy
}

// Allows reports whether the given protocol version passes the policy.
func (cfg *VersionControlConfig) Allows(protocolVersion int) bool {
	if !cfg.Enabled {
		return true
	}
	for _, v := range cfg.AllowedVersions {
		if v == protocolVersion {
			return true
		}
	}
	return false
}

// MessagesConfig holds the user-facing disconnect messages.
type MessagesConfig struct {
	Booting       string `yaml:"booting" json:"booting" usage:"Message shown while the cluster is initializing." validate:"required"`
	Blacklisted   string `yaml:"blacklisted" json:"blacklisted" usage:"Message shown to blacklisted players." validate:"required"`
	SingleSession string `yaml:"single_session" json:"single_session" usage:"Message shown when a session is replaced by a login on another node." validate:"required"`
}

func NewMessagesConfig() *MessagesConfig {
	return &MessagesConfig{
		Booting:       "Proxy is booting up, please wait...",
		Blacklisted:   "You are blacklisted from this network.",
		SingleSession: "You logged in from another location.",
	}
}

func (cfg *MessagesConfig) Clone() *MessagesConfig {
	if cfg == nil {
		return nil
	}
	cfgCopy := *cfg
	return &cfgCopy
}

// APIConfig is configuration relevant to the HTTP API.
type APIConfig struct {
	Address         string  `yaml:"address" json:"address" usage:"Listen address of the HTTP API. Empty disables the API. Default ':7350'."`
	ReadTimeoutMs   int     `yaml:"read_timeout_ms" json:"read_timeout_ms" usage:"Maximum duration in milliseconds for reading the entire request. Default 10000." validate:"min=1"`
	WriteTimeoutMs  int     `yaml:"write_timeout_ms" json:"write_timeout_ms" usage:"Maximum duration in milliseconds before timing out writes of the response. Default 10000." validate:"min=1"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec" usage:"Requests per second allowed per client IP. '0' disables limiting. Default 50." validate:"min=0"`
	RateLimitBurst  int     `yaml:"rate_limit_burst" json:"rate_limit_burst" usage:"Burst size of the per client IP limit. Default 100." validate:"min=0"`
}

func NewAPIConfig() *APIConfig {
	return &APIConfig{
		Address:         ":7350",
		ReadTimeoutMs:   10_000,
		WriteTimeoutMs:  10_000,
		RateLimitPerSec: 50,
		RateLimitBurst:  100,
	}
}

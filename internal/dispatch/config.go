// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the configuration surface enumerated in spec §6, loaded
// from YAML in the style of the teacher's internal/config package.
type Config struct {
	AutomaticOperations struct {
		Enabled     bool `yaml:"enabled"`
		IdleSeconds int  `yaml:"idle_seconds"`
		Ignored     []string `yaml:"ignored_operations"`
		Tasks       map[string]struct {
			Enabled  bool `yaml:"enabled"`
			Priority int  `yaml:"priority"`
		} `yaml:"tasks"`
	} `yaml:"automatic_operations"`

	CommandPolicies struct {
		Default  yamlPolicy            `yaml:"default"`
		Commands map[string]yamlPolicy `yaml:"commands"`
	} `yaml:"command_policies"`

	CustomLogger struct {
		BatchSize         int  `yaml:"batch_size"`
		FlushIntervalMs   int  `yaml:"flush_interval_ms"`
		LogRequestResponse bool `yaml:"log_request_response"`
		LogToolResponses   bool `yaml:"log_tool_responses"`
		OtherLogs          bool `yaml:"other_logs"`
	} `yaml:"custom_logger"`

	ModelSwitch struct {
		LocalKinds []string `yaml:"local_kinds"`
	} `yaml:"model_switch"`
}

type yamlPolicy struct {
	MaxAttempts          int  `yaml:"max_attempts"`
	RetryDelayBaseSeconds float64 `yaml:"retry_delay_base_seconds"`
	RetryDelayMaxSeconds  float64 `yaml:"retry_delay_max_seconds"`
	ExponentialBackoff   bool `yaml:"exponential_backoff"`
	RetryOnFailureResult bool `yaml:"retry_on_failure_result"`
	RetryOnException     bool `yaml:"retry_on_exception"`
}

func (p yamlPolicy) toPolicy() CommandPolicy {
	return CommandPolicy{
		MaxAttempts:          p.MaxAttempts,
		RetryDelayBase:       time.Duration(p.RetryDelayBaseSeconds * float64(time.Second)),
		RetryDelayMax:        time.Duration(p.RetryDelayMaxSeconds * float64(time.Second)),
		ExponentialBackoff:   p.ExponentialBackoff,
		RetryOnFailureResult: p.RetryOnFailureResult,
		RetryOnException:     p.RetryOnException,
	}
}

// LoadConfig reads and parses a Config from path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dispatch: read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("dispatch: parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// PolicySet converts the loaded Config into a PolicySet for
// CommandPolicyResolver.Reload.
func (c *Config) PolicySet() PolicySet {
	set := PolicySet{
		Default:     c.CommandPolicies.Default.toPolicy(),
		ByOperation: make(map[string]CommandPolicy, len(c.CommandPolicies.Commands)),
	}
	for name, p := range c.CommandPolicies.Commands {
		set.ByOperation[name] = p.toPolicy()
	}
	return set
}

// IdleConfig converts the loaded Config into an IdleAutoOperationsConfig.
func (c *Config) IdleConfig() IdleAutoOperationsConfig {
	return IdleAutoOperationsConfig{
		Enabled:           c.AutomaticOperations.Enabled,
		IdleThreshold:     time.Duration(c.AutomaticOperations.IdleSeconds) * time.Second,
		IgnoredOperations: c.AutomaticOperations.Ignored,
	}
}

// LoggerConfig converts the loaded Config into an AsyncLogBufferConfig.
func (c *Config) LoggerConfig() AsyncLogBufferConfig {
	cfg := AsyncLogBufferConfig{
		BatchSize:          c.CustomLogger.BatchSize,
		FlushInterval:      time.Duration(c.CustomLogger.FlushIntervalMs) * time.Millisecond,
		LogRequestResponse: c.CustomLogger.LogRequestResponse,
		LogToolResponses:   c.CustomLogger.LogToolResponses,
		OtherLogs:          c.CustomLogger.OtherLogs,
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultAsyncLogBufferConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultAsyncLogBufferConfig().FlushInterval
	}
	return cfg
}

// ConfigWatcher watches a YAML config file on disk and atomically
// republishes a parsed *Config on every write, grounded on the
// teacher's fsnotify-backed internal/controller/filewatcher.Watcher.
type ConfigWatcher struct {
	path    string
	current atomic.Pointer[Config]
	logger  *slog.Logger

	mu       sync.Mutex
	onChange []func(*Config)
}

// NewConfigWatcher loads path once synchronously. It does not watch the
// file; watching starts when Watch is called.
func NewConfigWatcher(path string, logger *slog.Logger) (*ConfigWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	w := &ConfigWatcher{path: path, logger: logger}
	w.current.Store(cfg)
	return w, nil
}

// Current returns the most recently loaded Config.
func (w *ConfigWatcher) Current() *Config {
	return w.current.Load()
}

// OnChange registers a callback invoked with the newly parsed Config
// after every successful reload.
func (w *ConfigWatcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Watch blocks, reloading the config file on fsnotify write/create
// events, until stop is closed or the fsnotify channels close.
func (w *ConfigWatcher) Watch(stop <-chan struct{}) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("dispatch: config watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.path); err != nil {
		return fmt.Errorf("dispatch: watch config %s: %w", w.path, err)
	}

	for {
		select {
		case <-stop:
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadConfig(w.path)
			if err != nil {
				w.logger.Warn("config reload failed, keeping previous config", slog.Any("error", err))
				continue
			}
			w.current.Store(cfg)
			w.mu.Lock()
			callbacks := make([]func(*Config), len(w.onChange))
			copy(callbacks, w.onChange)
			w.mu.Unlock()
			for _, cb := range callbacks {
				cb(cfg)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", slog.Any("error", err))
		}
	}
}

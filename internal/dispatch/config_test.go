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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfigYAML = `
automatic_operations:
  enabled: true
  idle_seconds: 30
  ignored_operations:
    - "memory_*"
command_policies:
  default:
    max_attempts: 1
  commands:
    flaky:
      max_attempts: 3
      retry_delay_base_seconds: 1
      retry_delay_max_seconds: 10
      exponential_backoff: true
      retry_on_exception: true
custom_logger:
  batch_size: 50
  flush_interval_ms: 500
  log_tool_responses: false
  other_logs: true
model_switch:
  local_kinds:
    - local-primary
`

func writeConfig(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadConfigParsesAllSections(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfigYAML)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.AutomaticOperations.Enabled)
	assert.Equal(t, 30, cfg.AutomaticOperations.IdleSeconds)
	assert.Equal(t, []string{"memory_*"}, cfg.AutomaticOperations.Ignored)

	set := cfg.PolicySet()
	assert.Equal(t, 1, set.Default.MaxAttempts)
	assert.Equal(t, 3, set.ByOperation["flaky"].MaxAttempts)
	assert.Equal(t, time.Second, set.ByOperation["flaky"].RetryDelayBase)

	idle := cfg.IdleConfig()
	assert.True(t, idle.Enabled)
	assert.Equal(t, 30*time.Second, idle.IdleThreshold)

	logCfg := cfg.LoggerConfig()
	assert.Equal(t, 50, logCfg.BatchSize)
	assert.Equal(t, 500*time.Millisecond, logCfg.FlushInterval)
	assert.False(t, logCfg.LogToolResponses)
	assert.True(t, logCfg.OtherLogs)
}

func TestConfigWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfigYAML)

	w, err := NewConfigWatcher(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 30, w.Current().AutomaticOperations.IdleSeconds)

	changed := make(chan *Config, 1)
	w.OnChange(func(c *Config) { changed <- c })

	stop := make(chan struct{})
	defer close(stop)
	go func() { _ = w.Watch(stop) }()

	// give fsnotify a moment to arm before we write.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`
automatic_operations:
  enabled: true
  idle_seconds: 90
`), 0o644))

	select {
	case cfg := <-changed:
		assert.Equal(t, 90, cfg.AutomaticOperations.IdleSeconds)
	case <-time.After(2 * time.Second):
		t.Fatal("config watcher did not observe the file write")
	}
	assert.Equal(t, 90, w.Current().AutomaticOperations.IdleSeconds)
}

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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStartIncrementsInFlightGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordStart("EvaluateStory")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.inFlight.WithLabelValues("EvaluateStory")))

	m.RecordStart("EvaluateStory")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.inFlight.WithLabelValues("EvaluateStory")))
}

func TestRecordFinishDecrementsInFlightGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordStart("EvaluateStory")
	m.RecordFinish("EvaluateStory", "completed", 10*time.Millisecond, 0)

	assert.Equal(t, float64(0), testutil.ToFloat64(m.inFlight.WithLabelValues("EvaluateStory")))
}

func TestNilMetricsRecordStartIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() { m.RecordStart("op") })
}

func TestDispatcherExecutionTogglesInFlightGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	d := NewDispatcher(WithInstrumentation(m, nil))
	defer d.Shutdown()

	release := make(chan struct{})
	started := make(chan struct{})
	h, err := d.Enqueue("op", func(CommandContext) (CommandResult, error) {
		close(started)
		<-release
		return CommandResult{Success: true}, nil
	}, EnqueueOptions{RunID: "r1"})
	require.NoError(t, err)

	<-started
	assert.Equal(t, float64(1), testutil.ToFloat64(m.inFlight.WithLabelValues("op")))

	close(release)
	waitHandle(t, h, 2*time.Second)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.inFlight.WithLabelValues("op")))
}

package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constant(v float64) func() float64 { return func() float64 { return v } }

func TestRegisterCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	src := CollectorSource{
		Distributed: constant(10),
		Retrieved:   constant(7),
		Dropped:     constant(1),
		Removed:     constant(3),
		Compactions: constant(0),
		Rebases:     constant(2),
		Buffers:     constant(4),
		Agents:      constant(2),
	}
	unregister, err := RegisterCollector(reg, "history", src)
	require.NoError(t, err)

	expected := `
# HELP marketbus_collector_distributed_total Events accepted from distributors
# TYPE marketbus_collector_distributed_total counter
marketbus_collector_distributed_total{collector="history"} 10
# HELP marketbus_collector_agents Open agents
# TYPE marketbus_collector_agents gauge
marketbus_collector_agents{collector="history"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"marketbus_collector_distributed_total", "marketbus_collector_agents"))

	_, err = RegisterCollector(reg, "history", src)
	assert.Error(t, err)

	unregister()
	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = RegisterCollector(reg, "history", src)
	assert.NoError(t, err)
}

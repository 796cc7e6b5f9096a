package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "broadcast.orchestration", cfg.Broker.OrchestrationTopic)
	assert.Equal(t, 5, cfg.SSE.MaxConnectionsPerUser)
	assert.Equal(t, time.Minute, cfg.Scheduler.TickPeriod)
	assert.Less(t, cfg.Scheduler.LeaseTTL, cfg.Scheduler.TickPeriod,
		"a lease must lapse before the next tick or singleton jobs starve")
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestWorkerTopic(t *testing.T) {
	b := Broker{WorkerTopicPrefix: "delivery"}
	assert.Equal(t, "delivery.prod-pod-3", b.WorkerTopic("prod", "pod-3"))
}

func TestPodKey(t *testing.T) {
	c := Cluster{ClusterName: "prod", PodName: "pod-3"}
	assert.Equal(t, "prod:pod-3", c.PodKey())
}

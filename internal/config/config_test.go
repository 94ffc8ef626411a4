package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("node:\n  node_id: node-a\n"))
	require.NoError(t, err)

	assert.Equal(t, "strict", cfg.Runtime.Durability)
	assert.Equal(t, int64(64), cfg.Runtime.MaxConcurrentMutations)
	assert.Equal(t, 5*time.Second, cfg.Runtime.PermitTimeout)
	assert.Equal(t, "sync", cfg.Replication.Mode)
	assert.Equal(t, uint32(16), cfg.Cluster.ShardCount)
	assert.Equal(t, "node-a", cfg.Cluster.DefaultLeader)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoadConfig_FullFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
node:
  node_id: node-a
  port: 7000
runtime:
  root_dir: /tmp/pairdb
  durability: eventual
  sync_interval: 250ms
lifecycle:
  passivation_enabled: true
  passivate_after: 1m
  gc_enabled: true
  gc_only_if_never_touched: true
replication:
  mode: async
  dirs: [/tmp/replica-1]
cluster:
  enabled: true
  shard_count: 8
  leaders:
    3: {node_id: node-b, epoch: 4}
  followers:
    3: [node-c]
  quorum:
    3: 2
  peers:
    node-a: 127.0.0.1:7000
    node-b: 127.0.0.1:7001
  policy:
    require_quorum: true
    epoch_fencing: true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "eventual", cfg.Runtime.Durability)
	assert.Equal(t, 250*time.Millisecond, cfg.Runtime.SyncInterval)
	assert.True(t, cfg.Lifecycle.GCOnlyIfNeverTouched)
	assert.Equal(t, []string{"/tmp/replica-1"}, cfg.Replication.Dirs)
	assert.Equal(t, LeaderConfig{NodeID: "node-b", Epoch: 4}, cfg.Cluster.Leaders[3])
	assert.Equal(t, []string{"node-c"}, cfg.Cluster.Followers[3])
	assert.Equal(t, 2, cfg.Cluster.Quorum[3])
	assert.True(t, cfg.Cluster.Policy.RequireQuorum)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing node id", "runtime:\n  durability: strict\n"},
		{"bad durability", "node:\n  node_id: a\nruntime:\n  durability: sometimes\n"},
		{"bad replication mode", "node:\n  node_id: a\nreplication:\n  mode: never\n"},
		{"s3 without bucket", "node:\n  node_id: a\nreplication:\n  s3:\n    enabled: true\n"},
		{"leader shard out of range", "node:\n  node_id: a\ncluster:\n  enabled: true\n  shard_count: 2\n  leaders:\n    5: {node_id: a}\n"},
		{"peers missing self", "node:\n  node_id: a\ncluster:\n  enabled: true\n  peers:\n    b: 127.0.0.1:1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

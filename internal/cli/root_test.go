package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/devrev/pairdb/internal/model"
	"github.com/devrev/pairdb/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "pairdb", cmd.Use)

	for _, name := range []string{"serve", "inspect", "compact"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	t.Setenv("CONFIG_PATH", "/etc/pairdb/node.yaml")
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "/etc/pairdb/node.yaml", configFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestInvalidFormatRejected(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"inspect", "--root", t.TempDir(), "--format", "xml"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w",
		WrapExitError(ExitCommandError, "bad config", assert.AnError))))
}

// seedRoot writes two notes and one tombstone into a fresh runtime root
func seedRoot(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	rt, err := service.OpenEntityRuntime(service.RuntimeOptions{Root: root, Logger: zap.NewNop()})
	require.NoError(t, err)
	for _, id := range []string{"n1", "n2", "n3"} {
		_, err := rt.CreateEntity(ctx, model.EntityKey{EntityType: "note", PersistID: id}, json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	require.NoError(t, rt.DeleteEntity(ctx, model.EntityKey{EntityType: "note", PersistID: "n3"}, "user"))
	require.NoError(t, rt.Close())
	return root
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	return out.String(), err
}

func TestInspect_Text(t *testing.T) {
	root := seedRoot(t)

	out, err := execute(t, "inspect", "--root", root, "--entities")
	require.NoError(t, err)
	assert.Contains(t, out, "tombstones:         1")
	assert.Contains(t, out, "note/n1 v1")
	assert.Contains(t, out, "note/n2 v1")
	assert.NotContains(t, out, "note/n3")
}

func TestInspect_JSON(t *testing.T) {
	root := seedRoot(t)

	out, err := execute(t, "inspect", "--root", root, "--format", "json")
	require.NoError(t, err)

	var result InspectResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, root, result.Root)
	assert.Equal(t, 2, result.EntitiesByType["note"])
	assert.Empty(t, result.Entities)
}

func TestInspect_FromConfig(t *testing.T) {
	root := seedRoot(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("node:\n  node_id: node-a\nruntime:\n  root_dir: %q\n", root)), 0o644))

	out, err := execute(t, "inspect", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, root)

	_, err = execute(t, "inspect", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCompact(t *testing.T) {
	root := seedRoot(t)

	out, err := execute(t, "compact", "--root", root, "--format", "json")
	require.NoError(t, err)

	var result CompactResult
	require.NoError(t, json.NewDecoder(strings.NewReader(out)).Decode(&result))
	assert.Equal(t, uint64(4), result.LastSeq)
	assert.Less(t, result.JournalBytesAfter, result.JournalBytesBefore)

	_, err = os.Stat(filepath.Join(root, service.SnapshotFileName))
	assert.NoError(t, err)
}

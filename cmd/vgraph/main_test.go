package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"vgraph/api"
	"vgraph/changeset"
	"vgraph/config"
	"vgraph/layercache"
	"vgraph/proto"
	"vgraph/rebaser"
	"vgraph/rpc"
	"vgraph/store"
)

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "vgraph", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.True(t, changeSetCmd.HasSubCommands())

	for _, name := range []string{"list", "create", "show", "diff", "history", "rename", "apply", "approve", "abandon"} {
		cmd, _, err := changeSetCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
		assert.NotNil(t, cmd.RunE, name)
	}
}

func TestRenderYAML(t *testing.T) {
	outputFormat = "yaml"
	defer func() { outputFormat = "yaml" }()

	by := "bob"
	var buf bytes.Buffer
	require.NoError(t, render(&buf, proto.ChangeSet{ID: "01", Name: "123", Status: "open", MergeRequestedByUserID: &by}))
	out := buf.String()
	assert.Contains(t, out, "name: \"123\"")
	assert.Contains(t, out, "status: open")
	assert.Contains(t, out, "mergeRequestedByUserId: bob")
	assert.NotContains(t, out, "{")

	var back map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, "123", back["name"])

	outputFormat = "xml"
	assert.Error(t, render(&buf, proto.ChangeSet{}))
}

func TestWorkspaceRequired(t *testing.T) {
	workspaceID = ""
	var out bytes.Buffer
	err := executeContext(context.Background(), &out, "cs", "list", "--server", "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no workspace")
}

func TestEndToEnd(t *testing.T) {
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "vgraph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	cache := layercache.NewMemory()
	t.Cleanup(cache.Close)

	log := zap.NewNop().Sugar()
	mgr := changeset.NewManager(db, cache, nil, nil, log, changeset.DefaultOptions())
	mgr.SetRebaseClient(rpc.NewLocal(rebaser.New(mgr, log, 2)))
	handler := api.NewRouter(mgr, db, &config.Config{Version: "test"}, api.NewTokenService(nil, ""), log)
	server := httptest.NewServer(api.WithDefaults(handler, log, 30*time.Second))
	defer server.Close()

	run := func(args ...string) []byte {
		t.Helper()
		var out bytes.Buffer
		base := []string{"--server", server.URL, "--token", "", "-o", "json"}
		require.NoError(t, executeContext(context.Background(), &out, append(args, base...)...))
		return out.Bytes()
	}

	var created proto.CreateWorkspaceResponse
	require.NoError(t, json.Unmarshal(run("workspace", "create", "demo", "--actor", "henry"), &created))
	ws := created.Workspace.ID

	var cs proto.ChangeSet
	require.NoError(t, json.Unmarshal(run("cs", "create", "feature", "-w", ws, "--actor", "henry"), &cs))
	assert.Equal(t, created.Head.ID, cs.BaseChangeSetID)

	run("cs", "request-approval", cs.ID, "-w", ws, "--actor", "henry")
	require.NoError(t, json.Unmarshal(run("cs", "approve", cs.ID, "-w", ws, "--actor", "iris"), &cs))
	assert.Equal(t, "approved", cs.Status)

	require.NoError(t, json.Unmarshal(run("cs", "apply", cs.ID, "-w", ws, "--actor", "henry"), &cs))
	assert.Equal(t, "applied", cs.Status)

	var list []proto.ChangeSet
	require.NoError(t, json.Unmarshal(run("cs", "list", "-w", ws, "--status", "applied"), &list))
	require.Len(t, list, 1)
	assert.Equal(t, cs.ID, list[0].ID)

	outputFormat = "yaml"
	var out bytes.Buffer
	require.NoError(t, executeContext(context.Background(), &out, "health", "--server", server.URL, "-o", "yaml"))
	assert.True(t, strings.HasPrefix(out.String(), "status: ok"))
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("VGRAPH_AUTH_JWT_SECRET", "s3cret")
	t.Setenv("VGRAPH_DATA_DIR", t.TempDir())

	var out bytes.Buffer
	require.NoError(t, executeContext(context.Background(), &out, "token", "jane", "--ttl", "1m"))
	claims, err := api.NewTokenService([]byte("s3cret"), "vgraph").ValidateToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "jane", claims.Subject)
}

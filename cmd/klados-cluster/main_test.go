package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arke-labs/klados-cluster/internal/entity"
	"github.com/arke-labs/klados-cluster/internal/entitystore/sqlitestore"
)

// requiredEnv sets every environment variable config.LoadEnv requires;
// t.Setenv restores the prior values when the test ends.
func requiredEnv(t *testing.T) {
	t.Helper()
	vars := map[string]string{
		"ARKE_USER_KEY":           "test-user-key",
		"ARKE_API_BASE":           "https://example.invalid",
		"ARKE_NETWORK":            "test",
		"SCATTER_KG_RHIZA":        "rhiza-1",
		"SCATTER_KLADOS":          "klados-scatter",
		"KG_EXTRACTOR_KLADOS":     "klados-extractor",
		"KG_DEDUPE_RESOLVER_KLADOS": "klados-dedupe",
		"KG_CLUSTER_KLADOS":       "klados-cluster",
		"DESCRIBE_KLADOS":         "klados-describe",
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func captureStdout(t *testing.T, fn func() int) (string, int) {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	code := fn()

	require.NoError(t, w.Close())
	os.Stdout = old
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out), code
}

func TestRun_DryRunPrintsPlanWithoutMutating(t *testing.T) {
	requiredEnv(t)
	dir := t.TempDir()
	t.Chdir(dir)

	envFile := dir + "/.env"
	require.NoError(t, os.WriteFile(envFile, []byte(""), 0o644))

	out, code := captureStdout(t, func() int {
		return run([]string{
			"-env-file", envFile,
			"-dry-run",
			"-target-entity", "entity-1",
			"-target-collection", "collection-1",
			"-entity-ids", "a,b,c",
		})
	})

	require.Equal(t, 0, code)

	var plan map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Equal(t, "create", plan["action"])
	assert.Equal(t, "entity-1", plan["target_entity"])
	assert.Equal(t, []any{"a", "b", "c"}, plan["entity_ids"])

	_, err := os.Stat(dir + "/.rhiza-state-default-test")
	assert.True(t, os.IsNotExist(err), "dry-run must not write the state file")
}

func TestRun_MissingEntityIDsWithoutDryRunFails(t *testing.T) {
	requiredEnv(t)
	dir := t.TempDir()
	t.Chdir(dir)
	envFile := dir + "/.env"
	require.NoError(t, os.WriteFile(envFile, []byte(""), 0o644))

	_, code := captureStdout(t, func() int {
		return run([]string{"-env-file", envFile})
	})
	assert.Equal(t, 1, code)
}

func TestRun_MissingRequiredEnvVarFails(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	envFile := dir + "/.env"
	require.NoError(t, os.WriteFile(envFile, []byte(""), 0o644))

	_, code := captureStdout(t, func() int {
		return run([]string{"-env-file", envFile, "-dry-run"})
	})
	assert.Equal(t, 1, code)
}

func TestRun_UnknownFlagFails(t *testing.T) {
	_, code := captureStdout(t, func() int {
		return run([]string{"-not-a-real-flag"})
	})
	assert.Equal(t, 1, code)
}

func TestRun_CheckCompleteReportsSealedTree(t *testing.T) {
	requiredEnv(t)
	dir := t.TempDir()
	t.Chdir(dir)
	envFile := dir + "/.env"
	require.NoError(t, os.WriteFile(envFile, []byte(""), 0o644))

	dbPath := dir + "/klados.db"
	store, err := sqlitestore.Open(dbPath)
	require.NoError(t, err)
	ctx := context.Background()

	rootLogID, err := store.CreateWithRelationships(ctx, entity.Entity{
		Type:       entity.TypeKladosLog,
		Properties: map[string]any{"status": "done"},
	})
	require.NoError(t, err)
	collectionID, err := store.CreateWithRelationships(ctx, entity.Entity{
		Type:          entity.TypeJobCollection,
		Relationships: []entity.Relationship{{Predicate: entity.PredFirstLog, Peer: rootLogID, PeerType: entity.TypeKladosLog}},
	})
	require.NoError(t, err)

	out, code := captureStdout(t, func() int {
		return run([]string{
			"-env-file", envFile,
			"-store", "sqlite",
			"-sqlite-path", dbPath,
			"-check-complete", collectionID,
		})
	})

	require.Equal(t, 0, code)
	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, true, result["complete"])
	assert.Equal(t, rootLogID, result["root_log_id"])
}

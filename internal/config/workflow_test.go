package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWorkflowFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadWorkflowDefinition_ResolvesEnvVar(t *testing.T) {
	t.Setenv("KG_CLUSTER_KLADOS", "cluster-klados-123")
	path := writeWorkflowFile(t, `{
		"label": "whaling-kg",
		"version": 1,
		"entry": "scatter",
		"flow": {"cluster": {"klados": {"id": "$KG_CLUSTER_KLADOS"}}}
	}`)

	def, err := LoadWorkflowDefinition(path)
	require.NoError(t, err)
	assert.Equal(t, "whaling-kg", def.Label)
	assert.Equal(t, "cluster-klados-123", def.Flow["cluster"].Klados.ID)
}

func TestLoadWorkflowDefinition_LiteralIDPassesThrough(t *testing.T) {
	path := writeWorkflowFile(t, `{
		"label": "whaling-kg",
		"version": 1,
		"entry": "scatter",
		"flow": {"cluster": {"klados": {"id": "literal-id"}}}
	}`)

	def, err := LoadWorkflowDefinition(path)
	require.NoError(t, err)
	assert.Equal(t, "literal-id", def.Flow["cluster"].Klados.ID)
}

func TestLoadWorkflowDefinition_UnresolvedVarAborts(t *testing.T) {
	path := writeWorkflowFile(t, `{
		"label": "whaling-kg",
		"version": 1,
		"entry": "scatter",
		"flow": {"cluster": {"klados": {"id": "$UNSET_VAR_XYZ"}}}
	}`)

	_, err := LoadWorkflowDefinition(path)
	assert.Error(t, err)
}

func TestLoadWorkflowDefinition_MissingFile(t *testing.T) {
	_, err := LoadWorkflowDefinition("/nonexistent/workflow.json")
	assert.Error(t, err)
}

func TestLoadWorkflowDefinition_YAMLVariant(t *testing.T) {
	t.Setenv("KG_CLUSTER_KLADOS", "cluster-klados-123")
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow.yaml")
	contents := "label: whaling-kg\nversion: 1\nentry: scatter\nflow:\n  cluster:\n    klados:\n      id: $KG_CLUSTER_KLADOS\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	def, err := LoadWorkflowDefinition(path)
	require.NoError(t, err)
	assert.Equal(t, "whaling-kg", def.Label)
	assert.Equal(t, "cluster-klados-123", def.Flow["cluster"].Klados.ID)
}

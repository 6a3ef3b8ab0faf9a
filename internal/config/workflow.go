package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/arke-labs/klados-cluster/internal/clustererr"
	"gopkg.in/yaml.v3"
)

// WorkflowStep is one entry in a workflow definition's flow map: the
// klados (pipeline stage implementation) bound to that step.
type WorkflowStep struct {
	Klados struct {
		ID string `json:"id" yaml:"id"`
	} `json:"klados" yaml:"klados"`
}

// WorkflowDefinition is `{label, version, entry, flow: {step: {klados:
// {id: "$VAR"}}}}`. Values are read raw from
// disk, then every `klados.id` prefixed with `$` is resolved against the
// process environment by LoadWorkflowDefinition. Accepted on disk as either JSON
// or YAML; LoadWorkflowDefinition picks the codec from the file
// extension.
type WorkflowDefinition struct {
	Label   string                  `json:"label" yaml:"label"`
	Version int                     `json:"version" yaml:"version"`
	Entry   string                  `json:"entry" yaml:"entry"`
	Flow    map[string]WorkflowStep `json:"flow" yaml:"flow"`
}

// LoadWorkflowDefinition reads and parses the workflow-definition file at
// path, then resolves every `$VAR`-prefixed klados id against the process
// environment. A missing variable aborts with ErrConfig and a
// human-readable message naming the unresolved step. A `.yaml`/`.yml`
// path is parsed as YAML; everything else is treated as JSON.
func LoadWorkflowDefinition(path string) (WorkflowDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return WorkflowDefinition{}, fmt.Errorf("%w: read workflow definition %s: %v", clustererr.ErrConfig, path, err)
	}

	var def WorkflowDefinition
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		if err := yaml.Unmarshal(raw, &def); err != nil {
			return WorkflowDefinition{}, fmt.Errorf("%w: parse workflow definition %s: %v", clustererr.ErrConfig, path, err)
		}
	} else if err := json.Unmarshal(raw, &def); err != nil {
		return WorkflowDefinition{}, fmt.Errorf("%w: parse workflow definition %s: %v", clustererr.ErrConfig, path, err)
	}

	for step, s := range def.Flow {
		resolved, err := resolveVar(s.Klados.ID)
		if err != nil {
			return WorkflowDefinition{}, fmt.Errorf("%w: workflow step %q: %v", clustererr.ErrConfig, step, err)
		}
		s.Klados.ID = resolved
		def.Flow[step] = s
	}

	return def, nil
}

// resolveVar substitutes a `$VAR`-prefixed value from the process
// environment, validating-then-constructing so an unresolvable reference
// never produces a partially-substituted value: a missing variable
// aborts registration with a human-readable error.
func resolveVar(v string) (string, error) {
	if !strings.HasPrefix(v, "$") {
		return v, nil
	}
	name := strings.TrimPrefix(v, "$")
	val, ok := os.LookupEnv(name)
	if !ok || val == "" {
		return "", fmt.Errorf("unresolved environment variable %s", name)
	}
	return val, nil
}

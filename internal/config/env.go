// Package config loads the environment variables, workflow-definition
// file, and per-network state file the CLI needs to register and invoke
// a scatter run. `.env` loading is a godotenv.Load-then-os.LookupEnv
// two-step: local development gets a `.env` file, production gets real
// environment variables, and a missing required variable is always a
// config error, never a silent default.
package config

import (
	"fmt"
	"os"

	"github.com/arke-labs/klados-cluster/internal/clustererr"
	"github.com/joho/godotenv"
)

// Env is every required environment variable, already resolved.
type Env struct {
	UserKey  string
	APIBase  string
	Network  string
	Rhiza    string
	Kladoi   map[string]string
}

// Stage names used as Kladoi map keys and as the corresponding
// KEY_KLADOS env var prefixes.
const (
	StageScatter        = "SCATTER"
	StageExtractor       = "KG_EXTRACTOR"
	StageDedupeResolver  = "KG_DEDUPE_RESOLVER"
	StageCluster         = "KG_CLUSTER"
	StageDescribe        = "DESCRIBE"
)

var stages = []string{StageScatter, StageExtractor, StageDedupeResolver, StageCluster, StageDescribe}

// LoadDotEnv loads path (typically ".env") into the process environment.
// A missing file is not an error — the caller may be running against
// real environment variables only — but godotenv's own parse errors are
// reported so a malformed .env is never silently ignored.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: load %s: %v", clustererr.ErrConfig, path, err)
	}
	return nil
}

// require reads a non-empty environment variable or fails closed with
// ErrConfig, so configuration errors are surfaced at startup with exit
// code 1 instead of failing deep in a worker.
func require(key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: missing required environment variable %s", clustererr.ErrConfig, key)
	}
	return v, nil
}

// LoadEnv reads every required environment variable (`ARKE_USER_KEY`,
// `ARKE_API_BASE`, `ARKE_NETWORK`, `SCATTER_KG_RHIZA`, and one
// `*_KLADOS` id per pipeline stage), failing on the first missing one.
func LoadEnv() (Env, error) {
	var env Env
	var err error

	if env.UserKey, err = require("ARKE_USER_KEY"); err != nil {
		return Env{}, err
	}
	if env.APIBase, err = require("ARKE_API_BASE"); err != nil {
		return Env{}, err
	}
	if env.Network, err = require("ARKE_NETWORK"); err != nil {
		return Env{}, err
	}
	if env.Network != "test" && env.Network != "main" {
		return Env{}, fmt.Errorf("%w: ARKE_NETWORK must be \"test\" or \"main\", got %q", clustererr.ErrConfig, env.Network)
	}
	if env.Rhiza, err = require("SCATTER_KG_RHIZA"); err != nil {
		return Env{}, err
	}

	env.Kladoi = make(map[string]string, len(stages))
	for _, stage := range stages {
		id, err := require(stage + "_KLADOS")
		if err != nil {
			return Env{}, err
		}
		env.Kladoi[stage] = id
	}

	return env, nil
}

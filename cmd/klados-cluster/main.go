// Command klados-cluster registers a scatter→cluster workflow and issues
// one invocation against it: workflow-definition parsing, the
// `.rhiza-state-<workflow>-<network>` file, `--dry-run`, and a 0/1
// exit-code contract, all wired up with the standard library's `flag`
// package rather than a CLI framework.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/arke-labs/klados-cluster/internal/branch"
	"github.com/arke-labs/klados-cluster/internal/cluster"
	"github.com/arke-labs/klados-cluster/internal/config"
	"github.com/arke-labs/klados-cluster/internal/describe"
	"github.com/arke-labs/klados-cluster/internal/emit"
	"github.com/arke-labs/klados-cluster/internal/entitystore"
	"github.com/arke-labs/klados-cluster/internal/entitystore/httpstore"
	"github.com/arke-labs/klados-cluster/internal/entitystore/memstore"
	"github.com/arke-labs/klados-cluster/internal/entitystore/mysqlstore"
	"github.com/arke-labs/klados-cluster/internal/entitystore/sqlitestore"
	"github.com/arke-labs/klados-cluster/internal/logwriter"
	"github.com/arke-labs/klados-cluster/internal/metrics"
	"github.com/arke-labs/klados-cluster/internal/model"
	"github.com/arke-labs/klados-cluster/internal/model/anthropic"
	"github.com/arke-labs/klados-cluster/internal/model/google"
	"github.com/arke-labs/klados-cluster/internal/model/openai"
	"github.com/arke-labs/klados-cluster/internal/observer"
	"github.com/arke-labs/klados-cluster/internal/scatter"
	"github.com/arke-labs/klados-cluster/internal/searchclient/httpclient"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run implements the CLI so tests can exercise it without os.Exit.
func run(args []string) int {
	fs := flag.NewFlagSet("klados-cluster", flag.ContinueOnError)
	envFile := fs.String("env-file", ".env", "path to a .env file (missing file is not an error)")
	workflowPath := fs.String("workflow", "", "path to the workflow-definition JSON or YAML file")
	entityIDs := fs.String("entity-ids", "", "comma-separated entity ids to scatter (input.entity_ids)")
	targetEntity := fs.String("target-entity", "", "invocation request's targetEntity")
	targetCollection := fs.String("target-collection", "", "invocation request's targetCollection")
	storeBackend := fs.String("store", "http", "entity store backend: http, sqlite, mysql, mem")
	sqlitePath := fs.String("sqlite-path", "klados-cluster.db", "sqlite database path (when -store=sqlite)")
	mysqlDSN := fs.String("mysql-dsn", "", "MySQL DSN (when -store=mysql)")
	metricsAddr := fs.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")
	dryRun := fs.Bool("dry-run", false, "print the action plan and exit 0 without mutating anything")
	checkComplete := fs.String("check-complete", "", "job collection id: report Workflow-Tree Observer completeness for it and exit, issuing no invocation")
	fs.SetOutput(os.Stderr)

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	env, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if *checkComplete != "" {
		return runCheckComplete(env, *storeBackend, *sqlitePath, *mysqlDSN, *checkComplete)
	}

	var workflowLabel string
	if *workflowPath != "" {
		def, err := config.LoadWorkflowDefinition(*workflowPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		workflowLabel = def.Label
	} else {
		workflowLabel = "default"
	}

	ids := splitNonEmpty(*entityIDs)
	statePath := config.StatePath(workflowLabel, env.Network)
	state, existed, err := config.ReadState(statePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if *dryRun {
		plan := map[string]any{
			"action":            actionFor(existed),
			"workflow":          workflowLabel,
			"network":           env.Network,
			"rhiza":             env.Rhiza,
			"target_entity":     *targetEntity,
			"target_collection": *targetCollection,
			"entity_ids":        ids,
			"state_file":        statePath,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(plan); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}

	if len(ids) == 0 {
		fmt.Fprintln(os.Stderr, "klados-cluster: -entity-ids is required outside -dry-run")
		return 1
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			_ = http.ListenAndServe(*metricsAddr, mux)
		}()
	}
	m := metrics.New(prometheus.DefaultRegisterer)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	store, err := buildStore(*storeBackend, env, *sqlitePath, *mysqlDSN, rng)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	search := httpclient.New(env.APIBase, env.UserKey, httpclient.DefaultRetryPolicy, rng)
	chat, err := buildChatModel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	emitter := buildEmitter()
	writer := logwriter.New(store, emitter, 64)

	clusterer := cluster.New(store, search, writer, emitter, cluster.DefaultConfig, rng)
	clusterer.SetMetrics(m)
	describer := describe.New(store, writer, chat, emitter)
	describer.SetMetrics(m)
	deduper := branch.NewFingerprintDeduper(store)
	extractor := branch.NewChatExtractor(chat)
	pipeline := branch.New(store, writer, emitter, extractor, deduper, clusterer, describer)

	coordinator := scatter.New(store, writer)
	ctx := context.Background()

	result, err := coordinator.Start(ctx, env.Rhiza, *targetEntity, *targetCollection, ids, func(ctx context.Context, logID, entityID string) {
		e, err := store.Get(ctx, entityID)
		if err != nil {
			return
		}
		text, _ := e.Properties["text"].(string)
		pipeline.RunChunk(ctx, logID, entityID, text)
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("klados-cluster: %w", err))
		return 1
	}

	if err := config.WriteState(statePath, config.State{
		RhizaID:      env.Rhiza,
		CollectionID: result.JobCollection,
		Version:      state.Version + 1,
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
	return 0
}

// runCheckComplete implements -check-complete: resolve jobCollectionID's
// log tree via the Workflow-Tree Observer and print whether it has
// sealed. A real scatter invocation returns "started" immediately and
// never waits on its fanned-out branches (see internal/scatter's doc
// comment) — this is the separate, later poll that learns a branch
// actually finished.
func runCheckComplete(env config.Env, storeBackend, sqlitePath, mysqlDSN, jobCollectionID string) int {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	store, err := buildStore(storeBackend, env, sqlitePath, mysqlDSN, rng)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	complete, tree, err := observer.New(store).IsComplete(context.Background(), jobCollectionID)
	if err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("klados-cluster: %w", err))
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]any{
		"complete":    complete,
		"root_log_id": tree.RootLogID,
		"log_count":   len(tree.Logs),
	})
	return 0
}

func actionFor(existed bool) string {
	if existed {
		return "update"
	}
	return "create"
}

func splitNonEmpty(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if i > start {
				out = append(out, csv[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func buildStore(backend string, env config.Env, sqlitePath, mysqlDSN string, rng *rand.Rand) (entitystore.Store, error) {
	switch backend {
	case "http":
		return httpstore.New(env.APIBase, env.UserKey, httpstore.DefaultRetryPolicy, rng), nil
	case "sqlite":
		return sqlitestore.Open(sqlitePath)
	case "mysql":
		return mysqlstore.Open(mysqlDSN)
	case "mem":
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("klados-cluster: unknown -store backend %q", backend)
	}
}

func buildChatModel() (model.ChatModel, error) {
	provider := os.Getenv("DESCRIBE_MODEL_PROVIDER")
	switch provider {
	case "", "anthropic":
		return anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), os.Getenv("DESCRIBE_MODEL_NAME")), nil
	case "openai":
		return openai.NewChatModel(os.Getenv("OPENAI_API_KEY"), os.Getenv("DESCRIBE_MODEL_NAME")), nil
	case "google":
		return google.NewChatModel(os.Getenv("GOOGLE_API_KEY"), os.Getenv("DESCRIBE_MODEL_NAME")), nil
	default:
		return nil, fmt.Errorf("klados-cluster: unknown DESCRIBE_MODEL_PROVIDER %q", provider)
	}
}

// buildEmitter picks the production emitter: OTel spans when
// KLADOS_OTEL_ENDPOINT is set (the tracer provider is wired here, since
// OTelEmitter only ever holds a bare trace.Tracer), a JSONL log emitter to
// stdout otherwise.
func buildEmitter() emit.Emitter {
	if os.Getenv("KLADOS_OTEL_ENDPOINT") == "" {
		return emit.NewLogEmitter(os.Stdout, true)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	otel.SetTracerProvider(tp)
	return emit.NewOTelEmitter(tp.Tracer("klados-cluster"))
}

// Package sim (driver) wires a Scheduler to an in-memory entity store, a
// mock search client, and a full branch.Pipeline, to drive a whole
// scatter→extract→dedupe→cluster→describe→recurse run under a seeded
// math/rand.Rand. The same seed reproduces the same jitter sequence and
// therefore the same resulting tree, which is what makes a simulated run
// checkable at all.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/arke-labs/klados-cluster/internal/branch"
	"github.com/arke-labs/klados-cluster/internal/cluster"
	"github.com/arke-labs/klados-cluster/internal/describe"
	"github.com/arke-labs/klados-cluster/internal/emit"
	"github.com/arke-labs/klados-cluster/internal/entity"
	"github.com/arke-labs/klados-cluster/internal/entitystore"
	"github.com/arke-labs/klados-cluster/internal/entitystore/memstore"
	"github.com/arke-labs/klados-cluster/internal/logwriter"
	"github.com/arke-labs/klados-cluster/internal/model"
	"github.com/arke-labs/klados-cluster/internal/observer"
	"github.com/arke-labs/klados-cluster/internal/searchclient/mock"
)

// Config holds a simulated run's tunables: RNG seed, search candidate
// limit, inter-chunk arrival spacing, index-visibility delay, and the
// cluster worker's recheck/follower-wait windows.
type Config struct {
	Seed            int64
	SearchLimit     int
	ArrivalSpread   time.Duration
	IndexDelay      time.Duration
	RecheckDelay    time.Duration
	FollowerWaitMin time.Duration
	FollowerWaitMax time.Duration
}

// DefaultConfig matches cluster.DefaultConfig's defaults plus the
// simulator-only arrival/index knobs.
var DefaultConfig = Config{
	Seed:            42,
	SearchLimit:     cluster.DefaultConfig.SearchLimit,
	ArrivalSpread:   100 * time.Millisecond,
	IndexDelay:      time.Second,
	RecheckDelay:    cluster.DefaultConfig.RecheckDelay,
	FollowerWaitMin: cluster.DefaultConfig.FollowerWaitMin,
	FollowerWaitMax: cluster.DefaultConfig.FollowerWaitMax,
}

// indexingStore wraps *memstore.Store so every entity creation schedules
// its own semantic-search visibility IndexDelay later on the same virtual
// clock the Cluster Worker's timers use, modeling how search visibility
// lags behind a write in the real system.
type indexingStore struct {
	*memstore.Store
	sched  *Scheduler
	search *mock.Client
	delay  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func (s *indexingStore) CreateWithRelationships(ctx context.Context, e entity.Entity) (string, error) {
	id, err := s.Store.CreateWithRelationships(ctx, e)
	if err != nil {
		return id, err
	}
	layer := e.Layer()

	s.mu.Lock()
	score := s.rng.Float64()
	s.mu.Unlock()

	s.sched.At(s.sched.Now()+int64(s.delay), func() {
		s.search.Index(layer, id, score, s.sched.Now())
	})
	return id, nil
}

// Simulation is one reproducible run: a scheduler, a store that indexes
// new entities on virtual-time delay, and a branch pipeline wired to
// both.
type Simulation struct {
	cfg           Config
	sched         *Scheduler
	store         *indexingStore
	search        *mock.Client
	emitter       *emit.BufferedEmitter
	writer        *logwriter.Writer
	pipeline      *branch.Pipeline
	jobCollection string
}

// New creates a Simulation wired with extractor as the Branch Pipeline's
// Extractor (tests typically pass a fixed-output stub; a ChatModel-backed
// one works too since it is driven synchronously within each simulated
// worker's own goroutine).
func New(cfg Config, extractor branch.Extractor, chat model.ChatModel) *Simulation {
	rng := rand.New(rand.NewSource(cfg.Seed))
	sched := NewScheduler()
	search := mock.New()
	store := &indexingStore{Store: memstore.New(), sched: sched, search: search, delay: cfg.IndexDelay, rng: rng}
	emitter := emit.NewBufferedEmitter()
	writer := logwriter.New(store, emitter, 64)
	deduper := branch.NewFingerprintDeduper(store)

	clustererCfg := cluster.Config{
		SearchLimit:     cfg.SearchLimit,
		RecheckDelay:    cfg.RecheckDelay,
		FollowerWaitMin: cfg.FollowerWaitMin,
		FollowerWaitMax: cfg.FollowerWaitMax,
	}
	clusterer := cluster.New(store, search, writer, emitter, clustererCfg, rng)
	clusterer.SetSleeper(sched.Sleep)

	describer := describe.New(store, writer, chat, emitter)

	pipeline := branch.New(store, writer, emitter, extractor, deduper, clusterer, describer)
	pipeline.SetLauncher(func(fn func()) {
		sched.Spawn()
		go func() {
			defer sched.Done()
			fn()
		}()
	})

	return &Simulation{cfg: cfg, sched: sched, store: store, search: search, emitter: emitter, writer: writer, pipeline: pipeline}
}

// Store exposes the simulated entity store, for Validator and assertions.
func (s *Simulation) Store() entitystore.Store { return s.store }

// Events returns every event the job collection's logs emitted, for
// assertions on retry counts, state transitions, and error messages.
func (s *Simulation) Events(jobID string) []emit.Event { return s.emitter.History(jobID) }

// RunChunks creates one job collection with a root scatter log fanning out
// to one log per input chunk — the same shape scatter.Coordinator.Start
// builds for a real invocation — stagger their arrival by
// cfg.ArrivalSpread, and drains the scheduler to quiescence: every
// fanned-out extract/dedupe/cluster/describe/recurse goroutine the run
// produces, transitively. It returns the ids of every layer-0 entity in
// the store: the extractor/deduper's entities, and also the job
// collection and the logs, which carry no _kg_layer and so count as
// layer 0.
func (s *Simulation) RunChunks(ctx context.Context, texts []string) ([]string, error) {
	collectionID, err := s.store.CreateWithRelationships(ctx, entity.Entity{Type: entity.TypeJobCollection})
	if err != nil {
		return nil, fmt.Errorf("sim: create job collection: %w", err)
	}
	rootLogID, err := s.store.CreateWithRelationships(ctx, entity.Entity{Type: entity.TypeKladosLog})
	if err != nil {
		return nil, fmt.Errorf("sim: create root log: %w", err)
	}
	if err := s.store.AdditiveUpdate(ctx, []entitystore.Update{{
		EntityID:         collectionID,
		RelationshipsAdd: []entity.Relationship{{Predicate: entity.PredFirstLog, Peer: rootLogID, PeerType: entity.TypeKladosLog}},
	}}); err != nil {
		return nil, fmt.Errorf("sim: link root log: %w", err)
	}
	s.writer.CreateLog(ctx, rootLogID, rootLogID, nil)
	s.jobCollection = collectionID

	chunkLogIDs := make([]string, len(texts))
	for i := range texts {
		logID, err := s.store.CreateWithRelationships(ctx, entity.Entity{Type: entity.TypeKladosLog})
		if err != nil {
			return nil, fmt.Errorf("sim: create chunk log: %w", err)
		}
		if err := s.store.AdditiveUpdate(ctx, []entitystore.Update{{
			EntityID:         rootLogID,
			RelationshipsAdd: []entity.Relationship{{Predicate: entity.PredSentTo, Peer: logID, PeerType: entity.TypeKladosLog}},
		}}); err != nil {
			return nil, fmt.Errorf("sim: link chunk log: %w", err)
		}
		s.writer.CreateLog(ctx, logID, logID, &logwriter.ReceivedInfo{ParentLogIDs: []string{rootLogID}})
		chunkLogIDs[i] = logID
	}
	s.writer.SetHandoffs(ctx, rootLogID, []logwriter.Handoff{
		{Kind: logwriter.HandoffScatter, Outputs: chunkLogIDs},
	})
	s.writer.CompleteLog(ctx, rootLogID, logwriter.StatusDone, "", nil)

	for i, text := range texts {
		i, text, logID := i, text, chunkLogIDs[i]
		arrival := int64(i) * int64(s.cfg.ArrivalSpread)
		s.sched.At(s.sched.Now()+arrival, func() {
			s.sched.Spawn()
			go func() {
				defer s.sched.Done()
				s.pipeline.RunChunk(ctx, logID, fmt.Sprintf("chunk-%d", i), text)
			}()
		})
	}

	s.sched.Run()
	s.writer.Wait()

	return s.store.ByLayer(ctx, 0, "")
}

// JobCollection returns the job collection id RunChunks created, the id
// CheckComplete resolves its log tree against.
func (s *Simulation) JobCollection() string { return s.jobCollection }

// CheckComplete reports whether the whole simulated run's log tree has
// sealed: every log terminal with every expected child present, per
// internal/observer — the same check a real deployment polls after a
// scatter invocation returns "started".
func (s *Simulation) CheckComplete(ctx context.Context) (bool, observer.Tree, error) {
	return observer.New(s.store).IsComplete(ctx, s.jobCollection)
}

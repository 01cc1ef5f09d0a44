// Package matstore is the materialized-state store of an incremental
// dataflow query cache: it owns the authoritative row-level contents
// of every base table and cached view, answers point and range
// lookups by declared key columns, tracks partially materialized keys
// as replayable holes, persists rows together with the upstream
// replication checkpoint, and keeps itself inside a memory budget by
// evicting key ranges.
package matstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/matstore/evict"
	"github.com/drpcorg/matstore/materrs"
	"github.com/drpcorg/matstore/rowval"
	"github.com/drpcorg/matstore/schema"
	"github.com/drpcorg/matstore/utils"
)

type Options struct {
	// Dir holds one pebble store per durable node.
	Dir    string
	Logger utils.Logger

	// MemBudget caps the process-wide resident bytes; zero disables
	// eviction. BudgetFile, when set, is watched and hot-reloads the
	// budget on change.
	MemBudget  int64
	BudgetFile string

	EvictInterval time.Duration
	EvictPolicy   evict.Policy
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.EvictInterval == 0 {
		o.EvictInterval = time.Second
	}
	if o.EvictPolicy == nil {
		o.EvictPolicy = evict.SizeProportional{}
	}
}

// Store is the process-wide registry of node state handles plus the
// eviction control loop.
type Store struct {
	opts   Options
	log    utils.Logger
	nodes  *xsync.MapOf[uint64, *Handle]
	ctl    *evict.Controller
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

func Open(opts Options) (*Store, error) {
	opts.SetDefaults()
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %w", materrs.ErrStorageIO, err)
		}
	}
	s := &Store{
		opts:  opts,
		log:   opts.Logger,
		nodes: xsync.NewMapOf[uint64, *Handle](),
	}
	s.ctl = evict.NewController(
		(*storeView)(s), opts.EvictPolicy, opts.MemBudget,
		opts.EvictInterval, opts.BudgetFile, opts.Logger,
	)
	return s, nil
}

// Start launches the periodic eviction task. It is optional; a store
// used without Start still serves everything, it only skips the
// background budget enforcement.
func (s *Store) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.ctl.Run(ctx)
	}()
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return materrs.ErrClosed
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	var first error
	s.nodes.Range(func(_ uint64, h *Handle) bool {
		if err := h.close(); err != nil && first == nil {
			first = err
		}
		return true
	})
	s.nodes.Clear()
	return first
}

func nodeDirName(id uint64) string {
	return fmt.Sprintf("n%x", id)
}

// AddNode materializes a new node. Durable nodes reopen their pebble
// store under Dir and recover; see Handle.recover for the cold-start
// hole semantics.
func (s *Store) AddNode(id uint64, sch schema.Schema, persistent bool) (*Handle, error) {
	if s.closed.Load() {
		return nil, materrs.ErrClosed
	}
	h, err := newHandle(id, sch, filepath.Join(s.opts.Dir, nodeDirName(id)), persistent, s.log)
	if err != nil {
		return nil, err
	}
	if _, loaded := s.nodes.LoadOrStore(id, h); loaded {
		_ = h.close()
		return nil, fmt.Errorf("%w: node %x already exists", materrs.ErrBadSchema, id)
	}
	s.log.Info("node added", "node", h.name, "indexes", len(sch.Indexes), "durable", persistent)
	return h, nil
}

func (s *Store) Node(id uint64) (*Handle, error) {
	h, ok := s.nodes.Load(id)
	if !ok {
		return nil, materrs.ErrNoSuchNode
	}
	return h, nil
}

// DropNode tears a node down, e.g. when its cached query is removed.
func (s *Store) DropNode(id uint64) error {
	h, ok := s.nodes.LoadAndDelete(id)
	if !ok {
		return materrs.ErrNoSuchNode
	}
	return h.close()
}

// The dataflow-engine contract, routed by node id.

func (s *Store) ApplyDeltas(node uint64, deltas []rowval.Delta, pos rowval.LogPosition) error {
	h, err := s.Node(node)
	if err != nil {
		return err
	}
	return h.ApplyDeltas(deltas, pos)
}

func (s *Store) Lookup(node uint64, index uint32, key rowval.Key) (Result, error) {
	h, err := s.Node(node)
	if err != nil {
		return Result{}, err
	}
	return h.Lookup(index, key)
}

func (s *Store) RangeLookup(node uint64, index uint32, from, to rowval.Key) (Result, error) {
	h, err := s.Node(node)
	if err != nil {
		return Result{}, err
	}
	return h.RangeLookup(index, from, to)
}

func (s *Store) MarkFilled(node uint64, index uint32, key rowval.Key, rows []rowval.Row) error {
	h, err := s.Node(node)
	if err != nil {
		return err
	}
	return h.MarkFilled(index, key, rows)
}

func (s *Store) Evict(node uint64, index uint32, targetBytes int64) (int64, error) {
	h, err := s.Node(node)
	if err != nil {
		return 0, err
	}
	return h.EvictBytes(index, targetBytes), nil
}

// LastCheckpoint reports where upstream replication must resume for
// one durable node.
func (s *Store) LastCheckpoint(node uint64) (rowval.LogPosition, bool, error) {
	h, err := s.Node(node)
	if err != nil {
		return rowval.LogPosition{}, false, err
	}
	return h.Checkpoint()
}

func (s *Store) ResidentBytes() (total int64) {
	s.nodes.Range(func(_ uint64, h *Handle) bool {
		total += h.Bytes()
		return true
	})
	return
}

// DumpNode writes a node's durable contents in readable form.
func (s *Store) DumpNode(w io.Writer, id uint64) error {
	h, err := s.Node(id)
	if err != nil {
		return err
	}
	if h.dur == nil {
		fmt.Fprintln(w, "node", h.name, "is memory-only,", h.mem.Len(), "rows resident")
		return nil
	}
	h.dur.DumpAll(w)
	return nil
}

// RegisterMetrics attaches every matstore collector, including one
// pebble collector per durable node, to the given registry.
func (s *Store) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		LookupCount, ResidentBytes, EvictedKeys,
		evict.Passes, evict.FreedBytes, evict.Budget,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	var err error
	s.nodes.Range(func(_ uint64, h *Handle) bool {
		if h.dur != nil {
			if err = reg.Register(NewPebbleCollector(h.name, h.dur.DB())); err != nil {
				return false
			}
		}
		return true
	})
	return err
}

// storeView adapts the Store for the eviction controller.
type storeView Store

func (v *storeView) ResidentBytes() int64 {
	return (*Store)(v).ResidentBytes()
}

// Candidates lists every evictable partial index. The node's resident
// bytes are attributed to each of its partial indices evenly; the
// split is approximate.
func (v *storeView) Candidates() (cands []evict.Candidate) {
	v.nodes.Range(func(id uint64, h *Handle) bool {
		if !h.evictable() {
			return true
		}
		share := h.Bytes() / int64(len(h.trackers))
		for ix := range h.trackers {
			cands = append(cands, evict.Candidate{Node: id, Index: ix, Bytes: share})
		}
		return true
	})
	return
}

func (v *storeView) EvictBytes(node uint64, index uint32, target int64) int64 {
	h, ok := v.nodes.Load(node)
	if !ok {
		return 0
	}
	return h.EvictBytes(index, target)
}

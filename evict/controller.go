package evict

import (
	"bytes"
	"context"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drpcorg/matstore/utils"
)

var Passes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "matstore",
	Subsystem: "evict",
	Name:      "passes",
}, []string{"result"})

var FreedBytes = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "matstore",
	Subsystem: "evict",
	Name:      "freed_bytes",
})

var Budget = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "matstore",
	Subsystem: "evict",
	Name:      "budget_bytes",
})

// View is the slice of the store the controller needs: enumerate
// evictable indices, read the resident size, shed bytes from one
// index. EvictBytes returns what it actually freed.
type View interface {
	Candidates() []Candidate
	ResidentBytes() int64
	EvictBytes(node uint64, index uint32, target int64) int64
}

type Controller struct {
	view     View
	policy   Policy
	budget   atomic.Int64
	interval time.Duration
	file     string // optional budget file, hot-reloaded on change
	log      utils.Logger
}

func NewController(view View, policy Policy, budget int64, interval time.Duration, budgetFile string, log utils.Logger) *Controller {
	c := &Controller{
		view:     view,
		policy:   policy,
		interval: interval,
		file:     budgetFile,
		log:      log,
	}
	c.budget.Store(budget)
	Budget.Set(float64(budget))
	return c
}

func (c *Controller) BudgetBytes() int64 { return c.budget.Load() }

func (c *Controller) SetBudget(b int64) {
	c.budget.Store(b)
	Budget.Set(float64(b))
}

// Pass runs one best-effort eviction cycle and returns the bytes
// freed. Zero excess is a no-op.
func (c *Controller) Pass() (freed int64) {
	budget := c.budget.Load()
	if budget <= 0 {
		return 0
	}
	excess := c.view.ResidentBytes() - budget
	if excess <= 0 {
		return 0
	}
	for _, victim := range c.policy.Pick(c.view.Candidates(), excess) {
		if freed >= excess {
			break
		}
		freed += c.view.EvictBytes(victim.Node, victim.Index, excess-freed)
	}
	FreedBytes.Add(float64(freed))
	if freed >= excess {
		Passes.WithLabelValues("reached").Inc()
	} else {
		// under target; advisory, retried on the next tick
		Passes.WithLabelValues("short").Inc()
	}
	return freed
}

// Run drives the control loop until the context is canceled: a
// periodic pass, plus a budget-file watch so operators can retune the
// budget without a restart.
func (c *Controller) Run(ctx context.Context) {
	var events chan fsnotify.Event
	if c.file != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			c.log.Warn("budget watch unavailable", "err", err)
		} else {
			defer watcher.Close()
			if err := watcher.Add(c.file); err != nil {
				c.log.Warn("cannot watch budget file", "path", c.file, "err", err)
			} else {
				events = make(chan fsnotify.Event, 1)
				go func() {
					for ev := range watcher.Events {
						if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
							select {
							case events <- ev:
							default:
							}
						}
					}
				}()
				c.reloadBudget()
			}
		}
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Pass()
		case <-events:
			c.reloadBudget()
			c.Pass()
		}
	}
}

func (c *Controller) reloadBudget() {
	raw, err := os.ReadFile(c.file)
	if err != nil {
		c.log.Warn("budget file unreadable", "path", c.file, "err", err)
		return
	}
	b, err := strconv.ParseInt(string(bytes.TrimSpace(raw)), 10, 64)
	if err != nil || b < 0 {
		c.log.Warn("budget file malformed", "path", c.file)
		return
	}
	c.SetBudget(b)
	c.log.Info("memory budget reloaded", "bytes", b)
}

package stream

import (
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

// CacheConfig configures the GraphCache.
type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *CacheConfig) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.Size, "graph-cache.size", 1024, "Maximum number of compiled fragment graphs kept for lookup.")
	f.DurationVar(&cfg.TTL, "graph-cache.ttl", 10*time.Minute, "How long a compiled fragment graph can be looked up after compilation. 0 keeps graphs until evicted by size.")
}

// Validate the config.
func (cfg *CacheConfig) Validate() error {
	if cfg.Size < 1 {
		return fmt.Errorf("graph cache size must be positive, got %d", cfg.Size)
	}
	if cfg.TTL < 0 {
		return fmt.Errorf("graph cache ttl must not be negative")
	}
	return nil
}

// GraphCache keeps compiled fragment graphs by job id until they expire or
// are pushed out by newer ones.
type GraphCache struct {
	graphs *expirable.LRU[string, *FragmentGraph]

	// The LRU runs its eviction callback for explicit removals too; removing
	// holds the key being removed so that it is not counted as an eviction.
	removeMtx sync.Mutex
	removing  atomic.String

	entries   prometheus.GaugeFunc
	evictions prometheus.Counter
	lookups   *prometheus.CounterVec
}

// NewGraphCache makes a new GraphCache.
func NewGraphCache(cfg CacheConfig, reg prometheus.Registerer) *GraphCache {
	c := &GraphCache{
		evictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "streamforge",
			Name:      "graph_cache_evictions_total",
			Help:      "Total number of compiled graphs evicted from the cache.",
		}),
		lookups: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamforge",
			Name:      "graph_cache_lookups_total",
			Help:      "Total number of graph cache lookups, by result.",
		}, []string{"result"}),
	}
	c.graphs = expirable.NewLRU[string, *FragmentGraph](cfg.Size, func(jobID string, _ *FragmentGraph) {
		if jobID != "" && jobID == c.removing.Load() {
			return
		}
		c.evictions.Inc()
	}, cfg.TTL)
	c.entries = promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "streamforge",
		Name:      "graph_cache_entries",
		Help:      "Number of compiled graphs currently cached.",
	}, func() float64 {
		return float64(c.graphs.Len())
	})
	return c
}

// Add stores graph under jobID, replacing any previous graph.
func (c *GraphCache) Add(jobID string, graph *FragmentGraph) {
	c.graphs.Add(jobID, graph)
}

// Get returns the graph compiled for jobID.
func (c *GraphCache) Get(jobID string) (*FragmentGraph, bool) {
	g, ok := c.graphs.Get(jobID)
	if ok {
		c.lookups.WithLabelValues("hit").Inc()
	} else {
		c.lookups.WithLabelValues("miss").Inc()
	}
	return g, ok
}

// Remove drops the graph of jobID.
func (c *GraphCache) Remove(jobID string) bool {
	c.removeMtx.Lock()
	defer c.removeMtx.Unlock()

	c.removing.Store(jobID)
	defer c.removing.Store("")
	return c.graphs.Remove(jobID)
}

// Len returns the number of cached graphs.
func (c *GraphCache) Len() int {
	return c.graphs.Len()
}

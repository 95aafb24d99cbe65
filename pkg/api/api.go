package api

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/streamforge/streamforge/pkg/cluster"
	"github.com/streamforge/streamforge/pkg/plan"
	"github.com/streamforge/streamforge/pkg/stream"
)

const (
	SectionStream  = "Stream:"
	SectionCluster = "Cluster:"
	SectionAdmin   = "Admin Endpoints:"
)

// Config for the HTTP API. Listening and timeouts are configured on the
// server.
type Config struct {
	HTTPPathPrefix  string `yaml:"http_path_prefix"`
	MaxPlanBytes    int64  `yaml:"max_plan_bytes"`
	RequestIDHeader string `yaml:"request_id_header"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.HTTPPathPrefix, "api.path-prefix", "", "Base path to serve all API routes from (e.g. /v1/).")
	f.Int64Var(&cfg.MaxPlanBytes, "api.max-plan-bytes", 4<<20, "Maximum size of a plan document accepted by the compile endpoint.")
	f.StringVar(&cfg.RequestIDHeader, "api.request-id-header", "X-Request-Id", "Header carrying the job id of a compile request. A new id is generated when it is missing.")
}

// Validate the config.
func (cfg *Config) Validate() error {
	if cfg.MaxPlanBytes <= 0 {
		return fmt.Errorf("max plan bytes must be positive")
	}
	return nil
}

// Compiler turns a logical plan into a fragment graph.
type Compiler interface {
	GenerateGraph(ctx context.Context, root *plan.Node) (*stream.FragmentGraph, error)
}

// API serves the compile, graph lookup and cluster endpoints.
type API struct {
	cfg      Config
	compiler Compiler
	graphs   *stream.GraphCache
	topology cluster.Topology
	logger   log.Logger

	indexPage        *IndexPageContent
	compiledByStatus *prometheus.CounterVec
}

// New makes a new API.
func New(cfg Config, compiler Compiler, graphs *stream.GraphCache, topology cluster.Topology, reg prometheus.Registerer, logger log.Logger) *API {
	return &API{
		cfg:       cfg,
		compiler:  compiler,
		graphs:    graphs,
		topology:  topology,
		logger:    logger,
		indexPage: newIndexPageContent(),
		compiledByStatus: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamforge",
			Name:      "api_compile_requests_total",
			Help:      "Total number of compile requests, by response status code.",
		}, []string{"status_code"}),
	}
}

func (a *API) registerRoute(router *mux.Router, name, path string, handler http.HandlerFunc, methods ...string) {
	path = a.cfg.HTTPPathPrefix + path
	router.Handle(path, RequestIDMiddleware{Header: a.cfg.RequestIDHeader}.Wrap(handler)).Methods(methods...).Name(name)
}

// RegisterRoutes adds the API endpoints to router. The server instruments
// every request by route name.
func (a *API) RegisterRoutes(router *mux.Router) {
	a.indexPage.AddLink(SectionStream, "/api/v1/stream/fragments", "Compile a plan (POST)")
	a.indexPage.AddLink(SectionCluster, "/api/v1/cluster/workers", "Live workers")
	a.indexPage.AddLink(SectionAdmin, "/ready", "Readiness")
	a.indexPage.AddLink(SectionAdmin, "/metrics", "Metrics")

	for _, route := range []struct {
		name, method, path string
		handler            http.HandlerFunc
	}{
		{"index", "GET", "/", indexHandler(a.cfg.HTTPPathPrefix, a.indexPage)},
		{"ready", "GET", "/ready", a.ready},
		{"compile_plan", "POST", "/api/v1/stream/fragments", a.compilePlan},
		{"get_graph", "GET", "/api/v1/stream/fragments/{job_id}", a.getGraph},
		{"delete_graph", "DELETE", "/api/v1/stream/fragments/{job_id}", a.deleteGraph},
		{"list_workers", "GET", "/api/v1/cluster/workers", a.listWorkers},
	} {
		a.registerRoute(router, route.name, route.path, route.handler, route.method)
	}
}

func newIndexPageContent() *IndexPageContent {
	return &IndexPageContent{
		content: map[string]map[string]string{},
	}
}

// IndexPageContent is a map of sections to path -> description.
type IndexPageContent struct {
	mu      sync.Mutex
	content map[string]map[string]string
}

func (pc *IndexPageContent) AddLink(section, path, description string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	sectionMap := pc.content[section]
	if sectionMap == nil {
		sectionMap = make(map[string]string)
		pc.content[section] = sectionMap
	}

	sectionMap[path] = description
}

func (pc *IndexPageContent) GetContent() map[string]map[string]string {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	result := map[string]map[string]string{}
	for k, v := range pc.content {
		sm := map[string]string{}
		for smK, smV := range v {
			sm[smK] = smV
		}
		result[k] = sm
	}
	return result
}

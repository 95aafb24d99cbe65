package api

import (
	"html/template"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/streamforge/streamforge/pkg/cluster"
	"github.com/streamforge/streamforge/pkg/plan"
	"github.com/streamforge/streamforge/pkg/stream"
	util_log "github.com/streamforge/streamforge/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CompileResponse is the body returned by the compile endpoint.
type CompileResponse struct {
	JobID string                `json:"job_id"`
	Graph *stream.FragmentGraph `json:"graph"`
}

// WorkersResponse is the body returned by the worker listing endpoint.
type WorkersResponse struct {
	Type    cluster.WorkerType   `json:"type"`
	Workers []cluster.WorkerDesc `json:"workers"`
}

// writeJSONResponse writes some JSON as a HTTP response.
func writeJSONResponse(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (a *API) ready(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "ready", http.StatusOK)
}

// compilePlan reads a plan (JSON, or YAML with a yaml content type), compiles
// it and keeps the graph for later lookups under the request's job id.
func (a *API) compilePlan(w http.ResponseWriter, r *http.Request) {
	jobID := JobIDFromContext(r.Context())
	logger := util_log.WithJobID(jobID, a.logger)

	body, err := io.ReadAll(io.LimitReader(r.Body, a.cfg.MaxPlanBytes+1))
	if err != nil {
		a.compileError(w, http.StatusBadRequest, err)
		return
	}
	if int64(len(body)) > a.cfg.MaxPlanBytes {
		a.compileError(w, http.StatusRequestEntityTooLarge, errors.Errorf("plan exceeds %d bytes", a.cfg.MaxPlanBytes))
		return
	}

	var root *plan.Node
	if isYAML(r.Header.Get("Content-Type")) {
		root, err = plan.ParseYAML(body)
	} else {
		root, err = plan.ParseJSON(body)
	}
	if err != nil {
		level.Debug(logger).Log("msg", "rejected plan", "err", err)
		a.compileError(w, http.StatusBadRequest, err)
		return
	}

	graph, err := a.compiler.GenerateGraph(r.Context(), root)
	if err != nil {
		level.Error(logger).Log("msg", "error compiling plan", "err", err)
		a.compileError(w, statusFor(err), err)
		return
	}

	a.graphs.Add(jobID, graph)
	a.compiledByStatus.WithLabelValues(strconv.Itoa(http.StatusOK)).Inc()
	level.Info(logger).Log("msg", "plan compiled", "fragments", len(graph.Fragments))
	writeJSONResponse(w, http.StatusOK, CompileResponse{JobID: jobID, Graph: graph})
}

func (a *API) compileError(w http.ResponseWriter, status int, err error) {
	a.compiledByStatus.WithLabelValues(strconv.Itoa(status)).Inc()
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch errors.Cause(err) {
	case stream.ErrNoComputeWorkers:
		return http.StatusServiceUnavailable
	case stream.ErrInvariantViolation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func isYAML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		return true
	}
	return false
}

func (a *API) getGraph(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	if _, err := uuid.Parse(jobID); err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	graph, ok := a.graphs.Get(jobID)
	if !ok {
		http.Error(w, "no graph for job "+jobID, http.StatusNotFound)
		return
	}
	writeJSONResponse(w, http.StatusOK, CompileResponse{JobID: jobID, Graph: graph})
}

func (a *API) deleteGraph(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	if !a.graphs.Remove(jobID) {
		http.Error(w, "no graph for job "+jobID, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listWorkers(w http.ResponseWriter, r *http.Request) {
	typ := cluster.ComputeNode
	if t := r.URL.Query().Get("type"); t != "" {
		var err error
		if typ, err = cluster.ParseWorkerType(t); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	workers, err := a.topology.ListWorkers(r.Context(), typ)
	if err != nil {
		level.Error(a.logger).Log("msg", "error listing workers", "type", typ, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if workers == nil {
		workers = []cluster.WorkerDesc{}
	}
	writeJSONResponse(w, http.StatusOK, WorkersResponse{Type: typ, Workers: workers})
}

var indexPageTemplate = `
<!DOCTYPE html>
<html>
	<head>
		<meta charset="UTF-8">
		<title>streamforge</title>
	</head>
	<body>
		<h1>streamforge</h1>
		{{ range $s, $links := . }}
		<p>{{ $s }}</p>
		<ul>
			{{ range $path, $desc := $links }}
				<li><a href="{{ AddPathPrefix $path }}">{{ $desc }}</a></li>
			{{ end }}
		</ul>
		{{ end }}
	</body>
</html>`

func indexHandler(httpPathPrefix string, content *IndexPageContent) http.HandlerFunc {
	templ := template.New("main")
	templ.Funcs(map[string]interface{}{
		"AddPathPrefix": func(link string) string {
			return path.Join(httpPathPrefix, link)
		},
	})
	template.Must(templ.Parse(indexPageTemplate))

	return func(w http.ResponseWriter, r *http.Request) {
		err := templ.Execute(w, content.GetContent())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

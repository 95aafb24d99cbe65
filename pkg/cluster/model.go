package cluster

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// WorkerType is the role a worker plays in the cluster.
type WorkerType int

const (
	ComputeNode WorkerType = iota
	FrontendNode
	MetaNode
)

func (t WorkerType) String() string {
	switch t {
	case ComputeNode:
		return "compute"
	case FrontendNode:
		return "frontend"
	case MetaNode:
		return "meta"
	default:
		return fmt.Sprintf("worker-type-%d", int(t))
	}
}

// ParseWorkerType is the inverse of WorkerType.String.
func ParseWorkerType(s string) (WorkerType, error) {
	switch strings.ToLower(s) {
	case "compute":
		return ComputeNode, nil
	case "frontend":
		return FrontendNode, nil
	case "meta":
		return MetaNode, nil
	default:
		return 0, fmt.Errorf("unknown worker type %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t WorkerType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *WorkerType) UnmarshalText(text []byte) error {
	parsed, err := ParseWorkerType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// WorkerState is the lifecycle state of a worker.
type WorkerState int

const (
	STARTING WorkerState = iota
	RUNNING
	LEAVING
)

func (s WorkerState) String() string {
	switch s {
	case STARTING:
		return "STARTING"
	case RUNNING:
		return "RUNNING"
	case LEAVING:
		return "LEAVING"
	default:
		return fmt.Sprintf("STATE-%d", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s WorkerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *WorkerState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "STARTING":
		*s = STARTING
	case "RUNNING":
		*s = RUNNING
	case "LEAVING":
		*s = LEAVING
	default:
		return fmt.Errorf("unknown worker state %q", text)
	}
	return nil
}

// WorkerDesc describes a single member of the cluster.
type WorkerDesc struct {
	ID        string      `json:"id"`
	Addr      string      `json:"addr"`
	Type      WorkerType  `json:"type"`
	State     WorkerState `json:"state"`
	Timestamp int64       `json:"timestamp"`
}

// IsHealthy is true when the worker is RUNNING and its last heartbeat is
// within the timeout. A zero timeout disables the heartbeat check.
func (w WorkerDesc) IsHealthy(heartbeatTimeout time.Duration, now time.Time) bool {
	if w.State != RUNNING {
		return false
	}
	if heartbeatTimeout > 0 && now.Sub(time.Unix(w.Timestamp, 0)) > heartbeatTimeout {
		return false
	}
	return true
}

// Desc is the cluster membership as stored in the KV store.
type Desc struct {
	Workers map[string]WorkerDesc `json:"workers"`
}

// NewDesc returns an empty cluster.Desc
func NewDesc() *Desc {
	return &Desc{
		Workers: map[string]WorkerDesc{},
	}
}

// AddWorker adds the given worker to the cluster, replacing any previous
// entry with the same id.
func (d *Desc) AddWorker(id, addr string, typ WorkerType, state WorkerState, now time.Time) {
	if d.Workers == nil {
		d.Workers = map[string]WorkerDesc{}
	}

	d.Workers[id] = WorkerDesc{
		ID:        id,
		Addr:      addr,
		Type:      typ,
		State:     state,
		Timestamp: now.Unix(),
	}
}

// RemoveWorker removes the given worker.
func (d *Desc) RemoveWorker(id string) {
	delete(d.Workers, id)
}

// FindWorkers returns the healthy workers of the given type, sorted by id.
func (d *Desc) FindWorkers(typ WorkerType, heartbeatTimeout time.Duration, now time.Time) []WorkerDesc {
	result := []WorkerDesc{}
	for _, w := range d.Workers {
		if w.Type == typ && w.IsHealthy(heartbeatTimeout, now) {
			result = append(result, w)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// SPDX-License-Identifier: MIT

package node

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// ExecContext carries everything a node needs for one execution.
type ExecContext struct {
	TaskID string
	// WorkDir is the task's shared storage directory; every node writes its
	// artifacts under it.
	WorkDir string
	// Params are the fully resolved inputs.
	Params map[string]any
	// Tools runs external processing binaries.
	Tools ToolRunner
	// Progress reports execution progress to the heartbeat, if one is active.
	Progress func(progress float64, message string)
	Logger   zerolog.Logger
}

// Report is a nil-safe progress update.
func (ec *ExecContext) Report(progress float64, message string) {
	if ec.Progress != nil {
		ec.Progress(progress, message)
	}
}

// FallbackSource names a prior stage output a parameter can be filled from.
type FallbackSource struct {
	Stage string
	Field string
}

// Fallback is an ordered chain of sources tried when a parameter is absent
// after explicit inputs and dynamic references.
type Fallback struct {
	Param   string
	Sources []FallbackSource
}

// Node is one entry of the processing catalog.
type Node interface {
	// Name is the task_name clients dispatch, e.g. "ffmpeg.extract_audio".
	Name() string

	// GPUBound reports whether execution must hold the GPU lock.
	GPUBound() bool

	// ValidateInput checks the resolved parameters before execution starts.
	ValidateInput(params map[string]any) error

	// Execute runs the node and returns its output document.
	Execute(ctx context.Context, ec *ExecContext) (map[string]any, error)

	// RequiredOutputFields are the outputs that must be present and non-empty
	// for a completed run to satisfy a later identical request.
	RequiredOutputFields() []string

	// CacheKeyFields are the inputs that define result identity.
	CacheKeyFields() []string

	// CustomPathFields are output fields holding local paths without a
	// conventional suffix.
	CustomPathFields() []string

	// Fallbacks are per-parameter source chains consulted during resolution.
	Fallbacks() []Fallback

	// Defaults are hard-coded parameter values applied last.
	Defaults() map[string]any
}

// ToolRunner executes an external processing binary and returns its stdout.
type ToolRunner interface {
	Run(ctx context.Context, tool string, args ...string) ([]byte, error)
}

// GPUBindingDecider is implemented by nodes whose lock requirement depends on
// the request inputs rather than the catalog entry alone.
type GPUBindingDecider interface {
	GPUBoundWith(params map[string]any) bool
}

// Registry is the closed node catalog. Unknown names are rejected at the
// gateway with 400.
type Registry struct {
	nodes map[string]Node
}

// NewRegistry builds an empty catalog.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]Node)}
}

// Register adds a node. Duplicate names are a programming error.
func (r *Registry) Register(n Node) {
	if _, dup := r.nodes[n.Name()]; dup {
		panic(fmt.Sprintf("duplicate node %q", n.Name()))
	}
	r.nodes[n.Name()] = n
}

// Get looks a node up by task name.
func (r *Registry) Get(name string) (Node, bool) {
	n, ok := r.nodes[name]
	return n, ok
}

// Names lists the catalog sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.nodes))
	for name := range r.nodes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Base carries the catalog metadata shared by all node implementations, so a
// node declares its contract as data.
type Base struct {
	TaskName    string
	GPU         bool
	Required    []string
	CacheFields []string
	PathFields  []string
	FallbackSet []Fallback
	DefaultSet  map[string]any
}

func (b Base) Name() string                   { return b.TaskName }
func (b Base) GPUBound() bool                 { return b.GPU }
func (b Base) RequiredOutputFields() []string { return b.Required }
func (b Base) CacheKeyFields() []string       { return b.CacheFields }
func (b Base) CustomPathFields() []string     { return b.PathFields }
func (b Base) Fallbacks() []Fallback          { return b.FallbackSet }
func (b Base) Defaults() map[string]any {
	if b.DefaultSet == nil {
		return map[string]any{}
	}
	return b.DefaultSet
}

// RequireString validates that params[key] is a non-empty string.
func RequireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", InputErr("missing required parameter %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", InputErr("parameter %q must be a non-empty string", key)
	}
	return s, nil
}

// OptString returns params[key] as a string, or def when absent.
func OptString(params map[string]any, key, def string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return def
}

// OptFloat returns params[key] as a float64, or def when absent. JSON numbers
// decode as float64; ints from defaults are accepted too.
func OptFloat(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// OptBool returns params[key] as a bool, or def when absent.
func OptBool(params map[string]any, key string, def bool) bool {
	if b, ok := params[key].(bool); ok {
		return b
	}
	return def
}

// Elapsed returns seconds since start, never negative.
func Elapsed(start time.Time) float64 {
	d := time.Since(start).Seconds()
	if d < 0 {
		return 0
	}
	return d
}

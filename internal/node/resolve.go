// SPDX-License-Identifier: MIT

package node

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/clipflow/clipflow/internal/workflow"
)

// refPattern matches dynamic references of the form
// ${{ stages.<stage_name>.output.<field> }}. Stage names contain dots, so the
// stage part is matched lazily up to the literal ".output.".
var refPattern = regexp.MustCompile(`\$\{\{\s*stages\.(.+?)\.output\.([A-Za-z0-9_]+)\s*\}\}`)

// Resolver fills node parameters from the request, prior stage outputs,
// global defaults and node defaults, in that order.
type Resolver struct {
	// Globals are deployment-wide parameter defaults, applied before node
	// hard-coded defaults.
	Globals map[string]any
}

// Resolve produces the final parameter map for one execution.
//
// Priority per parameter: explicit request value (with dynamic references
// expanded), then the node's fallback chain over prior successful stages,
// then global defaults, then node defaults.
func (r *Resolver) Resolve(n Node, wc *workflow.Context, input map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(input))
	for k, v := range input {
		resolved, err := r.expand(wc, v, map[string]bool{})
		if err != nil {
			return nil, InputErr("parameter %q: %v", k, err)
		}
		out[k] = resolved
	}

	for _, fb := range n.Fallbacks() {
		if _, set := out[fb.Param]; set {
			continue
		}
		for _, src := range fb.Sources {
			if v, ok := stageOutput(wc, src.Stage, src.Field); ok {
				out[fb.Param] = v
				break
			}
		}
	}

	for k, v := range r.Globals {
		if _, set := out[k]; !set {
			out[k] = v
		}
	}
	for k, v := range n.Defaults() {
		if _, set := out[k]; !set {
			out[k] = v
		}
	}
	return out, nil
}

// expand rewrites dynamic references inside v. A reference that is the whole
// string yields the referenced value with its type intact; embedded
// references interpolate as text. The visited set bounds reference chains
// within one resolution request.
func (r *Resolver) expand(wc *workflow.Context, v any, visited map[string]bool) (any, error) {
	s, isString := v.(string)
	if !isString {
		return v, nil
	}
	m := refPattern.FindStringSubmatch(s)
	if m == nil {
		return v, nil
	}

	// Whole-string reference: preserve the referenced value's type.
	if m[0] == strings.TrimSpace(s) {
		return r.deref(wc, m[1], m[2], visited)
	}

	var expandErr error
	replaced := refPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := refPattern.FindStringSubmatch(match)
		val, err := r.deref(wc, parts[1], parts[2], visited)
		if err != nil {
			expandErr = err
			return match
		}
		return fmt.Sprintf("%v", val)
	})
	if expandErr != nil {
		return nil, expandErr
	}
	return replaced, nil
}

func (r *Resolver) deref(wc *workflow.Context, stageName, field string, visited map[string]bool) (any, error) {
	key := stageName + "." + field
	if visited[key] {
		return nil, fmt.Errorf("circular reference through stages.%s.output.%s", stageName, field)
	}
	visited[key] = true

	val, ok := stageOutput(wc, stageName, field)
	if !ok {
		return nil, fmt.Errorf("stages.%s.output.%s is not available", stageName, field)
	}
	return r.expand(wc, val, visited)
}

// stageOutput reads one field of a prior stage that completed successfully.
func stageOutput(wc *workflow.Context, stageName, field string) (any, bool) {
	if wc == nil {
		return nil, false
	}
	st, ok := wc.Stages[stageName]
	if !ok || st == nil || st.Status != workflow.StageSuccess {
		return nil, false
	}
	v, ok := st.Output[field]
	if !ok || v == nil {
		return nil, false
	}
	if s, isStr := v.(string); isStr && s == "" {
		return nil, false
	}
	return v, true
}

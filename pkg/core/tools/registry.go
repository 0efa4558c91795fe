// Package tools maps remote tool-call names to local executors.
package tools

import (
	"context"
	"log/slog"
	"sort"
	"strings"
)

// SchemaType names a JSON schema type.
type SchemaType string

const (
	TypeObject SchemaType = "object"
	TypeString SchemaType = "string"
)

// Schema is a provider-neutral subset of JSON schema used for tool parameters.
type Schema struct {
	Type        SchemaType         `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

// Declaration advertises a tool to the remote service at connect time.
type Declaration struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  *Schema `json:"parameters,omitempty"`
}

// Call is one tool invocation requested by the remote service.
type Call struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Result acknowledges exactly one Call.
type Result struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Executor runs one named tool.
type Executor interface {
	Name() string
	Declaration() Declaration
	Execute(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Registry dispatches calls by tool name.
type Registry struct {
	byName map[string]Executor
	order  []string
	logger *slog.Logger
}

// NewRegistry builds a registry. Nil executors are skipped; later duplicates win.
func NewRegistry(logger *slog.Logger, executors ...Executor) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{byName: make(map[string]Executor, len(executors)), logger: logger}
	for _, ex := range executors {
		if ex == nil {
			continue
		}
		name := ex.Name()
		if _, exists := r.byName[name]; !exists {
			r.order = append(r.order, name)
		}
		r.byName[name] = ex
	}
	return r
}

func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byName[strings.TrimSpace(name)]
	return ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declarations returns every tool declaration in registration order.
func (r *Registry) Declarations() []Declaration {
	if r == nil {
		return nil
	}
	out := make([]Declaration, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name].Declaration())
	}
	return out
}

// Dispatch executes calls sequentially in batch order and returns one result per
// call. Unknown tools are acknowledged with a neutral success so the remote turn
// is never left waiting.
func (r *Registry) Dispatch(ctx context.Context, calls []Call) []Result {
	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		results = append(results, Result{
			ID:       call.ID,
			Name:     call.Name,
			Response: r.execute(ctx, call),
		})
	}
	return results
}

func (r *Registry) execute(ctx context.Context, call Call) (resp map[string]any) {
	var ex Executor
	if r != nil {
		ex = r.byName[strings.TrimSpace(call.Name)]
	}
	if ex == nil {
		r.log().Debug("ignoring unknown tool call", "tool", call.Name, "call_id", call.ID)
		return NeutralAck()
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log().Error("tool executor panicked", "tool", call.Name, "call_id", call.ID, "panic", rec)
			resp = ErrorResponse("internal tool failure", nil)
		}
	}()

	out, err := ex.Execute(ctx, call.Args)
	if err != nil {
		r.log().Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "error", err)
		return ErrorResponse(err.Error(), nil)
	}
	if out == nil {
		return NeutralAck()
	}
	return out
}

func (r *Registry) log() *slog.Logger {
	if r == nil || r.logger == nil {
		return slog.Default()
	}
	return r.logger
}

// NeutralAck is the success payload for calls that need no specific answer.
func NeutralAck() map[string]any {
	return map[string]any{"result": "ok"}
}

// ErrorResponse builds an error acknowledgement, optionally listing missing fields.
func ErrorResponse(msg string, missing []string) map[string]any {
	resp := map[string]any{"error": msg}
	if len(missing) > 0 {
		resp["missing"] = append([]string(nil), missing...)
	}
	return resp
}

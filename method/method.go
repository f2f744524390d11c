// Package method implements the method registry and the seven-step
// dispatch algorithm that runs a decoded method-call envelope against a
// registered handler.
package method

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/johnjansen/pulsekit/codec"
	"github.com/johnjansen/pulsekit/node"
)

func newExecutionID() string {
	return uuid.NewString()
}

// Handler is a registered method's implementation. It receives the
// request-scoped CallScope through ctx and the (possibly middleware-
// transformed) call params, and returns a result to reply with, or an
// error.
type Handler func(ctx context.Context, n *node.Node, params any) (any, error)

// Middleware runs before a Handler. Returning a map[string]any merges into
// the current params; returning any other non-nil value replaces params
// wholesale; returning an error aborts the pipeline.
type Middleware func(ctx context.Context, n *node.Node, params any) (any, error)

// PublicError is the designated "public" error kind: a handler returning
// one has its Message forwarded verbatim to the caller instead of being
// collapsed into a generic internal-error.
type PublicError struct {
	Message string
}

func (e *PublicError) Error() string { return e.Message }

// CallScope is the request-scoped ambient value attached to ctx for the
// duration of one dispatch, distinct per in-flight call.
type CallScope struct {
	ExecutionID string
	AuthContext map[string]any
}

type callScopeKey struct{}

// ScopeFromContext retrieves the CallScope a handler or middleware is
// running under, if any.
func ScopeFromContext(ctx context.Context) (CallScope, bool) {
	cs, ok := ctx.Value(callScopeKey{}).(CallScope)
	return cs, ok
}

// Options configures a registered Method.
type Options struct {
	Protected  bool
	Middleware []Middleware
	Schema     string // raw JSON schema text, compiled once at Add time
}

// Method is one registered RPC entry point.
type Method struct {
	Name       string
	Fn         Handler
	Protected  bool
	Middleware []Middleware
	Schema     *jsonschema.Schema
}

// Registry is the flat name -> *Method store. Dotted names are just
// strings; Namespace is sugar, never a second store.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]*Method
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]*Method)}
}

// Add registers fn under name with opts. Add panics if the schema text
// fails to compile, mirroring "fail fast at registration, not at first
// call" for a config error a developer needs to see immediately.
func (r *Registry) Add(name string, fn Handler, opts Options) {
	m := &Method{
		Name:       name,
		Fn:         fn,
		Protected:  opts.Protected,
		Middleware: opts.Middleware,
	}
	if opts.Schema != "" {
		schema, err := jsonschema.CompileString(name+".schema.json", opts.Schema)
		if err != nil {
			panic(fmt.Sprintf("method: invalid schema for %q: %v", name, err))
		}
		m.Schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = m
}

// Get returns the registered method for name, if any.
func (r *Registry) Get(name string) (*Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

// Names returns every registered method name, used by rpc:methods.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	return names
}

// Namespace returns a view over r that prefixes every Add with
// "prefix.", never storing anything of its own.
func (r *Registry) Namespace(prefix string) *NamespaceView {
	return &NamespaceView{registry: r, prefix: prefix}
}

// NamespaceView is pure sugar over Registry.Add/Get.
type NamespaceView struct {
	registry *Registry
	prefix   string
}

func (v *NamespaceView) qualify(name string) string {
	return v.prefix + "." + name
}

// Add registers fn under "<prefix>.<name>".
func (v *NamespaceView) Add(name string, fn Handler, opts Options) {
	v.registry.Add(v.qualify(name), fn, opts)
}

// Dispatch runs the seven-step algorithm against env, returning the reply
// envelope to send, or nil for any void call (errors on a void call are
// logged, not replied to). n.TryConsume,
// schema validation, middleware, and the handler all run synchronously on
// the caller's goroutine, matching the one-reader-goroutine-per-node
// ordering guarantee the rest of the system relies on.
func (r *Registry) Dispatch(ctx context.Context, n *node.Node, env *codec.Envelope) *codec.Envelope {
	void := env.Void

	// 1. rate limit
	if !n.TryConsume() {
		return errorReply(void, env.UUID, "rate-limit-exceeded", "rate limit exceeded")
	}

	// 2. lookup
	m, ok := r.Get(env.Method)
	if !ok {
		return errorReply(void, env.UUID, "method-not-found", fmt.Sprintf("method %q not found", env.Method))
	}

	// 3. protected gate
	if m.Protected && n.UserID() == "" {
		return errorReply(void, env.UUID, "method-forbidden", fmt.Sprintf("method %q requires authentication", env.Method))
	}

	// 4. schema validation
	params := env.Params
	if m.Schema != nil {
		if err := m.Schema.Validate(params); err != nil {
			if void {
				log.Printf("pulsekit: void call to %s failed schema validation: %v", env.Method, err)
				return nil
			}
			errEnv := codec.NewError(env.UUID, "schema-validation", "params failed validation")
			errEnv.Errors = fieldErrors(err)
			return errEnv
		}
	}

	// 5. middleware pipeline
	cs := CallScope{ExecutionID: newExecutionID(), AuthContext: n.AuthContext()}
	mctx := context.WithValue(ctx, callScopeKey{}, cs)
	for _, mw := range m.Middleware {
		out, err := mw(mctx, n, params)
		if err != nil {
			return replyForError(void, env.UUID, m.Name, err)
		}
		switch v := out.(type) {
		case nil:
			// no change
		case map[string]any:
			merged := mergeParams(params, v)
			params = merged
		default:
			params = v
		}
	}

	// 6. handler invocation
	result, err := m.Fn(mctx, n, params)
	if err != nil {
		return replyForError(void, env.UUID, m.Name, err)
	}
	if void {
		return nil
	}
	return codec.NewResult(env.UUID, m.Name, result)
}

// errorReply implements the void-call propagation policy from the error
// handling design: a void call swallows an error after logging it instead
// of getting an unwanted reply.
func errorReply(void bool, uuid, code, message string) *codec.Envelope {
	if void {
		log.Printf("pulsekit: void call failed: %s: %s", code, message)
		return nil
	}
	return codec.NewError(uuid, code, message)
}

// replyForError implements dispatch step 7: a *PublicError forwards its
// message verbatim; anything else becomes a logged internal-error. A void
// call swallows either outcome after logging, per the void propagation
// policy.
func replyForError(void bool, uuid, method string, err error) *codec.Envelope {
	if pe, ok := err.(*PublicError); ok {
		return errorReply(void, uuid, "public", pe.Message)
	}
	log.Printf("pulsekit: handler error in %s: %v", method, err)
	if void {
		return nil
	}
	return codec.NewError(uuid, "internal-error", "internal error")
}

func mergeParams(current any, patch map[string]any) any {
	m, ok := current.(map[string]any)
	if !ok {
		return patch
	}
	merged := make(map[string]any, len(m)+len(patch))
	for k, v := range m {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

func fieldErrors(err error) []codec.FieldError {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []codec.FieldError{{Message: err.Error()}}
	}
	var out []codec.FieldError
	var walk func(*jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			out = append(out, codec.FieldError{
				Field:   strings.Join(v.InstanceLocation, "/"),
				Message: v.Error(),
			})
			return
		}
		for _, c := range v.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

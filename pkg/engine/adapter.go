package engine

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/ajsinha/dgfacade/pkg/models"
)

// The dynamic adapter turns a foreign object that does not implement the
// native Handler contract into a conforming handler. Discovery happens once
// per registered type: the type is introspected, matching methods are bound
// by index, and registration fails fast when no execute-style method exists.
// Per-instance adaptation afterwards is a method-value lookup, not a search.

// executeKind classifies the matched execute-style signature.
type executeKind int

const (
	execCtxRequest executeKind = iota // (ctx, *Request) (*Response, error)
	execRequest                       // (*Request) (*Response, error)
	execCtxMap                        // (ctx, map) (result, [error])
	execMap                           // (map) (result, [error])
)

// executeNames is the discovery order for the execute operation; first
// matching name wins, request-taking signatures before map-taking ones.
var executeNames = []string{"Execute", "Handle", "Process", "Run"}

var (
	constructNames = []string{"Construct", "Init", "Initialize", "Setup"}
	stopNames      = []string{"Stop", "Cancel", "Abort", "Shutdown"}
	cleanupNames   = []string{"Cleanup", "Close", "Destroy", "Dispose"}
)

var (
	ctxType      = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType      = reflect.TypeOf((*error)(nil)).Elem()
	requestType  = reflect.TypeOf((*models.Request)(nil))
	responseType = reflect.TypeOf((*models.Response)(nil))
	mapType      = reflect.TypeOf(map[string]any{})
)

// binding is the once-per-type discovery result.
type binding struct {
	typeName string

	executeName string
	executeIdx  int
	executeKind executeKind

	constructIdx int // -1 when absent
	stopIdx      int
	cleanupIdx   int
}

// adaptType introspects a foreign type and binds its lifecycle methods.
// Returns an error when no execute-style method is found.
func adaptType(t reflect.Type) (*binding, error) {
	b := &binding{
		typeName:     t.String(),
		executeIdx:   -1,
		constructIdx: -1,
		stopIdx:      -1,
		cleanupIdx:   -1,
	}

	for _, name := range executeNames {
		m, ok := t.MethodByName(name)
		if !ok {
			continue
		}
		kind, ok := classifyExecute(m.Type)
		if !ok {
			continue
		}
		b.executeName = name
		b.executeIdx = m.Index
		b.executeKind = kind
		break
	}
	if b.executeIdx < 0 {
		return nil, fmt.Errorf("type %s has no execute-style method (tried %v)", b.typeName, executeNames)
	}

	for _, name := range constructNames {
		if m, ok := t.MethodByName(name); ok && isConstructSig(m.Type) {
			b.constructIdx = m.Index
			break
		}
	}
	for _, name := range stopNames {
		if m, ok := t.MethodByName(name); ok && isNiladic(m.Type) {
			b.stopIdx = m.Index
			break
		}
	}
	for _, name := range cleanupNames {
		if m, ok := t.MethodByName(name); ok && isNiladic(m.Type) {
			b.cleanupIdx = m.Index
			break
		}
	}

	return b, nil
}

// classifyExecute matches the supported execute signatures. mt includes the
// receiver as argument 0.
func classifyExecute(mt reflect.Type) (executeKind, bool) {
	in := mt.NumIn() - 1 // skip receiver
	if in < 1 || in > 2 {
		return 0, false
	}
	if !validExecuteOut(mt) {
		return 0, false
	}

	arg := func(i int) reflect.Type { return mt.In(i + 1) }

	if in == 2 {
		if arg(0) != ctxType {
			return 0, false
		}
		switch arg(1) {
		case requestType:
			return execCtxRequest, true
		case mapType:
			return execCtxMap, true
		}
		return 0, false
	}

	switch arg(0) {
	case requestType:
		return execRequest, true
	case mapType:
		return execMap, true
	}
	return 0, false
}

// validExecuteOut accepts (T), (T, error), or (error) result shapes.
func validExecuteOut(mt reflect.Type) bool {
	switch mt.NumOut() {
	case 1:
		return true
	case 2:
		return mt.Out(1) == errType
	default:
		return false
	}
}

// isConstructSig matches Construct-style methods: one map argument,
// optionally returning error.
func isConstructSig(mt reflect.Type) bool {
	if mt.NumIn()-1 != 1 || mt.In(1) != mapType {
		return false
	}
	return mt.NumOut() == 0 || (mt.NumOut() == 1 && mt.Out(0) == errType)
}

// isNiladic matches Stop/Cleanup-style methods: no arguments, at most an
// error result.
func isNiladic(mt reflect.Type) bool {
	if mt.NumIn()-1 != 0 {
		return false
	}
	return mt.NumOut() == 0 || (mt.NumOut() == 1 && mt.Out(0) == errType)
}

// adaptedHandler conforms a bound foreign object to the Handler contract.
type adaptedHandler struct {
	obj reflect.Value
	b   *binding
}

// newAdaptedHandler wraps one foreign instance using its type's binding.
func newAdaptedHandler(obj any, b *binding) *adaptedHandler {
	return &adaptedHandler{obj: reflect.ValueOf(obj), b: b}
}

func (a *adaptedHandler) Construct(cfg map[string]any) error {
	if a.b.constructIdx < 0 {
		return nil
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	_, err := safeCall(a.obj.Method(a.b.constructIdx), []reflect.Value{reflect.ValueOf(cfg)})
	if err != nil {
		return fmt.Errorf("%s construct: %w", a.b.typeName, err)
	}
	return nil
}

func (a *adaptedHandler) Execute(ctx context.Context, req *models.Request) (*models.Response, error) {
	var args []reflect.Value
	switch a.b.executeKind {
	case execCtxRequest:
		args = []reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(req)}
	case execRequest:
		args = []reflect.Value{reflect.ValueOf(req)}
	case execCtxMap:
		args = []reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(payloadMap(req))}
	case execMap:
		args = []reflect.Value{reflect.ValueOf(payloadMap(req))}
	}

	results, err := safeCall(a.obj.Method(a.b.executeIdx), args)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", a.b.typeName, a.b.executeName, err)
	}
	return wrapResult(req.RequestID, results), nil
}

func (a *adaptedHandler) Stop() {
	if a.b.stopIdx < 0 {
		return
	}
	if _, err := safeCall(a.obj.Method(a.b.stopIdx), nil); err != nil {
		slog.Warn("Adapted handler stop failed", "type", a.b.typeName, "error", err)
	}
}

func (a *adaptedHandler) Cleanup() {
	if a.b.cleanupIdx < 0 {
		return
	}
	if _, err := safeCall(a.obj.Method(a.b.cleanupIdx), nil); err != nil {
		slog.Warn("Adapted handler cleanup failed", "type", a.b.typeName, "error", err)
	}
}

// payloadMap hands a map-taking foreign method the request payload; a nil
// payload becomes an empty map so foreign code never sees nil.
func payloadMap(req *models.Request) map[string]any {
	if req.Payload == nil {
		return map[string]any{}
	}
	return req.Payload
}

// safeCall invokes a bound method, converting panics and trailing error
// results into an error carrying the panic value's type and message.
func safeCall(fn reflect.Value, args []reflect.Value) (results []reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%T: %v", r, r)
		}
	}()

	results = fn.Call(args)

	if n := len(results); n > 0 {
		if last := results[n-1]; last.Type() == errType && !last.IsNil() {
			return results[:n-1], last.Interface().(error)
		}
	}
	return results, nil
}

// wrapResult converts a foreign return value into a Response: a *Response
// passes through, a map becomes the result, anything else becomes
// {result: value}.
func wrapResult(requestID string, results []reflect.Value) *models.Response {
	var value any
	for _, r := range results {
		if r.Type() == errType {
			continue
		}
		value = r.Interface()
		break
	}

	switch v := value.(type) {
	case nil:
		return models.NewSuccessResponse(requestID, nil)
	case *models.Response:
		if v == nil {
			return models.NewSuccessResponse(requestID, nil)
		}
		return v
	case map[string]any:
		return models.NewSuccessResponse(requestID, v)
	default:
		return models.NewSuccessResponse(requestID, map[string]any{"result": v})
	}
}

// Package jsonrpcserver exposes plain functions like:
// func Foo(context, int) (int, error)
// as JSON RPC methods over HTTP.
package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
)

var (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeCustomError    = -32000
)

var (
	ErrNotFunction         = errors.New("not a function")
	ErrMustReturnError     = errors.New("function must return error as a last return value")
	ErrMustHaveContext     = errors.New("function must have context.Context as a first argument")
	ErrTooManyReturnValues = errors.New("too many return values")
	ErrTooManyArguments    = errors.New("too many arguments")
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

type highPriorityKey struct{}

type JSONRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      any               `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *any   `json:"data,omitempty"`
}

// Methods maps method names to functions.
type Methods map[string]interface{}

type method struct {
	fn     reflect.Value
	params []reflect.Type
	// whether the function returns a value besides the error
	hasResult bool
}

type Handler struct {
	methods map[string]method
}

// NewHandler builds a JSONRPC http.Handler from a method map. Each method
// function must take context.Context first, return error last, and use
// argument and result types that round-trip through JSON.
func NewHandler(methods Methods) (*Handler, error) {
	m := make(map[string]method, len(methods))
	for name, fn := range methods {
		parsed, err := parseMethod(fn)
		if err != nil {
			return nil, err
		}
		m[name] = parsed
	}
	return &Handler{methods: m}, nil
}

func parseMethod(fn interface{}) (method, error) {
	fnVal := reflect.ValueOf(fn)
	fnType := fnVal.Type()
	if fnType.Kind() != reflect.Func {
		return method{}, ErrNotFunction
	}
	if fnType.NumIn() == 0 || fnType.In(0) != contextType {
		return method{}, ErrMustHaveContext
	}
	params := make([]reflect.Type, fnType.NumIn()-1)
	for i := range params {
		params[i] = fnType.In(i + 1)
	}

	numOut := fnType.NumOut()
	if numOut == 0 || !fnType.Out(numOut-1).Implements(errorType) {
		return method{}, ErrMustReturnError
	}
	if numOut > 2 {
		return method{}, ErrTooManyReturnValues
	}
	return method{fn: fnVal, params: params, hasResult: numOut == 2}, nil
}

func (m method) call(ctx context.Context, params []json.RawMessage) (any, error) {
	if len(params) > len(m.params) {
		return nil, ErrTooManyArguments
	}
	args := make([]reflect.Value, 0, len(m.params)+1)
	args = append(args, reflect.ValueOf(ctx))
	for i, paramType := range m.params {
		arg := reflect.New(paramType)
		if i < len(params) {
			if err := json.Unmarshal(params[i], arg.Interface()); err != nil {
				return nil, err
			}
		}
		args = append(args, arg.Elem())
	}

	results := m.fn.Call(args)
	errResult := results[len(results)-1]
	if !errResult.IsNil() {
		//nolint:forcetypeassert
		return nil, errResult.Interface().(error)
	}
	if !m.hasResult {
		return nil, nil
	}
	return results[0].Interface(), nil
}

func writeJSONRPCError(w http.ResponseWriter, id any, code int, msg string) {
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: msg,
		},
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONRPCError(w, nil, CodeParseError, err.Error())
		return
	}

	if req.JSONRPC != "2.0" {
		writeJSONRPCError(w, req.ID, CodeParseError, "invalid jsonrpc version")
		return
	}
	if req.ID != nil {
		// id must be string or number
		switch req.ID.(type) {
		case string, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		default:
			writeJSONRPCError(w, req.ID, CodeParseError, "invalid id type")
			return
		}
	}

	highPriority := r.Header.Get("high_prio") == "true"
	ctx := context.WithValue(r.Context(), highPriorityKey{}, highPriority)

	m, ok := h.methods[req.Method]
	if !ok {
		writeJSONRPCError(w, req.ID, CodeMethodNotFound, "method not found")
		return
	}

	result, err := m.call(ctx, req.Params)
	if err != nil {
		writeJSONRPCError(w, req.ID, CodeCustomError, err.Error())
		return
	}

	marshaledResult, err := json.Marshal(result)
	if err != nil {
		writeJSONRPCError(w, req.ID, CodeInternalError, err.Error())
		return
	}

	rawMessageResult := json.RawMessage(marshaledResult)
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  &rawMessageResult,
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetPriority reports whether the request asked for high-priority
// treatment via the high_prio header.
func GetPriority(ctx context.Context) bool {
	value, ok := ctx.Value(highPriorityKey{}).(bool)
	if !ok {
		return false
	}
	return value
}

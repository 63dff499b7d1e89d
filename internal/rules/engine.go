package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gamegate/internal/action"
)

// ErrMissingApply is returned when a script does not define apply.
var ErrMissingApply = errors.New("rules script does not define apply(state, cmd)")

// LuaEngine implements action.Engine with a compiled Lua script.
//
// Every evaluation runs in a fresh sandboxed state, so LuaEngine is safe for
// concurrent use and scripts cannot carry data between calls.
//
// Script contract:
//
//	validate(state, cmd) -> nil | true | code, message
//	apply(state, cmd)    -> next_state | nil, code, message
//
// cmd carries kind, principal, request_id, resource_id, version and payload.
type LuaEngine struct {
	name      string
	proto     *lua.FunctionProto
	instLimit int
	logger    *zap.Logger
}

var _ action.Engine = (*LuaEngine)(nil)

// LoadFile compiles the script at path.
//
// Precondition: path must name a readable Lua file defining apply.
// Postcondition: Returns a ready engine or an error naming the failure.
func LoadFile(path string, instLimit int, logger *zap.Logger) (*LuaEngine, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: reading %q: %w", path, err)
	}
	return Compile(path, string(src), instLimit, logger)
}

// Compile compiles src and checks that it defines apply.
//
// Precondition: logger must be non-nil; instLimit >= 0.
// Postcondition: Returns a ready engine or a syntax, load or contract error.
func Compile(name, src string, instLimit int, logger *zap.Logger) (*LuaEngine, error) {
	chunk, err := parse.Parse(strings.NewReader(src), name)
	if err != nil {
		return nil, fmt.Errorf("rules: parsing %q: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("rules: compiling %q: %w", name, err)
	}
	e := &LuaEngine{name: name, proto: proto, instLimit: instLimit, logger: logger}

	L, cancel, err := e.load(context.Background())
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer L.Close()
	if _, ok := L.GetGlobal("apply").(*lua.LFunction); !ok {
		return nil, fmt.Errorf("rules: %q: %w", name, ErrMissingApply)
	}
	return e, nil
}

// load runs the script body in a new sandbox so its globals are defined.
func (e *LuaEngine) load(ctx context.Context) (*lua.LState, context.CancelFunc, error) {
	L, cancel := newSandboxedState(ctx, e.instLimit)
	L.Push(L.NewFunctionFromProto(e.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		cancel()
		L.Close()
		return nil, nil, fmt.Errorf("rules: loading %q: %w", e.name, err)
	}
	return L, cancel, nil
}

// Validate implements action.Engine. A script without validate accepts
// every command.
func (e *LuaEngine) Validate(ctx context.Context, res action.Resource, cmd action.Command) error {
	L, cancel, err := e.load(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer L.Close()

	fn, ok := L.GetGlobal("validate").(*lua.LFunction)
	if !ok {
		return nil
	}
	rets, err := e.call(L, fn, 2, res, cmd)
	if err != nil {
		return err
	}
	if rets[0] == lua.LNil || rets[0] == lua.LTrue {
		return nil
	}
	return rejection(rets[0], rets[1])
}

// Apply implements action.Engine.
func (e *LuaEngine) Apply(ctx context.Context, res action.Resource, cmd action.Command) (json.RawMessage, error) {
	L, cancel, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer L.Close()

	fn := L.GetGlobal("apply").(*lua.LFunction)
	rets, err := e.call(L, fn, 3, res, cmd)
	if err != nil {
		return nil, err
	}
	next, ok := rets[0].(*lua.LTable)
	if !ok {
		if rets[0] == lua.LNil && rets[1] != lua.LNil {
			return nil, rejection(rets[1], rets[2])
		}
		return nil, fmt.Errorf("rules: %s apply returned %s, want a table", e.name, rets[0].Type())
	}
	out, err := luaToJSON(next)
	if err != nil {
		return nil, fmt.Errorf("rules: encoding state from %s: %w", e.name, err)
	}
	return out, nil
}

// call invokes fn(state, cmd) and returns exactly nret values.
func (e *LuaEngine) call(L *lua.LState, fn *lua.LFunction, nret int, res action.Resource, cmd action.Command) ([]lua.LValue, error) {
	state, err := jsonToLua(L, res.State)
	if err != nil {
		return nil, fmt.Errorf("rules: resource %s state: %w", res.ID, err)
	}
	payload, err := jsonToLua(L, cmd.Payload)
	if err != nil {
		return nil, action.Reject(action.CodeInvalidAction, "payload is not valid json")
	}
	c := L.NewTable()
	c.RawSetString("kind", lua.LString(cmd.Kind))
	c.RawSetString("principal", lua.LString(cmd.PrincipalID))
	c.RawSetString("request_id", lua.LString(cmd.RequestID))
	c.RawSetString("resource_id", lua.LString(res.ID))
	c.RawSetString("version", lua.LNumber(res.Version))
	c.RawSetString("payload", payload)

	if err := L.CallByParam(lua.P{Fn: fn, NRet: nret, Protect: true}, state, c); err != nil {
		e.logger.Warn("rules: Lua runtime error",
			zap.String("script", e.name),
			zap.String("resource_id", res.ID),
			zap.String("kind", cmd.Kind),
			zap.Error(err),
		)
		return nil, fmt.Errorf("rules: %s: %w", e.name, err)
	}
	rets := make([]lua.LValue, nret)
	for i := 0; i < nret; i++ {
		rets[i] = L.Get(-nret + i)
	}
	L.Pop(nret)
	return rets, nil
}

func rejection(code, msg lua.LValue) *action.PreconditionError {
	c := lua.LVAsString(code)
	if c == "" {
		c = action.CodeInvalidAction
	}
	return &action.PreconditionError{Code: c, Message: lua.LVAsString(msg)}
}

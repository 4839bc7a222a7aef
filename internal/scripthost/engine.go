// Package scripthost evaluates app-supplied helper scripts. Scripts are Lua;
// every top-level function taking exactly one argument is exported to the
// template pipeline. The Engine runs scripts in-process and is wrapped by a
// separate host process (see Serve and Client) so a hostile script can be
// killed and never touches the filesystem.
package scripthost

import (
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

//go:embed prelude.lua
var prelude string

// Engine holds one loaded helper script.
type Engine struct {
	state     *lua.LState
	functions []string
}

// NewEngine loads script and discovers its exported functions. The
// interpreter has no os or io library, so scripts cannot reach the
// filesystem, the network or the process environment from Lua itself.
func NewEngine(script string) (*Engine, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, open := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(open.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(open.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("open lua library %s: %w", open.name, err)
		}
	}

	L.SetGlobal("__platform_random_hex", L.NewFunction(luaRandomHex))

	if err := L.DoString(prelude); err != nil {
		L.Close()
		return nil, fmt.Errorf("load prelude: %w", err)
	}

	baseline := map[string]bool{}
	L.G.Global.ForEach(func(key, _ lua.LValue) {
		if name, ok := key.(lua.LString); ok {
			baseline[string(name)] = true
		}
	})

	if err := L.DoString(script); err != nil {
		L.Close()
		return nil, fmt.Errorf("evaluate helper script: %w", err)
	}

	var functions []string
	L.G.Global.ForEach(func(key, value lua.LValue) {
		name, ok := key.(lua.LString)
		if !ok || baseline[string(name)] {
			return
		}
		fn, ok := value.(*lua.LFunction)
		if !ok || fn.Proto == nil {
			return
		}
		if fn.Proto.NumParameters == 1 {
			functions = append(functions, string(name))
		}
	})
	sort.Strings(functions)

	return &Engine{state: L, functions: functions}, nil
}

// Functions returns the names of the script's exported helpers, sorted.
func (e *Engine) Functions() []string { return e.functions }

// Call invokes an exported helper with one table of keyword arguments. When
// the helper returns a parameterless function, that function is invoked once
// and its return value becomes the result, so helpers can hand back deferred
// computations.
func (e *Engine) Call(name string, args map[string]any) (any, error) {
	found := false
	for _, fn := range e.functions {
		if fn == name {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("unknown helper function %q", name)
	}

	argTable, err := toLua(e.state, args)
	if err != nil {
		return nil, err
	}
	if err := e.state.CallByParam(lua.P{
		Fn:      e.state.GetGlobal(name),
		NRet:    1,
		Protect: true,
	}, argTable); err != nil {
		return nil, fmt.Errorf("helper %s: %w", name, err)
	}
	ret := e.state.Get(-1)
	e.state.Pop(1)

	// Settle a deferred result.
	if fn, ok := ret.(*lua.LFunction); ok {
		if fn.Proto != nil && fn.Proto.NumParameters != 0 {
			return nil, fmt.Errorf("helper %s returned a function expecting arguments", name)
		}
		if err := e.state.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
			return nil, fmt.Errorf("helper %s: %w", name, err)
		}
		ret = e.state.Get(-1)
		e.state.Pop(1)
	}

	value, err := fromLua(ret)
	if err != nil {
		return nil, fmt.Errorf("helper %s: %w", name, err)
	}
	return value, nil
}

// Close releases the interpreter.
func (e *Engine) Close() { e.state.Close() }

func luaRandomHex(L *lua.LState) int {
	n := L.CheckInt(1)
	if n < 0 || n > 1024 {
		L.RaiseError("random_hex length out of range: %d", n)
		return 0
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		L.RaiseError("read randomness: %s", err)
		return 0
	}
	L.Push(lua.LString(hex.EncodeToString(buf)))
	return 1
}

// toLua converts a Go value produced by JSON decoding into a Lua value.
func toLua(L *lua.LState, v any) (lua.LValue, error) {
	switch t := v.(type) {
	case nil:
		return lua.LNil, nil
	case bool:
		return lua.LBool(t), nil
	case int:
		return lua.LNumber(t), nil
	case int64:
		return lua.LNumber(t), nil
	case float64:
		return lua.LNumber(t), nil
	case string:
		return lua.LString(t), nil
	case []any:
		table := L.NewTable()
		for _, item := range t {
			lv, err := toLua(L, item)
			if err != nil {
				return nil, err
			}
			table.Append(lv)
		}
		return table, nil
	case map[string]any:
		table := L.NewTable()
		for key, item := range t {
			lv, err := toLua(L, item)
			if err != nil {
				return nil, err
			}
			table.RawSetString(key, lv)
		}
		return table, nil
	default:
		return nil, fmt.Errorf("cannot pass %T to a helper", v)
	}
}

// fromLua converts a helper result to a Go value. Tables become arrays when
// they are pure sequences and string-keyed maps otherwise; functions,
// userdata and coroutines do not cross the boundary.
func fromLua(v lua.LValue) (any, error) {
	switch t := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(t), nil
	case lua.LNumber:
		f := float64(t)
		if f == float64(int64(f)) {
			return int64(f), nil
		}
		return f, nil
	case lua.LString:
		return string(t), nil
	case *lua.LTable:
		return tableToGo(t)
	default:
		return nil, fmt.Errorf("cannot convert %s result", v.Type())
	}
}

func tableToGo(t *lua.LTable) (any, error) {
	n := t.Len()
	total := 0
	var convErr error
	m := make(map[string]any)
	t.ForEach(func(key, value lua.LValue) {
		if convErr != nil {
			return
		}
		total++
		gv, err := fromLua(value)
		if err != nil {
			convErr = err
			return
		}
		switch k := key.(type) {
		case lua.LString:
			m[string(k)] = gv
		case lua.LNumber:
			m[k.String()] = gv
		default:
			convErr = fmt.Errorf("cannot convert table key of type %s", key.Type())
		}
	})
	if convErr != nil {
		return nil, convErr
	}
	if n > 0 && total == n {
		arr := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			gv, err := fromLua(t.RawGetInt(i))
			if err != nil {
				return nil, err
			}
			arr = append(arr, gv)
		}
		return arr, nil
	}
	return m, nil
}

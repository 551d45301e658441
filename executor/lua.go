package executor

import (
	"context"
	"errors"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/joncooperworks/testplatform/host"
)

func init() {
	RegisterRuntime(luaRuntime{})
}

const (
	luaChunkName = "script"
	// luaHostTable is the global through which Lua scripts reach the host.
	luaHostTable = "Host"
	// luaMaxDepth bounds table conversion of return values.
	luaMaxDepth = 32
)

type luaRuntime struct{}

func (luaRuntime) Language() Language { return LanguageLua }

func (luaRuntime) Check(ctx context.Context, src string, env *Environment) []Diagnostic {
	chunk, err := parse.Parse(strings.NewReader(src), luaChunkName)
	if err != nil {
		return []Diagnostic{luaDiagnostic(luaSyntaxError(err, src))}
	}
	if _, err := lua.Compile(chunk, luaChunkName); err != nil {
		return []Diagnostic{luaDiagnostic(luaSyntaxError(err, src))}
	}
	return nil
}

func (luaRuntime) Run(ctx context.Context, src string, env *Environment, bridge *host.Bridge) (Value, error) {
	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)

	installLuaHost(L, bridge)

	fn, err := L.Load(strings.NewReader(src), luaChunkName)
	if err != nil {
		var apiErr *lua.ApiError
		if errors.As(err, &apiErr) && apiErr.Cause != nil {
			return Value{}, luaSyntaxError(apiErr.Cause, src)
		}
		return Value{}, luaSyntaxError(err, src)
	}

	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return Value{}, luaRuntimeError(err)
	}
	if L.GetTop() < 1 {
		return Value{}, nil
	}
	data, ok := luaValue(L.Get(1), 0, map[*lua.LTable]bool{})
	if !ok {
		return Value{}, nil
	}
	return Value{Data: data, Present: true}, nil
}

// installLuaHost exposes the bridge as the Host table and routes print to
// the log sink. Host functions accept both Host.F(...) and Host:F(...).
func installLuaHost(L *lua.LState, bridge *host.Bridge) {
	tbl := L.NewTable()
	args := func(L *lua.LState) int {
		if L.Get(1) == tbl {
			return 1
		}
		return 0
	}

	L.SetFuncs(tbl, map[string]lua.LGFunction{
		"ListPluginNames": func(L *lua.LState) int {
			names := L.NewTable()
			for _, name := range bridge.ListPluginNames() {
				names.Append(lua.LString(name))
			}
			L.Push(names)
			return 1
		},
		"ExecutePluginCommand": func(L *lua.LState) int {
			n := args(L)
			result := bridge.ExecutePluginCommand(
				luaString(L, n+1),
				luaString(L, n+2),
				luaString(L, n+3),
			)
			if result == "" {
				L.Push(lua.LNil)
			} else {
				L.Push(lua.LString(result))
			}
			return 1
		},
		"Log": func(L *lua.LState) int {
			bridge.Log(luaString(L, args(L)+1))
			return 0
		},
	})
	L.SetGlobal(luaHostTable, tbl)

	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		bridge.Log(strings.Join(parts, "\t"))
		return 0
	}))
}

// luaString returns argument n as a string; nil and missing arguments are empty.
func luaString(L *lua.LState, n int) string {
	v := L.Get(n)
	if v == lua.LNil {
		return ""
	}
	return L.ToStringMeta(v).String()
}

func luaSyntaxError(err error, src string) *SyntaxError {
	var parseErr *parse.Error
	var compileErr *lua.CompileError
	switch {
	case errors.As(err, &parseErr):
		line, col := parseErr.Pos.Line, parseErr.Pos.Column
		if line < 1 {
			// Unexpected end of input.
			line = strings.Count(src, "\n") + 1
			col = 1
		}
		msg := parseErr.Message
		if parseErr.Token != "" {
			msg += " near '" + parseErr.Token + "'"
		}
		return &SyntaxError{Line: line, Column: max(col, 1), Message: msg}
	case errors.As(err, &compileErr):
		return &SyntaxError{Line: compileErr.Line, Column: 1, Message: compileErr.Message}
	default:
		return &SyntaxError{Line: 1, Column: 1, Message: err.Error()}
	}
}

func luaDiagnostic(e *SyntaxError) Diagnostic {
	return Diagnostic{Severity: SeverityError, Line: e.Line, Column: e.Column, Message: e.Message}
}

func luaRuntimeError(err error) *RuntimeError {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return &RuntimeError{Type: "RuntimeError", Message: err.Error()}
	}
	rt := &RuntimeError{Type: "RuntimeError", Stack: apiErr.StackTrace}
	switch apiErr.Type {
	case lua.ApiErrorError:
		rt.Type = "Error"
	case lua.ApiErrorPanic:
		rt.Type = "GoPanic"
	}
	if apiErr.Object != nil {
		rt.Message = apiErr.Object.String()
	} else {
		rt.Message = err.Error()
	}
	return rt
}

// luaValue converts a Lua value to Go. Tables with only sequence keys become
// []any; other tables become map[string]any. Functions, userdata, threads,
// cyclic and overly deep tables have no Go representation.
func luaValue(v lua.LValue, depth int, seen map[*lua.LTable]bool) (any, bool) {
	switch v := v.(type) {
	case *lua.LNilType:
		return nil, false
	case lua.LBool:
		return bool(v), true
	case lua.LNumber:
		return float64(v), true
	case lua.LString:
		return string(v), true
	case *lua.LTable:
		if depth >= luaMaxDepth || seen[v] {
			return nil, false
		}
		seen[v] = true
		defer delete(seen, v)
		return luaTable(v, depth+1, seen), true
	default:
		return nil, false
	}
}

func luaTable(t *lua.LTable, depth int, seen map[*lua.LTable]bool) any {
	n := t.Len()
	keys := 0
	t.ForEach(func(lua.LValue, lua.LValue) { keys++ })

	if n > 0 && keys == n {
		list := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			item, _ := luaValue(t.RawGetInt(i), depth, seen)
			list = append(list, item)
		}
		return list
	}

	m := make(map[string]any, keys)
	t.ForEach(func(k, v lua.LValue) {
		if item, ok := luaValue(v, depth, seen); ok {
			m[k.String()] = item
		}
	})
	return m
}

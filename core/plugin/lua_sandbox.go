package plugin

import (
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// newSandboxedVM 只打开安全的标准库，去掉文件加载入口
func newSandboxedVM(registryMaxSize int) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       128,
		RegistrySize:        1024,
		RegistryMaxSize:     registryMaxSize,
		RegistryGrowStep:    32,
		MinimizeStackMemory: true,
	})

	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, name := range []string{"dofile", "loadfile", "require", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// toLua 任意 Go 值经 JSON 归一后转为 Lua 值
func toLua(L *lua.LState, v any) lua.LValue {
	if v == nil {
		return lua.LNil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return lua.LString(fmt.Sprintf("%v", v))
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return lua.LNil
	}
	return goToLua(L, generic)
}

func goToLua(L *lua.LState, v any) lua.LValue {
	if v == nil {
		return lua.LNil
	}
	switch val := v.(type) {
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(float64(val))
	case int64:
		return lua.LNumber(float64(val))
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

func luaToGo(lv lua.LValue) any {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if n := v.MaxN(); n > 0 {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, luaToGo(v.RawGetInt(i)))
			}
			return arr
		}
		m := make(map[string]any)
		v.ForEach(func(key, val lua.LValue) {
			m[key.String()] = luaToGo(val)
		})
		return m
	default:
		return v.String()
	}
}

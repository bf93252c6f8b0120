// Package script runs step expressions in an embedded Lua sandbox. It
// backs the in-process transform and predicate step handlers, with state
// pooling and bytecode caching so repeated expressions stay cheap.
package script

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Shopify/go-lua"
)

type (
	// Env is a pooled Lua execution environment. Scripts see two
	// arguments, input and context, and nothing of the host.
	Env struct {
		statePool chan *lua.State
		compiled  sync.Map
	}

	// Compiled is a sandbox-compiled expression ready to run
	Compiled struct {
		bytecode []byte
	}

	// Scope carries the values an expression can reach
	Scope struct {
		Input   map[string]any
		Context map[string]any
	}
)

const (
	statePoolSize    = 10
	globalTableIndex = -2
	tableValueIndex  = -3
	globalTableName  = "_G"

	scriptPrologue = "local input = select(1, ...)\n" +
		"local context = select(2, ...)"
	scriptArgCount = 2
)

var (
	ErrLoad      = errors.New("expression load error")
	ErrExecution = errors.New("expression execution error")
)

// The host's environment stays out of reach of step expressions
var sandboxExclude = [...]string{
	"io", "os", "debug", "package", "require", "dofile", "loadfile", "load",
}

// NewEnv creates an expression environment with a warm state pool
func NewEnv() *Env {
	return &Env{
		statePool: make(chan *lua.State, statePoolSize),
	}
}

// Compile compiles an expression, caching the bytecode by content
func (e *Env) Compile(script string) (*Compiled, error) {
	key := cacheKey(script)
	if val, ok := e.compiled.Load(key); ok {
		return val.(*Compiled), nil
	}

	c, err := e.compile(script)
	if err != nil {
		return nil, err
	}
	e.compiled.Store(key, c)
	return c, nil
}

// Validate checks an expression for syntax errors without running it
func (e *Env) Validate(script string) error {
	_, err := e.Compile(script)
	return err
}

// Run executes an expression against the scope. A table result converts
// to a map; any other result is wrapped under "result".
func (e *Env) Run(script string, scope *Scope) (map[string]any, error) {
	c, err := e.Compile(script)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}

	L := e.getState()
	defer e.returnState(L)

	value, err := e.call(L, c, scope)
	if err != nil {
		return nil, err
	}
	if m, ok := value.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"result": value}, nil
}

// RunValue executes an expression and returns its raw result value
func (e *Env) RunValue(script string, scope *Scope) (any, error) {
	c, err := e.Compile(script)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}

	L := e.getState()
	defer e.returnState(L)

	return e.call(L, c, scope)
}

// RunPredicate executes an expression and reduces the result to Lua truth
func (e *Env) RunPredicate(script string, scope *Scope) (bool, error) {
	c, err := e.Compile(script)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrLoad, err)
	}

	L := e.getState()
	defer e.returnState(L)

	value, err := e.call(L, c, scope)
	if err != nil {
		return false, err
	}
	switch v := value.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return true, nil
	}
}

func (e *Env) call(
	L *lua.State, c *Compiled, scope *Scope,
) (any, error) {
	e.setupSandbox(L)
	if err := L.Load(bytes.NewReader(c.bytecode), "chunk", "b"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}

	goToLua(L, anyMap(scope.Input))
	goToLua(L, anyMap(scope.Context))

	if err := L.ProtectedCall(scriptArgCount, 1, 0); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecution, err)
	}

	value := luaToGo(L, -1)
	L.Pop(1)
	return value, nil
}

func (e *Env) compile(script string) (*Compiled, error) {
	src := strings.Join([]string{scriptPrologue, script}, "\n")

	L := lua.NewState()
	e.setupSandbox(L)

	if err := lua.LoadString(L, src); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := L.Dump(&buf); err != nil {
		return nil, err
	}
	return &Compiled{bytecode: buf.Bytes()}, nil
}

func (e *Env) setupSandbox(L *lua.State) {
	lua.OpenLibraries(L)
	L.Global(globalTableName)
	for _, name := range sandboxExclude {
		L.PushNil()
		L.SetField(globalTableIndex, name)
	}
	L.Pop(1)
}

func (e *Env) getState() *lua.State {
	select {
	case L := <-e.statePool:
		return L
	default:
		return lua.NewState()
	}
}

func (e *Env) returnState(L *lua.State) {
	L.SetTop(0)

	select {
	case e.statePool <- L:
	default:
	}
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func cacheKey(script string) string {
	sum := sha256.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])
}

func goToLua(L *lua.State, value any) {
	switch v := value.(type) {
	case string:
		L.PushString(v)
	case bool:
		L.PushBoolean(v)
	case int:
		L.PushInteger(v)
	case int64:
		L.PushInteger(int(v))
	case float64:
		L.PushNumber(v)
	case []any:
		pushArray(L, v)
	case map[string]any:
		pushMap(L, v)
	case nil:
		L.PushNil()
	default:
		L.PushString(fmt.Sprintf("%v", v))
	}
}

func pushArray(L *lua.State, arr []any) {
	L.CreateTable(len(arr), 0)
	for i, item := range arr {
		L.PushInteger(i + 1)
		goToLua(L, item)
		L.SetTable(tableValueIndex)
	}
}

func pushMap(L *lua.State, m map[string]any) {
	L.CreateTable(0, len(m))
	for k, val := range m {
		L.PushString(k)
		goToLua(L, val)
		L.SetTable(tableValueIndex)
	}
}

func numberToGo(L *lua.State, index int) any {
	num, _ := L.ToNumber(index)
	if num == float64(int(num)) {
		return int(num)
	}
	return num
}

func luaToGo(L *lua.State, index int) any {
	switch {
	case L.IsNil(index):
		return nil
	case L.IsBoolean(index):
		return L.ToBoolean(index)
	case L.IsNumber(index):
		return numberToGo(L, index)
	case L.IsString(index):
		s, _ := L.ToString(index)
		return s
	case L.IsTable(index):
		return tableToGo(L, index)
	default:
		return nil
	}
}

func tableToGo(L *lua.State, index int) any {
	isArray := true
	length := 0

	L.PushNil()
	for L.Next(index - 1) {
		if !L.IsNumber(-2) {
			isArray = false
			L.Pop(1)
			break
		}
		length++
		L.Pop(1)
	}

	if isArray && length > 0 {
		return arrayToGo(L, index, length)
	}

	result := map[string]any{}
	L.PushNil()
	for L.Next(index - 1) {
		var key string
		if !L.IsString(-2) {
			key = fmt.Sprintf("%v", luaToGo(L, -2))
			result[key] = luaToGo(L, -1)
			L.Pop(1)
			continue
		}
		key, _ = L.ToString(-2)
		result[key] = luaToGo(L, -1)
		L.Pop(1)
	}

	return result
}

func arrayToGo(L *lua.State, index, length int) []any {
	arr := make([]any, length)
	absIndex := index
	if index < 0 {
		absIndex = L.Top() + index + 1
	}
	for i := 1; i <= length; i++ {
		L.RawGetInt(absIndex, i)
		arr[i-1] = luaToGo(L, -1)
		L.Pop(1)
	}
	return arr
}

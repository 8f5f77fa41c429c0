// Package script runs Lua scripts against a session. Scripts see the base
// through a global "base" table and can query and change records.
package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
	lua "github.com/yuin/gopher-lua"

	"github.com/zot/basekit/internal/sdk"
)

// ErrClosed is returned by a runner after Close.
var ErrClosed = errors.New("script runner is closed")

// DefaultTimeout bounds a single script run.
const DefaultTimeout = 30 * time.Second

type workItem struct {
	fn     func() (any, error)
	result chan workResult
}

type workResult struct {
	value any
	err   error
}

// Option configures a Runner.
type Option func(*Runner)

// WithOutput sends print output to w instead of stdout.
func WithOutput(w io.Writer) Option {
	return func(r *Runner) { r.out = w }
}

// WithTimeout bounds each run. Zero means no bound beyond the caller's
// context.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// Runner owns one Lua state. Runs are executed one at a time on the runner's
// executor goroutine, so a script never sees another script's half-finished
// work.
type Runner struct {
	session *sdk.Session
	state   *lua.LState
	out     io.Writer
	timeout time.Duration
	work    chan workItem
	done    chan struct{}

	// ctx is the context of the run in progress; only read on the executor
	ctx context.Context
}

// New creates a runner over session.
func New(session *sdk.Session, opts ...Option) *Runner {
	r := &Runner{
		session: session,
		state:   lua.NewState(lua.Options{SkipOpenLibs: false}),
		out:     os.Stdout,
		timeout: DefaultTimeout,
		work:    make(chan workItem),
		done:    make(chan struct{}),
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.install()
	go r.executor()
	return r
}

func (r *Runner) executor() {
	for {
		select {
		case <-r.done:
			r.state.Close()
			return
		case item := <-r.work:
			value, err := item.fn()
			item.result <- workResult{value: value, err: err}
		}
	}
}

// execute runs fn on the executor and waits for it.
func (r *Runner) execute(fn func() (any, error)) (any, error) {
	result := make(chan workResult, 1)
	select {
	case <-r.done:
		return nil, ErrClosed
	case r.work <- workItem{fn: fn, result: result}:
	}
	res := <-result
	return res.value, res.err
}

// Close stops the executor and closes the Lua state.
func (r *Runner) Close() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// Run executes code and returns its first result converted to Go. A Lua
// error or a cancelled context fails the run.
func (r *Runner) Run(ctx context.Context, name, code string) (any, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return r.execute(func() (any, error) {
		L := r.state
		fn, err := L.LoadString(code)
		if err != nil {
			return nil, fmt.Errorf("failed to load script %s: %w", name, err)
		}
		r.ctx = ctx
		L.SetContext(ctx)
		defer func() {
			L.RemoveContext()
			r.ctx = context.Background()
		}()

		glog.V(2).Infof("script: running %s", name)
		top := L.GetTop()
		L.Push(fn)
		if err := L.PCall(0, 1, nil); err != nil {
			L.SetTop(top)
			return nil, fmt.Errorf("script %s: %w", name, err)
		}
		ret := L.Get(-1)
		L.SetTop(top)
		return fromLua(ret), nil
	})
}

// RunFile executes a Lua file.
func (r *Runner) RunFile(ctx context.Context, file string) (any, error) {
	code, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, filepath.Base(file), string(code))
}

// install registers the globals scripts use.
func (r *Runner) install() {
	L := r.state
	L.SetGlobal("print", L.NewFunction(r.luaPrint))
	L.SetGlobal("base", r.baseTable())
}

func (r *Runner) luaPrint(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	fmt.Fprintln(r.out, strings.Join(parts, "\t"))
	return 0
}

// raise turns a Go error into a Lua error.
func raise(L *lua.LState, err error) int {
	L.RaiseError("%s", err.Error())
	return 0
}

// method wraps fn as a Lua method: calls use the colon syntax and the self
// argument is dropped.
func method(L *lua.LState, fn lua.LGFunction) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		if L.GetTop() < 1 || L.Get(1).Type() != lua.LTTable {
			L.ArgError(1, "call with ':'")
		}
		L.Remove(1)
		return fn(L)
	})
}

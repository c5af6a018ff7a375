// Package capability holds the native operations exposed to the renderer.
// Each capability is registered on the bridge under a stable name; the set
// available at runtime depends on the platform and build tags.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/deskshell/deskshell/internal/bridge"
)

// NativeCapability is one named native operation
type NativeCapability interface {
	Name() string
	// Async capabilities are tracked in the bridge pending table and may take
	// as long as the pending timeout allows
	Async() bool
	Invoke(ctx context.Context, args []json.RawMessage) (any, error)
}

// InvokeFunc is the body of a capability
type InvokeFunc func(ctx context.Context, args []json.RawMessage) (any, error)

type funcCapability struct {
	name  string
	async bool
	fn    InvokeFunc
}

func (f *funcCapability) Name() string { return f.name }
func (f *funcCapability) Async() bool  { return f.async }
func (f *funcCapability) Invoke(ctx context.Context, args []json.RawMessage) (any, error) {
	return f.fn(ctx, args)
}

// New wraps fn as a synchronous capability
func New(name string, fn InvokeFunc) NativeCapability {
	return &funcCapability{name: name, fn: fn}
}

// NewAsync wraps fn as an asynchronous capability
func NewAsync(name string, fn InvokeFunc) NativeCapability {
	return &funcCapability{name: name, async: true, fn: fn}
}

// Register adds every capability to the registry, failing on the first duplicate
func Register(reg *bridge.Registry, caps ...NativeCapability) error {
	for _, c := range caps {
		c := c // per-iteration copy; the closure below outlives the loop (go 1.21 semantics)
		var err error
		if c.Async() {
			err = reg.RegisterAsync(c.Name(), func(ctx context.Context, call *bridge.Call) {
				v, ierr := c.Invoke(ctx, call.Args)
				if ierr != nil {
					_ = call.Reject(ierr)
					return
				}
				_ = call.Resolve(v)
			})
		} else {
			err = reg.Register(c.Name(), bridge.Handler(c.Invoke))
		}
		if err != nil {
			return fmt.Errorf("register capability: %w", err)
		}
	}
	return nil
}

// Env carries what capabilities need from the host application
type Env struct {
	AppName string
	Version string
	Mode    string

	// AskDelay simulates native work in askNative
	AskDelay time.Duration

	Prefs    PrefStore
	Keyring  Keyring
	Notifier Notifier
	Opener   Opener

	// OnMenu is called with the item id when a native menu item is chosen
	OnMenu func(id string)
	// Quit asks the host application to exit
	Quit func()

	Logger *zap.SugaredLogger
}

func (e *Env) logger() *zap.SugaredLogger {
	if e.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return e.Logger
}

// Platform returns the capabilities available on this build
func Platform(env Env) []NativeCapability {
	if env.Keyring == nil {
		env.Keyring = SystemKeyring{}
	}
	if env.Notifier == nil {
		env.Notifier = DesktopNotifier{}
	}
	if env.Opener == nil {
		env.Opener = SystemOpener{Logger: env.logger()}
	}

	caps := []NativeCapability{
		Ping(),
		AppInfo(env),
		AskNative(env.AskDelay, env.logger()),
		Notify(env.Notifier),
		OpenExternal(env.Opener),
	}
	caps = append(caps, Keychain(env.AppName, env.Keyring)...)
	if env.Prefs != nil {
		caps = append(caps, Prefs(env.Prefs)...)
	}
	return append(caps, platformCapabilities(env)...)
}

// decodeArg unmarshals args[i] into v, reporting a BAD_REQUEST when missing or malformed
func decodeArg(name string, args []json.RawMessage, i int, v any) error {
	if i >= len(args) {
		return bridge.BadRequest("%s: missing argument %d", name, i+1)
	}
	if err := json.Unmarshal(args[i], v); err != nil {
		return bridge.BadRequest("%s: argument %d: %v", name, i+1, err)
	}
	return nil
}

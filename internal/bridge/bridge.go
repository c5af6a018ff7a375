// Package bridge carries calls between native code and renderer JS.
//
// Renderer to native: a call envelope names a registered capability, the
// bridge runs it and replies with a result or error envelope carrying the
// same correlation id. Native to renderer: InvokeRenderer fires a call
// without waiting, CallRenderer registers a pending id and waits for the
// renderer to settle it.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	outcomeOK       = "ok"
	outcomeNotFound = "not_found"
	outcomeError    = "error"
	outcomeTimeout  = "timeout"

	nativePeer = "native"
)

// Metrics records bridge activity. Implemented by the observability package.
type Metrics interface {
	ObserveBridgeCall(name, outcome string, d time.Duration)
	SetBridgePending(n int)
}

// Peer is a connected renderer able to receive envelopes
type Peer interface {
	ID() string
	Send(Message) error
}

// Options configures a Bridge
type Options struct {
	PendingTimeout time.Duration
	MaxPending     int
	// Verbose adds stack traces to handler failures. Development only.
	Verbose bool
	Logger  *zap.SugaredLogger
	Metrics Metrics
}

// Bridge dispatches calls in both directions
type Bridge struct {
	registry *Registry
	pending  *pendingTable
	verbose  bool
	logger   *zap.SugaredLogger
	metrics  Metrics
	tracer   trace.Tracer

	mu    sync.RWMutex
	peers map[string]Peer
	order []string // attach order, newest last
}

// New creates a bridge over registry
func New(registry *Registry, opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Bridge{
		registry: registry,
		pending:  newPendingTable(opts.MaxPending, opts.PendingTimeout),
		verbose:  opts.Verbose,
		logger:   logger.Named("bridge"),
		metrics:  opts.Metrics,
		tracer:   otel.Tracer("github.com/deskshell/deskshell/internal/bridge"),
		peers:    make(map[string]Peer),
	}
}

// Registry returns the capability registry
func (b *Bridge) Registry() *Registry {
	return b.registry
}

// Pending returns the number of unresolved calls in both directions
func (b *Bridge) Pending() int {
	return b.pending.len()
}

// InvokeNative runs the named capability and returns its JSON result.
// Failures are always *CallError; a panicking handler never escapes.
func (b *Bridge) InvokeNative(ctx context.Context, name string, args []json.RawMessage) (json.RawMessage, error) {
	start := time.Now()
	ctx, span := b.tracer.Start(ctx, "bridge.invoke", trace.WithAttributes(
		attribute.String("bridge.capability", name),
		attribute.Int("bridge.args", len(args)),
	))
	defer span.End()

	result, cerr := b.invoke(ctx, name, args)

	status := outcomeOK
	if cerr != nil {
		switch cerr.Code {
		case CodeNotFound:
			status = outcomeNotFound
		case CodeTimeout:
			status = outcomeTimeout
		default:
			status = outcomeError
		}
		span.SetStatus(codes.Error, cerr.Message)
		span.SetAttributes(attribute.String("bridge.error_code", string(cerr.Code)))
	}
	if b.metrics != nil {
		b.metrics.ObserveBridgeCall(name, status, time.Since(start))
	}
	if cerr != nil {
		return nil, cerr
	}
	return result, nil
}

func (b *Bridge) invoke(ctx context.Context, name string, args []json.RawMessage) (json.RawMessage, *CallError) {
	reg, ok := b.registry.Lookup(name)
	if !ok {
		b.logger.Debugw("Unknown capability", "name", name)
		return nil, NotFound(name)
	}
	if reg.Async {
		return b.invokeAsync(ctx, reg, args)
	}

	var (
		value any
		err   error
	)
	if perr := b.guard(name, func() { value, err = reg.handler(ctx, args) }); perr != nil {
		return nil, perr
	}
	if err != nil {
		b.logger.Warnw("Capability failed", "name", name, "error", err)
		return nil, HandlerError(err)
	}
	return b.encode(name, value)
}

func (b *Bridge) invokeAsync(ctx context.Context, reg Registration, args []json.RawMessage) (json.RawMessage, *CallError) {
	id, w, err := b.pending.add(nativePeer, reg.Name)
	if err != nil {
		return nil, &CallError{Code: CodeUnavailable, Message: err.Error()}
	}
	b.reportPending()
	defer b.reportPending()

	call := &Call{ID: id, Name: reg.Name, Args: args, bridge: b}
	go func() {
		if perr := b.guard(reg.Name, func() { reg.asyncHandler(ctx, call) }); perr != nil {
			_ = b.pending.settle(id, outcome{err: perr})
		}
	}()

	select {
	case o := <-w.ch:
		return o.result, o.err
	case <-ctx.Done():
		// the handler may still settle the id; its result is discarded
		return nil, &CallError{Code: CodeUnavailable, Message: ctx.Err().Error()}
	}
}

// guard runs fn and converts a panic into a HANDLER_ERROR
func (b *Bridge) guard(name string, fn func()) (cerr *CallError) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			b.logger.Errorw("Capability panicked", "name", name, "panic", r, "stack", stack)
			cerr = &CallError{Code: CodeHandlerError, Message: fmt.Sprintf("capability %q failed", name)}
			if b.verbose {
				cerr.Message = fmt.Sprintf("capability %q panicked: %v", name, r)
				cerr.Detail = stack
			}
		}
	}()
	fn()
	return nil
}

func (b *Bridge) encode(name string, value any) (json.RawMessage, *CallError) {
	if raw, ok := value.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage("null"), nil
		}
		return raw, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		b.logger.Warnw("Capability result is not serializable", "name", name, "error", err)
		return nil, &CallError{Code: CodeHandlerError, Message: fmt.Sprintf("result of %q is not serializable: %v", name, err)}
	}
	return raw, nil
}

// Dispatch is the transport entry point. Calls run on their own goroutine
// and produce exactly one reply when the envelope carries an id. Result and
// error envelopes settle native-originated calls. reply may be invoked from
// any goroutine.
func (b *Bridge) Dispatch(ctx context.Context, msg Message, reply func(Message)) {
	if err := msg.Validate(); err != nil {
		b.logger.Warnw("Rejected bridge envelope", "kind", msg.Kind, "id", msg.ID, "error", err)
		if msg.ID != "" && reply != nil {
			reply(errorMessage(msg.ID, BadRequest("%v", err)))
		}
		return
	}

	switch msg.Kind {
	case KindCall:
		// in-flight calls run to completion even if the renderer goes away
		callCtx := context.WithoutCancel(ctx)
		go func() {
			result, err := b.InvokeNative(callCtx, msg.Name, msg.Args)
			if msg.ID == "" || reply == nil {
				return
			}
			if err != nil {
				reply(errorMessage(msg.ID, asCallError(err)))
				return
			}
			reply(resultMessage(msg.ID, result))
		}()
	case KindResult:
		b.settleFromRenderer(msg.ID, outcome{result: msg.Result})
	case KindError:
		b.settleFromRenderer(msg.ID, outcome{err: msg.Error})
	case KindEval:
		b.logger.Warnw("Renderer sent an eval envelope, ignoring", "id", msg.ID)
	}
}

func (b *Bridge) settleFromRenderer(id string, o outcome) {
	if err := b.pending.settle(id, o); err != nil {
		b.logger.Debugw("Late or duplicate renderer reply", "id", id, "error", err)
	}
	b.reportPending()
}

// Attach registers a connected renderer. The newest peer receives CallRenderer traffic.
func (b *Bridge) Attach(p Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.peers[p.ID()]; !exists {
		b.order = append(b.order, p.ID())
	}
	b.peers[p.ID()] = p
	b.logger.Debugw("Renderer attached", "peer", p.ID(), "peers", len(b.peers))
}

// DropPeer forgets a renderer and rejects every call it still owed
func (b *Bridge) DropPeer(peerID string) {
	b.mu.Lock()
	delete(b.peers, peerID)
	for i, id := range b.order {
		if id == peerID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	n := b.pending.dropPeer(peerID, &CallError{Code: CodeUnavailable, Message: "renderer disconnected"})
	if n > 0 {
		b.logger.Infow("Rejected calls owed by disconnected renderer", "peer", peerID, "calls", n)
	}
	b.reportPending()
}

// Peers returns the ids of attached renderers, oldest first
func (b *Bridge) Peers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.order...)
}

func (b *Bridge) primary() Peer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.order) == 0 {
		return nil
	}
	return b.peers[b.order[len(b.order)-1]]
}

func (b *Bridge) all() []Peer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Peer, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.peers[id])
	}
	return out
}

// InvokeRenderer calls an exposed renderer function on every attached peer
// without waiting for a result
func (b *Bridge) InvokeRenderer(ctx context.Context, fn string, args ...any) error {
	raw, err := MarshalArgs(args...)
	if err != nil {
		return BadRequest("%v", err)
	}
	peers := b.all()
	if len(peers) == 0 {
		return &CallError{Code: CodeUnavailable, Message: "no renderer attached"}
	}
	msg := Message{Kind: KindCall, Name: fn, Args: raw}
	for _, p := range peers {
		if err := p.Send(msg); err != nil {
			b.logger.Warnw("Failed to deliver renderer call", "peer", p.ID(), "function", fn, "error", err)
		}
	}
	return nil
}

// Eval asks every attached renderer to evaluate script
func (b *Bridge) Eval(ctx context.Context, script string) error {
	peers := b.all()
	if len(peers) == 0 {
		return &CallError{Code: CodeUnavailable, Message: "no renderer attached"}
	}
	for _, p := range peers {
		if err := p.Send(Message{Kind: KindEval, Script: script}); err != nil {
			b.logger.Warnw("Failed to deliver eval", "peer", p.ID(), "error", err)
		}
	}
	return nil
}

// CallRenderer calls an exposed renderer function on the newest peer and
// waits for its result
func (b *Bridge) CallRenderer(ctx context.Context, fn string, args ...any) (json.RawMessage, error) {
	raw, err := MarshalArgs(args...)
	if err != nil {
		return nil, BadRequest("%v", err)
	}
	peer := b.primary()
	if peer == nil {
		return nil, &CallError{Code: CodeUnavailable, Message: "no renderer attached"}
	}

	ctx, span := b.tracer.Start(ctx, "bridge.call_renderer", trace.WithAttributes(attribute.String("bridge.function", fn)))
	defer span.End()

	id, w, err := b.pending.add(peer.ID(), fn)
	if err != nil {
		return nil, &CallError{Code: CodeUnavailable, Message: err.Error()}
	}
	b.reportPending()
	defer b.reportPending()

	if err := peer.Send(Message{Kind: KindCall, ID: id, Name: fn, Args: raw}); err != nil {
		_ = b.pending.settle(id, outcome{})
		<-w.ch
		return nil, &CallError{Code: CodeUnavailable, Message: fmt.Sprintf("send to renderer: %v", err)}
	}

	select {
	case o := <-w.ch:
		if o.err != nil {
			span.SetStatus(codes.Error, o.err.Message)
			return nil, o.err
		}
		return o.result, nil
	case <-ctx.Done():
		if b.pending.settle(id, outcome{}) != nil {
			// settled concurrently; take that outcome instead
			o := <-w.ch
			if o.err != nil {
				return nil, o.err
			}
			return o.result, nil
		}
		<-w.ch
		return nil, &CallError{Code: CodeUnavailable, Message: ctx.Err().Error()}
	}
}

func (b *Bridge) reportPending() {
	if b.metrics != nil {
		b.metrics.SetBridgePending(b.pending.len())
	}
}

// Call is an asynchronous native call awaiting settlement
type Call struct {
	ID   string
	Name string
	Args []json.RawMessage

	bridge *Bridge
}

// Resolve settles the call with a result. A second settlement returns ErrAlreadyResolved.
func (c *Call) Resolve(value any) error {
	raw, cerr := c.bridge.encode(c.Name, value)
	if cerr != nil {
		return c.bridge.pending.settle(c.ID, outcome{err: cerr})
	}
	return c.bridge.pending.settle(c.ID, outcome{result: raw})
}

// Reject settles the call with an error. A second settlement returns ErrAlreadyResolved.
func (c *Call) Reject(err error) error {
	if err == nil {
		err = fmt.Errorf("rejected")
	}
	return c.bridge.pending.settle(c.ID, outcome{err: HandlerError(err)})
}

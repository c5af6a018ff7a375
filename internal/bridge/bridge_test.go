package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakePeer struct {
	id   string
	sent chan Message
	err  error
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id, sent: make(chan Message, 16)}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(m Message) error {
	if p.err != nil {
		return p.err
	}
	p.sent <- m
	return nil
}

type recordingMetrics struct {
	mu      sync.Mutex
	calls   map[string]int
	pending int
}

func (m *recordingMetrics) ObserveBridgeCall(name, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[name+"/"+outcome]++
}

func (m *recordingMetrics) SetBridgePending(n int) {
	m.mu.Lock()
	m.pending = n
	m.mu.Unlock()
}

func echoHandler(_ context.Context, args []json.RawMessage) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return args[0], nil
}

func newTestBridge(t *testing.T, opts Options) *Bridge {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register("echo", echoHandler))
	return New(reg, opts)
}

func waitReply(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
		return Message{}
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("b", echoHandler))
	require.NoError(t, reg.RegisterAsync("a", func(context.Context, *Call) {}))

	err := reg.Register("b", echoHandler)
	assert.True(t, errors.Is(err, ErrDuplicateName))
	assert.Error(t, reg.Register("", echoHandler))
	assert.Error(t, reg.Register("nil", nil))

	got, ok := reg.Lookup("a")
	require.True(t, ok)
	assert.True(t, got.Async)
	_, ok = reg.Lookup("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"a", "b"}, reg.Names())

	reg.Seal()
	assert.True(t, reg.Sealed())
	assert.True(t, errors.Is(reg.Register("c", echoHandler), ErrSealed))
	assert.Panics(t, func() { reg.MustRegister("d", echoHandler) })
}

func jsonValue() *rapid.Generator[any] {
	scalar := rapid.OneOf(
		rapid.Map(rapid.Int64Range(-1<<40, 1<<40), func(v int64) any { return v }),
		rapid.Map(rapid.String(), func(v string) any { return v }),
		rapid.Map(rapid.Bool(), func(v bool) any { return v }),
		rapid.Just[any](nil),
	)
	return rapid.OneOf(
		scalar,
		rapid.Map(rapid.SliceOfN(scalar, 0, 5), func(v []any) any { return v }),
		rapid.Map(rapid.MapOfN(rapid.StringMatching(`[a-z]{1,6}`), scalar, 0, 5), func(v map[string]any) any { return v }),
	)
}

func TestEchoIsIdentity(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("echo", echoHandler))
	require.NoError(t, reg.Register("decode", func(_ context.Context, args []json.RawMessage) (any, error) {
		var v any
		if err := json.Unmarshal(args[0], &v); err != nil {
			return nil, err
		}
		return v, nil
	}))
	b := New(reg, Options{})

	rapid.Check(t, func(t *rapid.T) {
		v := jsonValue().Draw(t, "value")
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		for _, name := range []string{"echo", "decode"} {
			out, err := b.InvokeNative(context.Background(), name, []json.RawMessage{raw})
			if err != nil {
				t.Fatalf("%s: %v", name, err)
			}
			var want, got any
			_ = json.Unmarshal(raw, &want)
			if err := json.Unmarshal(out, &got); err != nil {
				t.Fatalf("%s returned invalid JSON %q", name, out)
			}
			if !assert.ObjectsAreEqual(want, got) {
				t.Fatalf("%s changed %s into %s", name, raw, out)
			}
		}
	})
}

func TestUnknownCapabilityIsNotFound(t *testing.T) {
	b := newTestBridge(t, Options{})
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.String().Filter(func(s string) bool { return s != "echo" }).Draw(t, "name")
		_, err := b.InvokeNative(context.Background(), name, nil)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected NOT_FOUND for %q, got %v", name, err)
		}
	})
}

func TestHandlerErrorsAreStructured(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("fails", func(context.Context, []json.RawMessage) (any, error) {
		return nil, errors.New("disk on fire")
	})
	reg.MustRegister("panics", func(context.Context, []json.RawMessage) (any, error) {
		panic("boom")
	})
	reg.MustRegister("badResult", func(context.Context, []json.RawMessage) (any, error) {
		return make(chan int), nil
	})
	reg.MustRegister("coded", func(context.Context, []json.RawMessage) (any, error) {
		return nil, BadRequest("msg is required")
	})

	metrics := &recordingMetrics{}
	b := New(reg, Options{Metrics: metrics})

	_, err := b.InvokeNative(context.Background(), "fails", nil)
	var ce *CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, CodeHandlerError, ce.Code)
	assert.Equal(t, "disk on fire", ce.Message)

	_, err = b.InvokeNative(context.Background(), "panics", nil)
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, CodeHandlerError, ce.Code)
	assert.NotContains(t, ce.Message, "boom", "production errors do not leak panic values")
	assert.Empty(t, ce.Detail)

	_, err = b.InvokeNative(context.Background(), "badResult", nil)
	assert.True(t, errors.Is(err, ErrHandler))

	_, err = b.InvokeNative(context.Background(), "coded", nil)
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, CodeBadRequest, ce.Code)

	// the bridge keeps serving after all of the above
	out, err := b.InvokeNative(context.Background(), "fails", nil)
	assert.Nil(t, out)
	assert.Error(t, err)

	metrics.mu.Lock()
	assert.Equal(t, 2, metrics.calls["fails/error"])
	assert.Equal(t, 1, metrics.calls["panics/error"])
	metrics.mu.Unlock()
}

func TestVerbosePanicCarriesDetail(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("panics", func(context.Context, []json.RawMessage) (any, error) {
		panic("boom")
	})
	b := New(reg, Options{Verbose: true})

	_, err := b.InvokeNative(context.Background(), "panics", nil)
	var ce *CallError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Message, "boom")
	assert.Contains(t, ce.Detail, "goroutine")
}

func TestAsyncHandler(t *testing.T) {
	reg := NewRegistry()
	calls := make(chan *Call, 1)
	require.NoError(t, reg.RegisterAsync("later", func(_ context.Context, c *Call) {
		calls <- c
	}))
	b := New(reg, Options{})

	type res struct {
		out json.RawMessage
		err error
	}
	done := make(chan res, 1)
	go func() {
		out, err := b.InvokeNative(context.Background(), "later", nil)
		done <- res{out, err}
	}()

	c := <-calls
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, 1, b.Pending())
	require.NoError(t, c.Resolve(map[string]string{"response": "done"}))
	assert.True(t, errors.Is(c.Resolve("again"), ErrAlreadyResolved))
	assert.True(t, errors.Is(c.Reject(errors.New("late")), ErrAlreadyResolved))

	r := <-done
	require.NoError(t, r.err)
	assert.JSONEq(t, `{"response":"done"}`, string(r.out))
	assert.Equal(t, 0, b.Pending())
}

func TestAsyncRejectAndPanic(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterAsync("rejects", func(_ context.Context, c *Call) {
		go func() { _ = c.Reject(errors.New("no thanks")) }()
	}))
	require.NoError(t, reg.RegisterAsync("panics", func(context.Context, *Call) {
		panic("async boom")
	}))
	b := New(reg, Options{})

	_, err := b.InvokeNative(context.Background(), "rejects", nil)
	var ce *CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "no thanks", ce.Message)

	_, err = b.InvokeNative(context.Background(), "panics", nil)
	assert.True(t, errors.Is(err, ErrHandler))
}

func TestAsyncTimeout(t *testing.T) {
	reg := NewRegistry()
	calls := make(chan *Call, 1)
	require.NoError(t, reg.RegisterAsync("never", func(_ context.Context, c *Call) {
		calls <- c
	}))
	b := New(reg, Options{PendingTimeout: 50 * time.Millisecond})

	_, err := b.InvokeNative(context.Background(), "never", nil)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, 0, b.Pending())

	assert.True(t, errors.Is((<-calls).Resolve(1), ErrAlreadyResolved))
}

func TestMaxPending(t *testing.T) {
	reg := NewRegistry()
	started := make(chan *Call, 1)
	require.NoError(t, reg.RegisterAsync("hold", func(_ context.Context, c *Call) { started <- c }))
	b := New(reg, Options{MaxPending: 1})

	done := make(chan error, 1)
	go func() {
		_, err := b.InvokeNative(context.Background(), "hold", nil)
		done <- err
	}()
	c := <-started

	_, err := b.InvokeNative(context.Background(), "hold", nil)
	assert.True(t, errors.Is(err, ErrUnavailable))

	require.NoError(t, c.Resolve(nil))
	assert.NoError(t, <-done)
}

func TestDispatchRepliesWithSameID(t *testing.T) {
	b := newTestBridge(t, Options{})
	replies := make(chan Message, 4)

	b.Dispatch(context.Background(), Message{Kind: KindCall, ID: "abc", Name: "echo", Args: []json.RawMessage{json.RawMessage(`"hi"`)}}, func(m Message) { replies <- m })
	m := waitReply(t, replies)
	assert.Equal(t, KindResult, m.Kind)
	assert.Equal(t, "abc", m.ID)
	assert.JSONEq(t, `"hi"`, string(m.Result))

	b.Dispatch(context.Background(), Message{Kind: KindCall, ID: "def", Name: "nope"}, func(m Message) { replies <- m })
	m = waitReply(t, replies)
	assert.Equal(t, KindError, m.Kind)
	assert.Equal(t, "def", m.ID)
	require.NotNil(t, m.Error)
	assert.Equal(t, CodeNotFound, m.Error.Code)

	b.Dispatch(context.Background(), Message{Kind: "bogus", ID: "ghi"}, func(m Message) { replies <- m })
	m = waitReply(t, replies)
	assert.Equal(t, CodeBadRequest, m.Error.Code)

	// a call without an id is fire-and-forget
	b.Dispatch(context.Background(), Message{Kind: KindCall, Name: "echo"}, func(m Message) { replies <- m })
	select {
	case m := <-replies:
		t.Fatalf("unexpected reply %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConcurrentCallsDoNotBlockEachOther(t *testing.T) {
	reg := NewRegistry()
	release := make(chan struct{})
	reg.MustRegister("slow", func(context.Context, []json.RawMessage) (any, error) {
		<-release
		return "slow", nil
	})
	reg.MustRegister("fast", func(context.Context, []json.RawMessage) (any, error) {
		return "fast", nil
	})
	b := New(reg, Options{})

	replies := make(chan Message, 2)
	reply := func(m Message) { replies <- m }
	b.Dispatch(context.Background(), Message{Kind: KindCall, ID: "1", Name: "slow"}, reply)
	b.Dispatch(context.Background(), Message{Kind: KindCall, ID: "2", Name: "fast"}, reply)

	first := waitReply(t, replies)
	assert.Equal(t, "2", first.ID)
	assert.JSONEq(t, `"fast"`, string(first.Result))

	close(release)
	second := waitReply(t, replies)
	assert.Equal(t, "1", second.ID)
	assert.JSONEq(t, `"slow"`, string(second.Result))
}

func TestCallInFlightSurvivesCallerCancellation(t *testing.T) {
	reg := NewRegistry()
	finished := make(chan struct{})
	reg.MustRegister("work", func(ctx context.Context, _ []json.RawMessage) (any, error) {
		time.Sleep(20 * time.Millisecond)
		close(finished)
		return nil, ctx.Err()
	})
	b := New(reg, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	replies := make(chan Message, 1)
	b.Dispatch(ctx, Message{Kind: KindCall, ID: "x", Name: "work"}, func(m Message) { replies <- m })
	cancel()

	<-finished
	m := waitReply(t, replies)
	assert.Equal(t, KindResult, m.Kind, "handler context is not cancelled with the caller")
}

func TestCallRenderer(t *testing.T) {
	b := newTestBridge(t, Options{})

	_, err := b.CallRenderer(context.Background(), "greet")
	assert.True(t, errors.Is(err, ErrUnavailable))

	peer := newFakePeer("p1")
	b.Attach(peer)
	assert.Equal(t, []string{"p1"}, b.Peers())

	go func() {
		m := <-peer.sent
		if m.Kind != KindCall || m.Name != "greet" {
			return
		}
		var who string
		_ = json.Unmarshal(m.Args[0], &who)
		result, _ := json.Marshal("hello " + who)
		b.Dispatch(context.Background(), Message{Kind: KindResult, ID: m.ID, Result: result}, nil)
		// duplicate settlement is ignored
		b.Dispatch(context.Background(), Message{Kind: KindResult, ID: m.ID, Result: result}, nil)
	}()

	out, err := b.CallRenderer(context.Background(), "greet", "desk")
	require.NoError(t, err)
	assert.JSONEq(t, `"hello desk"`, string(out))
	assert.Equal(t, 0, b.Pending())
}

func TestCallRendererRejectedOnDisconnect(t *testing.T) {
	b := newTestBridge(t, Options{})
	peer := newFakePeer("p1")
	b.Attach(peer)

	go func() {
		<-peer.sent
		b.DropPeer("p1")
	}()

	_, err := b.CallRenderer(context.Background(), "greet")
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Empty(t, b.Peers())
	assert.Equal(t, 0, b.Pending())
}

func TestCallRendererContextCancel(t *testing.T) {
	b := newTestBridge(t, Options{})
	b.Attach(newFakePeer("p1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.CallRenderer(ctx, "greet")
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Equal(t, 0, b.Pending())
}

func TestInvokeRendererAndEvalBroadcast(t *testing.T) {
	b := newTestBridge(t, Options{})
	p1, p2 := newFakePeer("p1"), newFakePeer("p2")
	b.Attach(p1)
	b.Attach(p2)

	require.NoError(t, b.InvokeRenderer(context.Background(), "refresh", 1))
	for _, p := range []*fakePeer{p1, p2} {
		m := <-p.sent
		assert.Equal(t, KindCall, m.Kind)
		assert.Empty(t, m.ID)
		assert.Equal(t, "refresh", m.Name)
	}

	require.NoError(t, b.Eval(context.Background(), "location.reload()"))
	assert.Equal(t, "location.reload()", (<-p1.sent).Script)
	assert.Equal(t, "location.reload()", (<-p2.sent).Script)

	assert.Error(t, b.InvokeRenderer(context.Background(), "bad", make(chan int)))
}

func TestMessageValidate(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"kind":"call","id":"1","name":"ping","args":[1,"a"]}`))
	assert.NoError(t, err)

	bad := []string{
		`not json`,
		`{"kind":"call"}`,
		`{"kind":"result"}`,
		`{"kind":"error","id":"1"}`,
		`{"kind":"eval"}`,
		`{"kind":"other"}`,
	}
	for _, in := range bad {
		_, err := DecodeMessage([]byte(in))
		assert.Error(t, err, in)
	}
}

func TestEvalPeerAndBinding(t *testing.T) {
	b := newTestBridge(t, Options{})
	scripts := make(chan string, 1)
	peer := &EvalPeer{PeerID: "view", Eval: func(s string) error {
		scripts <- s
		return nil
	}}

	b.HandleBinding(context.Background(), peer, `{"kind":"call","id":"7","name":"echo","args":[{"a":1}]}`)
	select {
	case s := <-scripts:
		assert.True(t, strings.HasPrefix(s, "window.deskshell && window.deskshell.__receive("))
		assert.Contains(t, s, `"id":"7"`)
		assert.Contains(t, s, `"result":{"a":1}`)
	case <-time.After(5 * time.Second):
		t.Fatal("no reply script")
	}

	b.HandleBinding(context.Background(), peer, `{"kind":"call","id":"8"}`)
	s := <-scripts
	assert.Contains(t, s, `"code":"BAD_REQUEST"`)
}

func TestShimInstallsClient(t *testing.T) {
	vm := goja.New()
	var posted []string
	require.NoError(t, vm.Set(BindingName, func(data string) { posted = append(posted, data) }))

	_, err := vm.RunString(Shim())
	require.NoError(t, err)

	v, err := vm.RunString(`typeof deskshell.invoke + "," + typeof deskshell.expose + "," + typeof invoke`)
	require.NoError(t, err)
	assert.Equal(t, "function,function,function", v.String())

	_, err = vm.RunString(`deskshell.invoke("ping", 1).then(function (v) { globalThis.got = v; })`)
	require.NoError(t, err)
	require.Len(t, posted, 1)
	msg, err := DecodeMessage([]byte(posted[0]))
	require.NoError(t, err)
	assert.Equal(t, KindCall, msg.Kind)
	assert.Equal(t, "ping", msg.Name)

	script, err := ReceiveScript(resultMessage(msg.ID, json.RawMessage(`[1]`)))
	require.NoError(t, err)
	_, err = vm.RunString(strings.Replace(script, "window.", "globalThis.", -1))
	require.NoError(t, err)
	got, err := vm.RunString(`JSON.stringify(globalThis.got)`)
	require.NoError(t, err)
	assert.Equal(t, "[1]", got.String())
}

func TestWebSocketTransport(t *testing.T) {
	b := newTestBridge(t, Options{})
	srv := httptest.NewServer(b.WebSocketHandler(WebSocketOptions{}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Message{Kind: KindCall, ID: "w1", Name: "echo", Args: []json.RawMessage{json.RawMessage(`[1,2,3]`)}}))
	var reply Message
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "w1", reply.ID)
	assert.JSONEq(t, `[1,2,3]`, string(reply.Result))

	require.Eventually(t, func() bool { return len(b.Peers()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// native to renderer over the same socket
	go func() {
		var call Message
		if err := conn.ReadJSON(&call); err != nil {
			return
		}
		_ = conn.WriteJSON(Message{Kind: KindResult, ID: call.ID, Result: json.RawMessage(`"pong"`)})
	}()
	out, err := b.CallRenderer(context.Background(), "ping")
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(out))

	conn.Close()
	require.Eventually(t, func() bool { return len(b.Peers()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

package capability

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
	"go.uber.org/zap/zaptest"

	"github.com/deskshell/deskshell/internal/bridge"
	"github.com/deskshell/deskshell/internal/storage"
)

type fakeNotifier struct {
	title, message string
	err            error
}

func (f *fakeNotifier) Notify(title, message string) error {
	f.title, f.message = title, message
	return f.err
}

type fakeOpener struct {
	opened []string
}

func (f *fakeOpener) Open(target string) error {
	f.opened = append(f.opened, target)
	return nil
}

type harness struct {
	bridge   *bridge.Bridge
	notifier *fakeNotifier
	opener   *fakeOpener
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	keyring.MockInit()

	db, err := storage.NewBoltDB(t.TempDir(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{notifier: &fakeNotifier{}, opener: &fakeOpener{}}
	env := Env{
		AppName:  "deskshell-test",
		Version:  "1.2.3",
		Mode:     "development",
		Prefs:    db,
		Notifier: h.notifier,
		Opener:   h.opener,
		Logger:   zaptest.NewLogger(t).Sugar(),
	}
	reg := bridge.NewRegistry()
	require.NoError(t, Register(reg, Platform(env)...))
	reg.Seal()
	h.bridge = bridge.New(reg, bridge.Options{})
	return h
}

func (h *harness) call(t *testing.T, name string, args ...any) (json.RawMessage, error) {
	t.Helper()
	raw, err := bridge.MarshalArgs(args...)
	require.NoError(t, err)
	return h.bridge.InvokeNative(context.Background(), name, raw)
}

func TestPing(t *testing.T) {
	h := newHarness(t)

	out, err := h.call(t, "ping")
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(out))

	out, err = h.call(t, "ping", map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))

	out, err = h.call(t, "ping", 1, "two")
	require.NoError(t, err)
	assert.JSONEq(t, `[1,"two"]`, string(out))
}

func TestAppInfo(t *testing.T) {
	h := newHarness(t)
	out, err := h.call(t, "appInfo")
	require.NoError(t, err)

	var info Info
	require.NoError(t, json.Unmarshal(out, &info))
	assert.Equal(t, "deskshell-test", info.Name)
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Equal(t, "development", info.Mode)
}

func TestAskNativeCounts(t *testing.T) {
	h := newHarness(t)

	out, err := h.call(t, "askNative", map[string]string{"msg": "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"response":"Hello from native (0)"}`, string(out))

	out, err = h.call(t, "askNative", map[string]string{"msg": "again"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"response":"Hello from native (1)"}`, string(out))

	_, err = h.call(t, "askNative")
	var ce *bridge.CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, bridge.CodeBadRequest, ce.Code)
}

func TestNotify(t *testing.T) {
	h := newHarness(t)

	out, err := h.call(t, "notify", map[string]string{"title": "Build", "message": "done"})
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(out))
	assert.Equal(t, "Build", h.notifier.title)
	assert.Equal(t, "done", h.notifier.message)

	_, err = h.call(t, "notify", map[string]string{"title": "empty"})
	assert.Error(t, err)

	h.notifier.err = errors.New("no notification daemon")
	_, err = h.call(t, "notify", map[string]string{"message": "x"})
	assert.True(t, errors.Is(err, bridge.ErrHandler))
}

func TestKeychain(t *testing.T) {
	h := newHarness(t)

	out, err := h.call(t, "keychain.get", "token")
	require.NoError(t, err)
	assert.JSONEq(t, `null`, string(out))

	_, err = h.call(t, "keychain.set", "token", "s3cr3t")
	require.NoError(t, err)

	out, err = h.call(t, "keychain.get", "token")
	require.NoError(t, err)
	assert.JSONEq(t, `"s3cr3t"`, string(out))

	stored, err := keyring.Get("deskshell-test", "token")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", stored)

	out, err = h.call(t, "keychain.delete", "token")
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(out))
	out, err = h.call(t, "keychain.delete", "token")
	require.NoError(t, err)
	assert.JSONEq(t, `false`, string(out))

	_, err = h.call(t, "keychain.set", "only-name")
	assert.Error(t, err)
}

func TestPrefs(t *testing.T) {
	h := newHarness(t)

	out, err := h.call(t, "prefs.get", "theme")
	require.NoError(t, err)
	assert.JSONEq(t, `null`, string(out))

	_, err = h.call(t, "prefs.set", "theme", "dark")
	require.NoError(t, err)
	_, err = h.call(t, "prefs.set", "size", map[string]int{"w": 3})
	require.NoError(t, err)

	out, err = h.call(t, "prefs.get", "theme")
	require.NoError(t, err)
	assert.JSONEq(t, `"dark"`, string(out))

	out, err = h.call(t, "prefs.list")
	require.NoError(t, err)
	assert.JSONEq(t, `{"theme":"dark","size":{"w":3}}`, string(out))

	_, err = h.call(t, "prefs.delete", "theme")
	require.NoError(t, err)
	out, err = h.call(t, "prefs.list")
	require.NoError(t, err)
	assert.JSONEq(t, `{"size":{"w":3}}`, string(out))
}

func TestOpenExternal(t *testing.T) {
	h := newHarness(t)

	_, err := h.call(t, "openExternal", "https://example.com/docs")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/docs"}, h.opener.opened)

	for _, bad := range []string{"file:///etc/passwd", "javascript:alert(1)", "::"} {
		_, err := h.call(t, "openExternal", bad)
		var ce *bridge.CallError
		require.True(t, errors.As(err, &ce), bad)
		assert.Equal(t, bridge.CodeBadRequest, ce.Code, bad)
	}
	assert.Len(t, h.opener.opened, 1)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := bridge.NewRegistry()
	err := Register(reg, Ping(), Ping())
	assert.True(t, errors.Is(err, bridge.ErrDuplicateName))
}

func TestPlatformWithoutPrefs(t *testing.T) {
	names := map[string]bool{}
	for _, c := range Platform(Env{AppName: "x"}) {
		names[c.Name()] = true
	}
	assert.True(t, names["ping"])
	assert.True(t, names["keychain.get"])
	assert.False(t, names["prefs.get"])
}

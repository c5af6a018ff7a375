package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"runtime"

	"github.com/gen2brain/beeep"
	"github.com/zalando/go-keyring"
	"go.uber.org/zap"

	"github.com/deskshell/deskshell/internal/bridge"
)

const (
	osWindows = "windows"
	osDarwin  = "darwin"
	osLinux   = "linux"
)

// Notifier shows a desktop notification
type Notifier interface {
	Notify(title, message string) error
}

// DesktopNotifier uses the platform notification service
type DesktopNotifier struct{}

// Notify implements Notifier
func (DesktopNotifier) Notify(title, message string) error {
	return beeep.Notify(title, message, "")
}

type notifyRequest struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Notify shows {title, message} as a desktop notification
func Notify(n Notifier) NativeCapability {
	return New("notify", func(_ context.Context, args []json.RawMessage) (any, error) {
		var req notifyRequest
		if err := decodeArg("notify", args, 0, &req); err != nil {
			return nil, err
		}
		if req.Message == "" {
			return nil, bridge.BadRequest("notify: message is required")
		}
		if err := n.Notify(req.Title, req.Message); err != nil {
			return nil, fmt.Errorf("show notification: %w", err)
		}
		return true, nil
	})
}

// Keyring stores secrets in the OS credential store
type Keyring interface {
	Get(service, user string) (string, error)
	Set(service, user, secret string) error
	Delete(service, user string) error
}

// SystemKeyring is backed by Keychain, Secret Service or WinCred
type SystemKeyring struct{}

// Get implements Keyring
func (SystemKeyring) Get(service, user string) (string, error) { return keyring.Get(service, user) }

// Set implements Keyring
func (SystemKeyring) Set(service, user, secret string) error { return keyring.Set(service, user, secret) }

// Delete implements Keyring
func (SystemKeyring) Delete(service, user string) error { return keyring.Delete(service, user) }

// Keychain returns keychain.get, keychain.set and keychain.delete scoped to service
func Keychain(service string, kr Keyring) []NativeCapability {
	if service == "" {
		service = "deskshell"
	}
	return []NativeCapability{
		New("keychain.get", func(_ context.Context, args []json.RawMessage) (any, error) {
			var name string
			if err := decodeArg("keychain.get", args, 0, &name); err != nil {
				return nil, err
			}
			secret, err := kr.Get(service, name)
			if errors.Is(err, keyring.ErrNotFound) {
				return nil, nil
			}
			if err != nil {
				return nil, fmt.Errorf("read %s from keyring: %w", name, err)
			}
			return secret, nil
		}),
		New("keychain.set", func(_ context.Context, args []json.RawMessage) (any, error) {
			var name, secret string
			if err := decodeArg("keychain.set", args, 0, &name); err != nil {
				return nil, err
			}
			if err := decodeArg("keychain.set", args, 1, &secret); err != nil {
				return nil, err
			}
			if err := kr.Set(service, name, secret); err != nil {
				return nil, fmt.Errorf("store %s in keyring: %w", name, err)
			}
			return true, nil
		}),
		New("keychain.delete", func(_ context.Context, args []json.RawMessage) (any, error) {
			var name string
			if err := decodeArg("keychain.delete", args, 0, &name); err != nil {
				return nil, err
			}
			err := kr.Delete(service, name)
			if errors.Is(err, keyring.ErrNotFound) {
				return false, nil
			}
			if err != nil {
				return nil, fmt.Errorf("delete %s from keyring: %w", name, err)
			}
			return true, nil
		}),
	}
}

// Opener hands a URL to the desktop
type Opener interface {
	Open(target string) error
}

// SystemOpener launches the platform URL handler
type SystemOpener struct {
	Logger *zap.SugaredLogger
}

// Open implements Opener
func (o SystemOpener) Open(target string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case osWindows:
		cmd = "rundll32"
		args = []string{"url.dll,FileProtocolHandler", target}
	case osDarwin:
		cmd = "open"
		args = []string{target}
	case osLinux:
		if !hasGUIEnvironment() && o.Logger != nil {
			o.Logger.Warnw("No GUI session detected, attempting to open anyway", "url", target)
		}
		if _, err := exec.LookPath("xdg-open"); err != nil {
			return fmt.Errorf("xdg-open not found in PATH: %w", err)
		}
		cmd = "xdg-open"
		args = []string{target}
	default:
		return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}

	return exec.Command(cmd, args...).Start()
}

func hasGUIEnvironment() bool {
	for _, envVar := range []string{"DISPLAY", "WAYLAND_DISPLAY", "XDG_SESSION_TYPE"} {
		if os.Getenv(envVar) != "" {
			return true
		}
	}
	return false
}

var allowedSchemes = map[string]bool{"http": true, "https": true, "mailto": true}

// OpenExternal opens an http, https or mailto URL outside the renderer
func OpenExternal(o Opener) NativeCapability {
	return New("openExternal", func(_ context.Context, args []json.RawMessage) (any, error) {
		var target string
		if err := decodeArg("openExternal", args, 0, &target); err != nil {
			return nil, err
		}
		u, err := url.Parse(target)
		if err != nil || !allowedSchemes[u.Scheme] {
			return nil, bridge.BadRequest("openExternal: refusing to open %q", target)
		}
		if err := o.Open(u.String()); err != nil {
			return nil, fmt.Errorf("open %s: %w", u.Redacted(), err)
		}
		return true, nil
	})
}

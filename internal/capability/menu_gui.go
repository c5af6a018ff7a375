//go:build !nogui && !headless && (darwin || windows)

package capability

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"fyne.io/systray"
)

const trayStartTimeout = 5 * time.Second

func platformCapabilities(env Env) []NativeCapability {
	m := &trayMenu{env: env, ready: make(chan struct{})}
	return []NativeCapability{NewAsync("setupMenu", m.setup)}
}

// MenuItemSpec is an extra entry the renderer adds under File
type MenuItemSpec struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Tooltip string `json:"tooltip,omitempty"`
}

type menuRequest struct {
	Title string         `json:"title,omitempty"`
	Items []MenuItemSpec `json:"items,omitempty"`
}

type trayMenu struct {
	env   Env
	start sync.Once
	ready chan struct{}

	mu    sync.Mutex
	built bool
}

func (m *trayMenu) setup(ctx context.Context, args []json.RawMessage) (any, error) {
	var req menuRequest
	if len(args) > 0 {
		if err := decodeArg("setupMenu", args, 0, &req); err != nil {
			return nil, err
		}
	}

	m.start.Do(func() {
		start, _ := systray.RunWithExternalLoop(func() { close(m.ready) }, nil)
		start()
	})
	select {
	case <-m.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(trayStartTimeout):
		return nil, errors.New("system tray did not start")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.built {
		return map[string]any{"installed": false, "reason": "menu already installed"}, nil
	}

	title := req.Title
	if title == "" {
		title = m.env.AppName
	}
	systray.SetTitle(title)
	systray.SetTooltip(title)

	file := systray.AddMenuItem("File", "")
	m.watch(file.AddSubMenuItem("Do nothing", ""), "doNothing")
	for _, item := range req.Items {
		if item.ID == "" || item.Title == "" {
			continue
		}
		m.watch(file.AddSubMenuItem(item.Title, item.Tooltip), item.ID)
	}

	systray.AddSeparator()
	m.watch(systray.AddMenuItem("About "+m.env.AppName, ""), "about")
	quit := systray.AddMenuItem("Quit", "Quit "+m.env.AppName)
	go func() {
		for range quit.ClickedCh {
			m.env.logger().Info("Quit chosen from menu")
			if m.env.Quit != nil {
				m.env.Quit()
			}
		}
	}()

	m.built = true
	m.env.logger().Infow("Native menu installed", "extra_items", len(req.Items))
	return map[string]any{"installed": true}, nil
}

func (m *trayMenu) watch(item *systray.MenuItem, id string) {
	go func() {
		for range item.ClickedCh {
			m.env.logger().Debugw("Menu item chosen", "id", id)
			if m.env.OnMenu != nil {
				m.env.OnMenu(id)
			}
		}
	}()
}

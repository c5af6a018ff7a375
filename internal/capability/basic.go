package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Ping echoes its arguments: a single argument comes back as itself, several as an array
func Ping() NativeCapability {
	return New("ping", func(_ context.Context, args []json.RawMessage) (any, error) {
		switch len(args) {
		case 0:
			return "pong", nil
		case 1:
			return args[0], nil
		default:
			return args, nil
		}
	})
}

// Info describes the running application
type Info struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Mode      string `json:"mode"`
	GoVersion string `json:"go_version"`
}

// AppInfo reports name, version, platform and mode
func AppInfo(env Env) NativeCapability {
	info := Info{
		Name:      env.AppName,
		Version:   env.Version,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Mode:      env.Mode,
		GoVersion: runtime.Version(),
	}
	return New("appInfo", func(context.Context, []json.RawMessage) (any, error) {
		return info, nil
	})
}

type askRequest struct {
	Msg string `json:"msg"`
}

type askResponse struct {
	Response string `json:"response"`
}

// AskNative is the demo round trip: {msg} in, a numbered greeting out after delay
func AskNative(delay time.Duration, logger *zap.SugaredLogger) NativeCapability {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	var counter atomic.Int64
	return NewAsync("askNative", func(ctx context.Context, args []json.RawMessage) (any, error) {
		var req askRequest
		if err := decodeArg("askNative", args, 0, &req); err != nil {
			return nil, err
		}
		logger.Infow("Renderer said", "msg", req.Msg)

		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		n := counter.Add(1) - 1
		return askResponse{Response: fmt.Sprintf("Hello from native (%d)", n)}, nil
	})
}

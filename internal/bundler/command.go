package bundler

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const stderrTail = 4 << 10

// CommandOptions configures an external bundler process
type CommandOptions struct {
	// Command is the watcher to launch, e.g. "npm". Empty means only watch OutDir.
	Command string
	Args    []string
	WorkDir string
	// OutDir is the directory the tool writes into; its contents become the served root
	OutDir   string
	Debounce time.Duration
	Logger   *zap.SugaredLogger
}

// Command runs an external watch-mode bundler and reports its output
// directory whenever writes settle.
type Command struct {
	opts   CommandOptions
	logger *zap.SugaredLogger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	out     *emitter
	wg      sync.WaitGroup
	stderr  *tailBuffer
}

// NewCommand creates a command bundler. Nothing runs until Start.
func NewCommand(opts CommandOptions) *Command {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	return &Command{opts: opts, logger: logger.Named("bundler"), stderr: &tailBuffer{max: stderrTail}}
}

// Start launches the process and the output watcher. The current contents of
// OutDir, if any, are reported first.
func (c *Command) Start(ctx context.Context) (<-chan Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil, fmt.Errorf("command bundler already started")
	}
	if c.opts.OutDir == "" {
		return nil, fmt.Errorf("command bundler needs an output directory")
	}

	outDir := c.opts.OutDir
	if !filepath.IsAbs(outDir) && c.opts.WorkDir != "" {
		outDir = filepath.Join(c.opts.WorkDir, outDir)
	}
	outDir, err := filepath.Abs(outDir)
	if err != nil {
		return nil, fmt.Errorf("resolve output directory: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := addTree(watcher, outDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", outDir, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	out := newEmitter(4)

	var proc *exec.Cmd
	if c.opts.Command != "" {
		proc = exec.CommandContext(runCtx, c.opts.Command, c.opts.Args...)
		proc.Dir = c.opts.WorkDir
		proc.Stdout = &logWriter{logger: c.logger}
		proc.Stderr = c.stderr
		if err := proc.Start(); err != nil {
			cancel()
			watcher.Close()
			return nil, fmt.Errorf("start %s: %w", c.opts.Command, err)
		}
		c.logger.Infow("Started bundler process", "command", c.opts.Command, "args", c.opts.Args, "pid", proc.Process.Pid)
	}

	c.started = true
	c.cancel = cancel
	c.out = out

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer watcher.Close()
		if hasFiles(outDir) {
			out.send(c.snapshot(outDir))
		}
		c.watch(runCtx, watcher, outDir, out)
	}()

	if proc != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			err := proc.Wait()
			if runCtx.Err() != nil {
				return
			}
			msg := fmt.Sprintf("bundler command %q exited", c.opts.Command)
			if err != nil {
				msg = fmt.Sprintf("%s: %v", msg, err)
			}
			if tail := strings.TrimSpace(c.stderr.String()); tail != "" {
				msg += "\n" + tail
			}
			c.logger.Errorw("Bundler process exited", "error", err)
			out.send(Failed(msg))
		}()
	}

	go func() {
		<-runCtx.Done()
		_ = c.Close()
	}()
	return out.ch, nil
}

// Close stops the process and watcher, then closes the event channel
func (c *Command) Close() error {
	c.mu.Lock()
	cancel, out := c.cancel, c.out
	c.mu.Unlock()
	if out == nil {
		return nil
	}
	out.shutdown(func() {
		cancel()
		c.wg.Wait()
	})
	return nil
}

func (c *Command) watch(ctx context.Context, w *fsnotify.Watcher, outDir string, out *emitter) {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := addTree(w, ev.Name); err != nil {
						c.logger.Warnw("Failed to watch new directory", "path", ev.Name, "error", err)
					}
				}
			}
			if timer == nil {
				timer = time.NewTimer(c.opts.Debounce)
			} else {
				timer.Reset(c.opts.Debounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			c.logger.Warnw("Watcher error", "error", err)
		case <-fire:
			fire = nil
			if !out.send(c.snapshot(outDir)) {
				return
			}
		}
	}
}

func (c *Command) snapshot(outDir string) Event {
	artifacts := make(map[string][]byte)
	if err := readTree(os.DirFS(outDir), artifacts); err != nil {
		return Failed(fmt.Sprintf("read build output: %v", err))
	}
	return Succeeded(artifacts)
}

func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
}

func hasFiles(dir string) bool {
	found := false
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || found {
			return fs.SkipAll
		}
		if d.Type().IsRegular() {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// logWriter forwards process stdout to the logger line by line
type logWriter struct {
	logger *zap.SugaredLogger
}

func (l *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			l.logger.Debugw("bundler output", "line", line)
		}
	}
	return len(p), nil
}

package bundler

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
	"go.uber.org/zap"
)

// EsbuildOptions configures the in-process bundler
type EsbuildOptions struct {
	EntryPoints []string
	// OutDir is where outputs appear under the served root, e.g. "build"
	OutDir string
	// PublicDir holds static files (index.html, images) served alongside the bundle
	PublicDir string
	WorkDir   string
	Sourcemap bool
	Logger    *zap.SugaredLogger
}

// Esbuild compiles entry points with esbuild's incremental watch mode and
// keeps every output in memory.
type Esbuild struct {
	opts   EsbuildOptions
	logger *zap.SugaredLogger

	mu   sync.Mutex
	bctx api.BuildContext
	out  *emitter
}

// NewEsbuild creates an esbuild bundler. Nothing runs until Start.
func NewEsbuild(opts EsbuildOptions) *Esbuild {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.OutDir == "" {
		opts.OutDir = "build"
	}
	return &Esbuild{opts: opts, logger: logger.Named("esbuild")}
}

// Start builds once and keeps rebuilding on source changes
func (b *Esbuild) Start(ctx context.Context) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bctx != nil {
		return nil, fmt.Errorf("esbuild bundler already started")
	}
	if len(b.opts.EntryPoints) == 0 {
		return nil, fmt.Errorf("esbuild bundler needs at least one entry point")
	}

	workDir := b.opts.WorkDir
	if workDir == "" {
		workDir = "."
	}
	workDir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	outAbs := filepath.Join(workDir, filepath.FromSlash(b.opts.OutDir))

	out := newEmitter(4)
	sourcemap := api.SourceMapNone
	if b.opts.Sourcemap {
		sourcemap = api.SourceMapLinked
	}

	bctx, ctxErr := api.Context(api.BuildOptions{
		EntryPoints:   b.opts.EntryPoints,
		Bundle:        true,
		Outdir:        outAbs,
		AbsWorkingDir: workDir,
		Write:         false,
		Sourcemap:     sourcemap,
		LogLevel:      api.LogLevelSilent,
		Plugins: []api.Plugin{{
			Name: "deskshell-events",
			Setup: func(pb api.PluginBuild) {
				pb.OnEnd(func(result *api.BuildResult) (api.OnEndResult, error) {
					ev := b.eventFor(result, outAbs)
					if ev.Kind == EventFailed {
						b.logger.Warnw("Build failed", "error", ev.Message)
					} else {
						b.logger.Debugw("Build finished", "artifacts", len(ev.Artifacts))
					}
					out.send(ev)
					return api.OnEndResult{}, nil
				})
			},
		}},
	})
	if ctxErr != nil {
		return nil, fmt.Errorf("create esbuild context: %s", formatMessages(ctxErr.Errors))
	}
	if err := bctx.Watch(api.WatchOptions{}); err != nil {
		bctx.Dispose()
		return nil, fmt.Errorf("start esbuild watch: %w", err)
	}

	b.bctx = bctx
	b.out = out
	b.logger.Infow("Watching sources", "entry_points", b.opts.EntryPoints, "out_dir", b.opts.OutDir)

	go func() {
		<-ctx.Done()
		_ = b.Close()
	}()
	return out.ch, nil
}

// Close stops watching and closes the event channel
func (b *Esbuild) Close() error {
	b.mu.Lock()
	bctx, out := b.bctx, b.out
	b.mu.Unlock()
	if out == nil {
		return nil
	}
	out.shutdown(func() {
		if bctx != nil {
			bctx.Dispose()
		}
	})
	return nil
}

func (b *Esbuild) eventFor(result *api.BuildResult, outAbs string) Event {
	if len(result.Errors) > 0 {
		return Failed(formatMessages(result.Errors))
	}

	artifacts := make(map[string][]byte, len(result.OutputFiles))
	if b.opts.PublicDir != "" {
		if err := readTree(os.DirFS(b.opts.PublicDir), artifacts); err != nil {
			return Failed(fmt.Sprintf("read public directory: %v", err))
		}
	}
	for _, f := range result.OutputFiles {
		rel, err := filepath.Rel(outAbs, f.Path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return Failed(fmt.Sprintf("output %s escapes %s", f.Path, outAbs))
		}
		artifacts[path.Join(b.opts.OutDir, filepath.ToSlash(rel))] = f.Contents
	}
	return Succeeded(artifacts)
}

// formatMessages renders esbuild diagnostics as "file:line:col: text" lines
func formatMessages(msgs []api.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location != nil {
			lines = append(lines, fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text))
			continue
		}
		lines = append(lines, m.Text)
	}
	return strings.Join(lines, "\n")
}

// readTree copies every regular file in fsys into dst keyed by slash path
func readTree(fsys fs.FS, dst map[string][]byte) error {
	return fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		dst[p] = data
		return nil
	})
}

// Package assets serves the browser client: static files plus a JavaScript
// bundle built from a source directory and rebuilt when it changes.
package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/js"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
)

const (
	ScriptName    = "script.js"
	MinScriptName = "script.min.js"

	jsMediaType = "application/javascript"

	// rebuildDelay coalesces the burst of events an editor save produces.
	rebuildDelay = 100 * time.Millisecond
)

var ErrNoSources = errors.New("assets: no .js sources")

// Bundle is the last successful build.
type Bundle struct {
	Debug   []byte
	Min     []byte
	BuiltAt time.Time
}

// Bundler concatenates every *.js file in a directory, in filename order,
// into a debug script and a minified script.
//
// The debug script starts with `var DEBUG = true;` and the minified one with
// `var DEBUG = false;` so client code can gate diagnostics on it.
type Bundler struct {
	dir     string
	log     *slog.Logger
	metrics *metrics.Metrics
	min     *minify.M

	mu      sync.RWMutex
	current *Bundle
}

func NewBundler(dir string, log *slog.Logger, m *metrics.Metrics) *Bundler {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	mini := minify.New()
	mini.AddFunc(jsMediaType, js.Minify)
	return &Bundler{dir: dir, log: log, metrics: m, min: mini}
}

// Current returns the last successful build, or nil before the first one.
func (b *Bundler) Current() *Bundle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// Build rebuilds both scripts. On failure the previous build stays current.
func (b *Bundler) Build() error {
	src, err := b.concat()
	if err != nil {
		b.metrics.Inc(metrics.AssetsBuildFailed)
		return err
	}

	debug := append([]byte("var DEBUG = true;\n"), src...)
	min, err := b.min.Bytes(jsMediaType, append([]byte("var DEBUG = false;\n"), src...))
	if err != nil {
		b.metrics.Inc(metrics.AssetsBuildFailed)
		return fmt.Errorf("assets: minify: %w", err)
	}

	b.mu.Lock()
	b.current = &Bundle{Debug: debug, Min: min, BuiltAt: time.Now()}
	b.mu.Unlock()
	b.metrics.Inc(metrics.AssetsRebuilt)
	return nil
}

func (b *Bundler) concat() ([]byte, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("assets: read %s: %w", b.dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && isSource(e.Name()) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoSources, b.dir)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(b.dir, name))
		if err != nil {
			return nil, fmt.Errorf("assets: read %s: %w", name, err)
		}
		fmt.Fprintf(&buf, "// %s\n", name)
		buf.Write(data)
		if !bytes.HasSuffix(data, []byte("\n")) {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes(), nil
}

// Watch rebuilds whenever a source file is created, written, removed or
// renamed, until ctx is done. It does not perform an initial build.
func (b *Bundler) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(b.dir); err != nil {
		return fmt.Errorf("watch %s: %w", b.dir, err)
	}

	timer := time.NewTimer(rebuildDelay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isSource(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			b.log.Debug("script source changed", "file", event.Name, "op", event.Op.String())
			timer.Reset(rebuildDelay)
		case <-timer.C:
			if err := b.Build(); err != nil {
				b.log.Warn("script rebuild failed; serving previous build", "err", err)
				continue
			}
			b.log.Info("script rebuilt", "dir", b.dir)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.log.Warn("script watcher error", "err", err)
		}
	}
}

func isSource(name string) bool {
	return strings.HasSuffix(name, ".js") && !strings.HasPrefix(name, ".")
}

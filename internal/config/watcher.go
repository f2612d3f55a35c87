package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ReloadFunc receives the new, validated config on every successful reload.
// It runs synchronously on the watcher goroutine — keep it fast.
type ReloadFunc func(newCfg *Config)

// Watcher watches the config file for changes and calls back with the new
// config. Detection combines fsnotify (low-latency on real filesystems) with
// periodic content-hash polling, because Kubernetes ConfigMap volumes update
// by swapping a "..data" symlink at the VFS layer and the mount driver often
// emits no inotify event for that.
type Watcher struct {
	path         string
	dir          string // parent directory, watched for symlink swaps
	reload       ReloadFunc
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewWatcher creates a config file watcher. Watching does not begin until
// Start is called.
func NewWatcher(path string, reload ReloadFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		dir:          filepath.Dir(path),
		reload:       reload,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// fingerprint captures the change-detection state for a set of files in one
// directory: the "..data" symlink target (fast signal, flips atomically on
// a Kubernetes volume update) and the content hashes (catches everything
// else, including in-place edits).
type fingerprint struct {
	dataLink string
	files    []string
	target   string
	hashes   []string
}

func newFingerprint(dir string, files ...string) *fingerprint {
	fp := &fingerprint{
		dataLink: filepath.Join(dir, "..data"),
		files:    files,
	}
	fp.snapshot()
	return fp
}

// changed reports whether any watched file differs from the last snapshot.
func (fp *fingerprint) changed() bool {
	if target := readlink(fp.dataLink); target != "" && target != fp.target {
		return true
	}
	for i, f := range fp.files {
		if hashFile(f) != fp.hashes[i] {
			return true
		}
	}
	return false
}

// snapshot re-captures the current symlink target and content hashes.
func (fp *fingerprint) snapshot() {
	fp.target = readlink(fp.dataLink)
	fp.hashes = fp.hashes[:0]
	for _, f := range fp.files {
		fp.hashes = append(fp.hashes, hashFile(f))
	}
}

// Start begins watching the config file. Blocks until the context is
// canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	notifier, err := newNotifier(w.dir, w.path)
	if err != nil {
		return err
	}
	defer notifier.Close()

	w.logger.Info("config watcher started", "path", w.path, "dir", w.dir)

	fp := newFingerprint(w.dir, w.path)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	pollTicker := time.NewTicker(w.pollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case relevant, ok := <-notifier.events:
			if !ok {
				return nil
			}
			if !relevant {
				continue
			}
			// Coalesce bursts of events from atomic save-and-rename editors.
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounce)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			w.publish()
			fp.snapshot()

		case <-pollTicker.C:
			if fp.changed() {
				fp.snapshot()
				w.logger.Debug("config file change detected via polling", "path", w.path)
				w.publish()
			}

		case watchErr, ok := <-notifier.errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", watchErr)
		}
	}
}

// publish loads, validates, and hands off the new config. On failure the
// running config is kept and the error is logged.
func (w *Watcher) publish() {
	newCfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping old config", "error", err)
		return
	}

	w.logger.Info("config reloaded", "path", w.path)
	w.reload(newCfg)
}

// Stop terminates the watcher goroutine.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

// ---------------------------------------------------------------------------
// CertWatcher — poll-only watcher for TLS certificate files.
// ---------------------------------------------------------------------------

// CertReloadFunc is called when the TLS certificate files change on disk.
type CertReloadFunc func(certFile, keyFile string)

// CertWatcher monitors TLS certificate files and triggers a callback to
// reload them. It is poll-only: cert files typically live in a Kubernetes
// Secret volume where inotify is unreliable, and a 2s reaction time is
// plenty for certificate rotation.
type CertWatcher struct {
	certFile     string
	keyFile      string
	reload       CertReloadFunc
	logger       *slog.Logger
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewCertWatcher creates a TLS certificate file watcher. Monitoring does not
// start until Start is called.
func NewCertWatcher(certFile, keyFile string, reload CertReloadFunc, logger *slog.Logger) *CertWatcher {
	return &CertWatcher{
		certFile:     certFile,
		keyFile:      keyFile,
		reload:       reload,
		logger:       logger,
		pollInterval: 2 * time.Second,
	}
}

// Start begins polling the certificate files. Blocks until the context is
// canceled or Stop is called.
func (cw *CertWatcher) Start(ctx context.Context) error {
	ctx, cw.cancel = context.WithCancel(ctx)

	cw.logger.Info("TLS cert watcher started", "cert", cw.certFile, "key", cw.keyFile)

	fp := newFingerprint(filepath.Dir(cw.certFile), cw.certFile, cw.keyFile)

	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("TLS cert watcher stopped")
			return nil
		case <-ticker.C:
			if fp.changed() {
				fp.snapshot()
				cw.logger.Info("TLS certificate change detected", "cert", cw.certFile)
				cw.reload(cw.certFile, cw.keyFile)
			}
		}
	}
}

// Stop terminates the cert watcher goroutine.
func (cw *CertWatcher) Stop() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.stopped {
		return
	}
	cw.stopped = true
	if cw.cancel != nil {
		cw.cancel()
	}
}

// hashFile returns the SHA-256 digest of the file at path, or "" if the
// file cannot be read. Opening the file follows symlinks, so a Kubernetes
// symlink swap changes the result.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

// readlink returns the target of a symlink, or "" if the path is not a
// symlink or cannot be read.
func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}

package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"golang.org/x/sync/semaphore"

	"github.com/hanuri/parkpass/pkg/logging"
)

// ErrNotInitialized is returned by NewSession when the runtime has not
// been initialized, or when its last initialization attempt failed.
var ErrNotInitialized = errors.New("browser runtime not initialized")

// Runtime owns one Playwright driver and one long-lived Chromium
// process. Sessions are isolated browser contexts checked out through a
// counting permit; the permit count is the system-wide concurrency
// bound regardless of how many workers exist.
type Runtime struct {
	mu          sync.Mutex
	pw          *playwright.Playwright
	browser     playwright.Browser
	sem         *semaphore.Weighted
	initialized bool

	opts Options
	log  *logging.Logger
}

// Options configures the runtime.
type Options struct {
	// Headless controls whether Chromium runs without a visible window.
	Headless bool

	// MaxSessions bounds how many contexts may be open at once.
	MaxSessions int64

	// DefaultTimeout applies to every page operation in a session (ms).
	DefaultTimeout float64
}

// NewRuntime creates a runtime. Initialize must be called before
// sessions can be opened.
func NewRuntime(opts Options) *Runtime {
	if opts.MaxSessions < 1 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	log, _ := logging.NewLogger("browser")
	return &Runtime{
		sem:  semaphore.NewWeighted(opts.MaxSessions),
		opts: opts,
		log:  log,
	}
}

// Initialize installs and starts the Playwright driver and launches the
// shared Chromium process. Idempotent: concurrent callers block on one
// attempt, and a failed attempt leaves the runtime clean so the next
// caller retries instead of reusing poisoned state.
func (r *Runtime) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initLocked(ctx)
}

func (r *Runtime) initLocked(ctx context.Context) error {
	if r.initialized {
		return nil
	}

	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if err := playwright.Install(runOpts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	// Sandboxing is disabled so the browser can run as root in server
	// environments.
	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(r.opts.Headless),
		Args:     []string{"--no-sandbox", "--disable-setuid-sandbox"},
	}
	b, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		_ = pw.Stop()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	r.pw = pw
	r.browser = b
	r.initialized = true
	r.log.Infof("browser runtime initialized (headless=%v, max_sessions=%d)", r.opts.Headless, r.opts.MaxSessions)
	return nil
}

// NewSession blocks until a session permit is available, then opens an
// isolated browser context seeded from the storage-state file at
// statePath. An absent or empty statePath yields a fresh context.
func (r *Runtime) NewSession(ctx context.Context, statePath string) (*Session, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire session permit: %w", err)
	}

	session, err := r.openSession(statePath)
	if err != nil {
		r.sem.Release(1)
		return nil, err
	}
	return session, nil
}

func (r *Runtime) openSession(statePath string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return nil, ErrNotInitialized
	}

	contextOpts := playwright.BrowserNewContextOptions{}
	if statePath != "" {
		if _, err := os.Stat(statePath); err == nil {
			contextOpts.StorageStatePath = playwright.String(statePath)
		}
	}

	context, err := r.browser.NewContext(contextOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := context.NewPage()
	if err != nil {
		_ = context.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	page.SetDefaultTimeout(r.opts.DefaultTimeout)

	return &Session{
		Context:   context,
		Page:      page,
		CreatedAt: time.Now(),
	}, nil
}

// Dispose closes the session and releases its permit. The permit is
// released even when closing fails.
func (r *Runtime) Dispose(session *Session) {
	if session == nil {
		return
	}
	defer r.sem.Release(1)

	_ = session.Page.Close()
	_ = session.Context.Close()
}

// Restart tears the browser and driver down and launches them again.
// Used after the browser process reports itself closed mid-operation.
func (r *Runtime) Restart(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.log.Warnf("restarting browser runtime")
	r.teardownLocked()
	return r.initLocked(ctx)
}

// Shutdown closes the browser and stops the driver. Used only at
// process teardown.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardownLocked()
}

func (r *Runtime) teardownLocked() {
	if r.browser != nil {
		_ = r.browser.Close()
		r.browser = nil
	}
	if r.pw != nil {
		_ = r.pw.Stop()
		r.pw = nil
	}
	r.initialized = false
}

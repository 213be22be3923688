package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/hanuri/parkpass/pkg/browser"
	"github.com/hanuri/parkpass/pkg/logging"
)

// loginSession is the slice of session behavior the state lifecycle
// needs. *browser.Session satisfies it.
type loginSession interface {
	Navigate(url string, opts browser.NavigateOptions) error
	IsVisible(selector string) bool
	Fill(selector, value string) error
	ClickWithRetry(selector, fallbackText string) error
	WaitSettled() error
	StorageState() (*playwright.StorageState, error)
}

// sessionOpener checks throwaway sessions out for validation and
// login. The returned release func must always be called.
type sessionOpener interface {
	OpenSession(ctx context.Context, statePath string) (loginSession, func(), error)
}

type runtimeOpener struct {
	runtime *browser.Runtime
}

func (o runtimeOpener) OpenSession(ctx context.Context, statePath string) (loginSession, func(), error) {
	sess, err := o.runtime.NewSession(ctx, statePath)
	if err != nil {
		return nil, nil, err
	}
	return sess, func() { o.runtime.Dispose(sess) }, nil
}

// SessionStore persists and validates the serialized login state used
// to seed new browser sessions. The state file is a cache, not a source
// of truth: it is re-validated before being trusted and rewritten
// whenever validation fails.
type SessionStore struct {
	opener sessionOpener
	creds  Credentials
	path   string

	// mu serializes validate-or-create and the state file write so a
	// recreation never races a concurrent validation.
	mu  sync.Mutex
	log *logging.Logger
}

// NewSessionStore creates a store writing serialized state to path.
func NewSessionStore(runtime *browser.Runtime, creds Credentials, path string) *SessionStore {
	return newSessionStore(runtimeOpener{runtime: runtime}, creds, path)
}

func newSessionStore(opener sessionOpener, creds Credentials, path string) *SessionStore {
	log, _ := logging.NewLogger("session-store")
	return &SessionStore{
		opener: opener,
		creds:  creds,
		path:   path,
		log:    log,
	}
}

// Path returns the state file location sessions are seeded from.
func (s *SessionStore) Path() string {
	return s.path
}

// ValidateOrCreate checks the persisted state with a throwaway session
// and recreates it via a scripted login when it is absent, expired, or
// fails validation for any reason.
func (s *SessionStore) ValidateOrCreate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.validate(ctx) {
		s.log.Infof("persisted login state is valid")
		return nil
	}
	return s.createNew(ctx)
}

// CreateNew performs the scripted login and rewrites the state file.
func (s *SessionStore) CreateNew(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createNew(ctx)
}

// validate opens a throwaway session on the persisted state and checks
// whether the portal still considers it authenticated. Errors count as
// invalid rather than propagating.
func (s *SessionStore) validate(ctx context.Context) bool {
	if _, err := os.Stat(s.path); err != nil {
		return false
	}

	sess, release, err := s.opener.OpenSession(ctx, s.path)
	if err != nil {
		s.log.Warnf("validation session failed to open: %v", err)
		return false
	}
	defer release()

	if err := sess.Navigate(s.creds.LoginURL, browser.NavigateOptions{WaitUntil: "networkidle"}); err != nil {
		s.log.Warnf("validation navigation failed: %v", err)
		return false
	}

	// Still being served the login form means the session expired.
	return !sess.IsVisible(selLoginForm)
}

func (s *SessionStore) createNew(ctx context.Context) error {
	s.log.Infof("recreating login state")

	sess, release, err := s.opener.OpenSession(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to open login session: %w", err)
	}
	defer release()

	if err := performLogin(sess, s.creds); err != nil {
		return err
	}

	state, err := sess.StorageState()
	if err != nil {
		return err
	}
	if err := s.writeState(state); err != nil {
		return err
	}

	s.log.Infof("login state written to %s", s.path)
	return nil
}

// writeState rewrites the state file atomically: temp file in the same
// directory, then rename over the old content.
func (s *SessionStore) writeState(state *playwright.StorageState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize login state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close state file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// performLogin runs the scripted login on an open session: fill the
// credential fields, submit, and wait for navigation to settle.
func performLogin(sess loginSession, creds Credentials) error {
	if err := sess.Navigate(creds.LoginURL, browser.NavigateOptions{WaitUntil: "networkidle"}); err != nil {
		return err
	}

	if !sess.IsVisible(selLoginForm) {
		// Already authenticated.
		return nil
	}

	if err := sess.Fill(selLoginUser, creds.Username); err != nil {
		return err
	}
	if err := sess.Fill(selLoginPass, creds.Password); err != nil {
		return err
	}
	if err := sess.ClickWithRetry(selLoginSubmit, "Login"); err != nil {
		return err
	}

	if err := sess.WaitSettled(); err != nil {
		return fmt.Errorf("login navigation did not settle: %w", err)
	}

	if sess.IsVisible(selLoginForm) {
		return fmt.Errorf("login rejected for user %s", creds.Username)
	}
	return nil
}

package portal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanuri/parkpass/pkg/browser"
)

// fakeLoginSession scripts the portal's login page: the form stays
// visible until a successful submit.
type fakeLoginSession struct {
	onLoginPage   bool
	loginSucceeds bool

	navigated []string
	fills     map[string]string
	clicks    []string
	navErr    error
	state     *playwright.StorageState
	stateErr  error
}

func (f *fakeLoginSession) Navigate(url string, _ browser.NavigateOptions) error {
	f.navigated = append(f.navigated, url)
	return f.navErr
}

func (f *fakeLoginSession) IsVisible(selector string) bool {
	return f.onLoginPage
}

func (f *fakeLoginSession) Fill(selector, value string) error {
	if f.fills == nil {
		f.fills = make(map[string]string)
	}
	f.fills[selector] = value
	return nil
}

func (f *fakeLoginSession) ClickWithRetry(selector, fallbackText string) error {
	f.clicks = append(f.clicks, selector)
	if f.loginSucceeds {
		f.onLoginPage = false
	}
	return nil
}

func (f *fakeLoginSession) WaitSettled() error { return nil }

func (f *fakeLoginSession) StorageState() (*playwright.StorageState, error) {
	return f.state, f.stateErr
}

// fakeOpener hands out scripted sessions in order and records the
// state path each one was seeded from.
type fakeOpener struct {
	t        *testing.T
	sessions []*fakeLoginSession
	opened   []string
	releases int
}

func (o *fakeOpener) OpenSession(ctx context.Context, statePath string) (loginSession, func(), error) {
	o.opened = append(o.opened, statePath)
	require.NotEmpty(o.t, o.sessions, "opened more sessions than scripted")
	sess := o.sessions[0]
	o.sessions = o.sessions[1:]
	return sess, func() { o.releases++ }, nil
}

var testCreds = Credentials{
	BaseURL:  "https://parking.example.com",
	LoginURL: "https://parking.example.com/login",
	Username: "resident",
	Password: "hunter2",
}

func testState() *playwright.StorageState {
	return &playwright.StorageState{
		Cookies: []playwright.Cookie{{Name: "JSESSIONID", Value: "abc123"}},
	}
}

func statePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "state.json")
}

func TestValidateOrCreateMissingState(t *testing.T) {
	path := statePath(t)
	opener := &fakeOpener{t: t, sessions: []*fakeLoginSession{
		{onLoginPage: true, loginSucceeds: true, state: testState()},
	}}
	store := newSessionStore(opener, testCreds, path)

	require.NoError(t, store.ValidateOrCreate(context.Background()))

	// No state file means no validation session: only the blank login
	// session is opened.
	assert.Equal(t, []string{""}, opener.opened)
	assert.Equal(t, 1, opener.releases)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "JSESSIONID")
}

func TestValidateOrCreateExpiredState(t *testing.T) {
	path := statePath(t)
	require.NoError(t, os.WriteFile(path, []byte(`{"cookies":[]}`), 0600))

	validation := &fakeLoginSession{onLoginPage: true}
	login := &fakeLoginSession{onLoginPage: true, loginSucceeds: true, state: testState()}
	opener := &fakeOpener{t: t, sessions: []*fakeLoginSession{validation, login}}
	store := newSessionStore(opener, testCreds, path)

	require.NoError(t, store.ValidateOrCreate(context.Background()))

	// Validation on the persisted state, then exactly one recreation.
	assert.Equal(t, []string{path, ""}, opener.opened)
	assert.Equal(t, testCreds.Username, login.fills[selLoginUser])
	assert.Equal(t, testCreds.Password, login.fills[selLoginPass])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "JSESSIONID")

	// The atomic rewrite leaves no temp files behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(path), entries[0].Name())
}

func TestValidateOrCreateValidState(t *testing.T) {
	path := statePath(t)
	original := []byte(`{"cookies":[{"name":"JSESSIONID","value":"still-good"}]}`)
	require.NoError(t, os.WriteFile(path, original, 0600))

	validation := &fakeLoginSession{onLoginPage: false}
	opener := &fakeOpener{t: t, sessions: []*fakeLoginSession{validation}}
	store := newSessionStore(opener, testCreds, path)

	require.NoError(t, store.ValidateOrCreate(context.Background()))

	// Valid state: one validation session, no login, file untouched.
	assert.Equal(t, []string{path}, opener.opened)
	assert.Empty(t, validation.clicks)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, data)
}

func TestCreateNewLoginRejected(t *testing.T) {
	path := statePath(t)
	login := &fakeLoginSession{onLoginPage: true, loginSucceeds: false}
	opener := &fakeOpener{t: t, sessions: []*fakeLoginSession{login}}
	store := newSessionStore(opener, testCreds, path)

	err := store.CreateNew(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login rejected")

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPerformLoginSkipsWhenAuthenticated(t *testing.T) {
	sess := &fakeLoginSession{onLoginPage: false}
	require.NoError(t, performLogin(sess, testCreds))
	assert.Empty(t, sess.fills)
	assert.Empty(t, sess.clicks)
}

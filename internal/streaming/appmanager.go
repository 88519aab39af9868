package streaming

import (
	"context"
	"errors"
	"os/exec"
	"sync"

	"github.com/pairhost/hostd/internal/config"
)

// ErrAppAlreadyRunning is returned by Launch when another app is already
// running.
var ErrAppAlreadyRunning = errors.New("streaming: an app is already running on this host")

// ErrNoRunningApp is returned by Resume when no app is currently running.
var ErrNoRunningApp = errors.New("streaming: no running app to resume")

// AppManager is the in-process default AppLauncher: it tracks a single
// running app, started via os/exec, and the streaming sessions raised
// against it. This stands in for a real game/app launcher and RTSP
// transport (process supervision and the transport itself are out of
// scope per the spec's Non-goals) while still giving launch/resume/cancel
// real process lifecycle to exercise.
//
// runningAppID and sessionCount are tracked independently: an app can be
// running with zero active sessions, which is the exact state a
// reconnecting client's /resume is meant to recover from without
// relaunching the app.
type AppManager struct {
	mu           sync.Mutex
	runningAppID int
	sessionCount int
	cmd          *exec.Cmd
}

// NewAppManager returns an idle AppManager.
func NewAppManager() *AppManager {
	return &AppManager{}
}

// CurrentAppID implements AppLauncher.
func (m *AppManager) CurrentAppID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningAppID
}

// ActiveSessionCount implements AppLauncher.
func (m *AppManager) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionCount
}

// Launch implements AppLauncher.
func (m *AppManager) Launch(ctx context.Context, desc *LaunchDescriptor, app config.App) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runningAppID != 0 {
		return ErrAppAlreadyRunning
	}
	if app.Command == "" {
		m.runningAppID = app.ID
		m.sessionCount = 1
		return nil
	}

	cmd := exec.Command("sh", "-c", app.Command)
	if err := cmd.Start(); err != nil {
		return err
	}
	m.cmd = cmd
	m.runningAppID = app.ID
	m.sessionCount = 1

	go func(c *exec.Cmd) {
		c.Wait()
		m.mu.Lock()
		if m.cmd == c {
			m.runningAppID = 0
			m.sessionCount = 0
			m.cmd = nil
		}
		m.mu.Unlock()
	}(cmd)

	return nil
}

// Resume implements AppLauncher: it raises a new streaming session against
// an already-running app, without touching the app process. This is what a
// reconnecting client's /resume turns into once the (out-of-scope) RTSP
// transport has re-established a session.
func (m *AppManager) Resume(ctx context.Context, desc *LaunchDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runningAppID == 0 {
		return ErrNoRunningApp
	}
	m.sessionCount++
	return nil
}

// EndSession implements AppLauncher: it retires one active streaming
// session, e.g. because the client disconnected. A full deployment wires
// this to the RTSP transport's teardown path; nothing in this package's
// HTTP surface calls it, since that transport is out of scope here.
func (m *AppManager) EndSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessionCount > 0 {
		m.sessionCount--
	}
	return nil
}

// Stop implements AppLauncher.
func (m *AppManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cmd := m.cmd
	m.runningAppID = 0
	m.sessionCount = 0
	m.cmd = nil
	m.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

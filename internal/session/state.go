package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/remote-sandbox/client/internal/model"
)

// Snapshot returns a consistent view of the session.
func (m *Manager) Snapshot() model.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// State returns the current state.
func (m *Manager) State() model.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the last confirmed identity, or model.NoIdentity.
func (m *Manager) Identity() model.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// LastError returns the last registration or connectivity error.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Changed returns a channel that is closed on the next snapshot change.
func (m *Manager) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// WaitFor blocks until cond holds for a snapshot, the session stops, or ctx
// is done.
func (m *Manager) WaitFor(ctx context.Context, cond func(model.Snapshot) bool) (model.Snapshot, error) {
	for {
		m.mu.Lock()
		snap := m.snapshotLocked()
		changed := m.changed
		closed := m.closed
		stopped := m.stopped
		m.mu.Unlock()

		if cond(snap) {
			return snap, nil
		}
		if closed {
			return snap, model.ErrClosed
		}

		select {
		case <-changed:
		case <-stopped:
			m.mu.Lock()
			snap = m.snapshotLocked()
			m.mu.Unlock()
			if cond(snap) {
				return snap, nil
			}
			if snap.LastError != nil {
				return snap, snap.LastError
			}
			return snap, model.ErrClosed
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// WaitReady blocks until the session is Ready. It returns the registration
// error if registration fails, and the last transport error if the session
// stops reconnecting.
func (m *Manager) WaitReady(ctx context.Context) error {
	snap, err := m.WaitFor(ctx, func(s model.Snapshot) bool {
		return s.State == model.StateReady || s.State == model.StateRegistrationFailed
	})
	if err != nil {
		return err
	}
	if snap.State == model.StateRegistrationFailed {
		return snap.LastError
	}
	return nil
}

func (m *Manager) snapshotLocked() model.Snapshot {
	return model.Snapshot{
		State:     m.state,
		Identity:  m.identity,
		Connected: m.state.Connected(),
		LastError: m.lastErr,
	}
}

// setStateLocked moves the state machine and wakes waiters.
func (m *Manager) setStateLocked(next model.SessionState) {
	if m.state == next {
		return
	}
	m.logger.Debug("state change",
		zap.Stringer("from", m.state),
		zap.Stringer("to", next),
	)
	m.state = next
	m.metrics.ObserveState(next)
	m.notifyLocked()
}

// notifyLocked wakes everything waiting on Changed.
func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func isKind(err, kind error) bool {
	return errors.Is(err, kind)
}

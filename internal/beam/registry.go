package beam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go2tv.app/caststream/internal/domain"
)

// storeCast registers cast and returns the cast it replaced on the same
// device, if any.
func (m *Manager) storeCast(cast *trackedCast) (*trackedCast, bool) {
	if cast == nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false
	}

	var replaced *trackedCast
	if oldID, ok := m.castByAddress[cast.Device.Address]; ok {
		replaced = m.castsByID[oldID]
		delete(m.castsByID, oldID)
	}
	m.castsByID[cast.ID] = cast
	m.castByAddress[cast.Device.Address] = cast.ID
	return replaced, true
}

func (m *Manager) takeCast(req domain.StopRequest) *trackedCast {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.CastID != "" {
		cast, ok := m.castsByID[req.CastID]
		if !ok {
			return nil
		}
		m.forgetLocked(cast)
		return cast
	}

	target := strings.ToLower(strings.TrimSpace(req.TargetDevice))
	if target == "" {
		return nil
	}
	for _, cast := range m.castsByID {
		if strings.ToLower(cast.Device.Address) == target ||
			strings.ToLower(cast.Device.Name) == target ||
			strings.ToLower(cast.Device.ID) == target {
			m.forgetLocked(cast)
			return cast
		}
	}
	return nil
}

func (m *Manager) forgetLocked(cast *trackedCast) {
	delete(m.castsByID, cast.ID)
	if m.castByAddress[cast.Device.Address] == cast.ID {
		delete(m.castByAddress, cast.Device.Address)
	}
}

// ActiveCasts lists the casts whose media is still served locally.
func (m *Manager) ActiveCasts() []domain.CastResult {
	casts := m.snapshotCasts()
	out := make([]domain.CastResult, 0, len(casts))
	for _, cast := range casts {
		out = append(out, *castResult(cast))
	}
	return out
}

func (m *Manager) snapshotCasts() []*trackedCast {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*trackedCast, 0, len(m.castsByID))
	for _, cast := range m.castsByID {
		out = append(out, cast)
	}
	return out
}

func (m *Manager) detachCastByID(castID string) *trackedCast {
	m.mu.Lock()
	defer m.mu.Unlock()
	cast := m.castsByID[castID]
	if cast == nil {
		return nil
	}
	m.forgetLocked(cast)
	return cast
}

func (m *Manager) detachAllCasts() []*trackedCast {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*trackedCast, 0, len(m.castsByID))
	for _, cast := range m.castsByID {
		out = append(out, cast)
	}
	m.castsByID = map[string]*trackedCast{}
	m.castByAddress = map[string]string{}
	return out
}

func (m *Manager) ensureCleanupLoop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cleanupStarted || m.closed {
		return
	}
	m.cleanupStarted = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cleanupLoopCancel = cancel
	m.cleanupLoopDone = make(chan struct{})
	go m.runCleanupLoop(ctx)
}

func (m *Manager) runCleanupLoop(ctx context.Context) {
	defer close(m.cleanupLoopDone)

	sweepEvery := m.cleanupSweepEvery
	if sweepEvery <= 0 {
		sweepEvery = defaultCleanupSweepEvery
	}
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanupSweep(ctx)
		}
	}
}

// cleanupSweep releases casts that have been idle for too long and stops
// casts older than the maximum age.
func (m *Manager) cleanupSweep(ctx context.Context) {
	for _, cast := range m.snapshotCasts() {
		now := m.now()
		if m.maxCastAge > 0 && now.Sub(cast.createdAt) >= m.maxCastAge {
			m.release(ctx, cast, true, "max_age")
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, defaultSweepCallTimeout)
		idle, err := cast.controller.IsIdle(callCtx)
		cancel()
		if err != nil {
			m.logger.Debug("cast_sweep_status_failed", slog.String("cast_id", cast.ID), slog.String("error", err.Error()))
			continue
		}
		if m.shouldReleaseIdle(cast, idle, now) {
			m.release(ctx, cast, false, "idle")
		}
	}
}

func (m *Manager) shouldReleaseIdle(cast *trackedCast, idle bool, now time.Time) bool {
	cast.stateMu.Lock()
	defer cast.stateMu.Unlock()

	if !idle {
		cast.idleSince = time.Time{}
		return false
	}
	if cast.idleSince.IsZero() {
		cast.idleSince = now
	}
	return now.Sub(cast.idleSince) >= m.idleCleanupAfter
}

func (m *Manager) release(ctx context.Context, cast *trackedCast, stopMedia bool, reason string) {
	detached := m.detachCastByID(cast.ID)
	if detached == nil {
		return
	}
	m.logger.Info("cast_released", slog.String("cast_id", cast.ID), slog.String("reason", reason))
	if err := shutdownCast(ctx, detached, stopMedia); err != nil {
		m.logger.Warn("cast_release_failed", slog.String("cast_id", cast.ID), slog.String("error", err.Error()))
	}
}

// Close stops every tracked cast and the cleanup loop.
func (m *Manager) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		cancel, done := m.cleanupLoopCancel, m.cleanupLoopDone
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				m.closeErr = ctx.Err()
				return
			}
		}

		var errs []string
		for _, cast := range m.detachAllCasts() {
			if err := shutdownCast(ctx, cast, true); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			m.closeErr = errors.New(strings.Join(errs, "; "))
		}
	})

	return m.closeErr
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func shutdownCast(ctx context.Context, cast *trackedCast, stopMedia bool) error {
	if cast == nil {
		return nil
	}

	var shutdownErr error
	cast.closeOnce.Do(func() {
		if stopMedia && cast.controller != nil {
			if err := cast.controller.Stop(ctx); err != nil {
				shutdownErr = fmt.Errorf("stop: %w", err)
			}
		}
		if cast.server != nil {
			cast.server.StopServer()
		}
		if cast.sourceCloser != nil {
			_ = cast.sourceCloser.Close()
		}
	})
	return shutdownErr
}

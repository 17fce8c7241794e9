package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atriumworld/atrium/pkg/protocol"
)

// handlePositionUpdate applies a movement report and relays it to everyone
// but the sender, who already knows its own transform. Updates for ids
// with no live session are dropped; the sender may have been removed by a
// timeout or disconnect that its frames raced.
func (s *Server) handlePositionUpdate(client Client, update protocol.PositionUpdate) {
	id := client.ID()

	if !s.registry.UpdateTransform(id, update.Position, update.Rotation) {
		log.Debug().Str("session", id).Msg("dropping update for unknown session")
		return
	}

	s.broadcastExcept(id, protocol.PeerMoved{
		Op:       protocol.PeerMovedOp,
		ID:       id,
		Position: update.Position,
		Rotation: update.Rotation,
	})

	s.events.Publish(Event{
		At:       time.Now(),
		Kind:     EventMove,
		Session:  id,
		Position: &update.Position,
		Rotation: &update.Rotation,
	})
}

// pollInactive sweeps for sessions whose last activity is older than the
// configured timeout and expires them exactly like a disconnect. The sweep
// also prunes stale rate-limit history.
func (s *Server) pollInactive(ctx context.Context) {
	timeout := time.Duration(s.config.InactivityTimeout)
	if timeout <= 0 {
		return
	}

	interval := timeout / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-timeout)
			for _, id := range s.registry.InactiveSince(cutoff) {
				s.expire(id)
			}
			s.limiter.Prune()
		}
	}
}

// expire kicks an idle session. Closing the transport reuses the normal
// disconnect path when the client is still attached; otherwise the session
// is torn down directly.
func (s *Server) expire(id string) {
	log.Info().Str("session", id).Msg("expiring idle session")

	s.mutex.RLock()
	client := s.clients[id]
	s.mutex.RUnlock()

	if client != nil {
		client.Close("idle timeout")
		return
	}
	s.teardown(id)
}

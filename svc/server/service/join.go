package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atriumworld/atrium/pkg/protocol"
	"github.com/atriumworld/atrium/svc/server/sessions"
)

// beginPending registers a join in flight for id. It reports false when
// one is already pending, in which case the new request must be ignored.
func (s *Server) beginPending(id string) bool {
	deadline := time.Now().Add(time.Duration(s.config.JoinTimeout))

	s.pendingMutex.Lock()
	defer s.pendingMutex.Unlock()

	if _, exists := s.pending[id]; exists {
		return false
	}
	s.pending[id] = deadline
	return true
}

func (s *Server) clearPending(id string) {
	s.pendingMutex.Lock()
	delete(s.pending, id)
	s.pendingMutex.Unlock()
}

func (s *Server) pendingDeadline(id string) (time.Time, bool) {
	s.pendingMutex.Lock()
	defer s.pendingMutex.Unlock()
	deadline, ok := s.pending[id]
	return deadline, ok
}

// handleJoin runs the join handshake: duplicate check, rate limit, color
// allocation, registration, then the joined/roster/peer-joined fan-out.
// Every failure unwinds whatever had already happened and closes the
// connection with an error payload; the rest of the room never notices.
func (s *Server) handleJoin(ctx context.Context, client Client, request protocol.Join) {
	id := client.ID()
	logger := log.With().Str("session", id).Str("host", client.Host()).Logger()

	if !s.beginPending(id) {
		logger.Debug().Msg("ignoring duplicate join request")
		return
	}

	if !s.limiter.Allow(client.Host()) {
		s.clearPending(id)
		logger.Info().Msg("join rejected by rate limit")
		s.refuse(client, protocol.ErrorRateLimited, "too many join attempts from this address")
		return
	}

	joinCtx, cancel := context.WithTimeout(ctx, time.Duration(s.config.JoinTimeout))
	defer cancel()

	color, err := s.allocator.Allocate(joinCtx, request.Color)
	if err != nil {
		s.clearPending(id)
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Info().Msg("join timed out waiting for a color")
			s.refuse(client, protocol.ErrorJoinTimeout, "join timed out")
			return
		}
		logger.Error().Err(err).Msg("color allocation failed")
		s.refuse(client, protocol.ErrorJoinFailed, "could not allocate a color")
		return
	}

	record := sessions.Record{
		ID:       id,
		Position: vecOrZero(request.Position),
		Rotation: vecOrZero(request.Rotation),
		Color:    color,
	}

	if err := s.registry.Add(record); err != nil {
		s.clearPending(id)
		if releaseErr := s.allocator.Release(s.Ctx(), color); releaseErr != nil {
			logger.Error().Err(releaseErr).Msg("failed to release color")
		}
		logger.Info().Err(err).Msg("join rejected")
		s.refuse(client, protocol.ErrorDuplicateSession, "session already joined")
		return
	}

	if joinCtx.Err() != nil {
		// The deadline won the race against registration; unwind as if
		// the join never happened.
		s.clearPending(id)
		if removed, ok := s.registry.Remove(id); ok {
			if releaseErr := s.allocator.Release(s.Ctx(), removed.Color); releaseErr != nil {
				logger.Error().Err(releaseErr).Msg("failed to release color")
			}
		}
		logger.Info().Msg("join timed out before registration completed")
		s.refuse(client, protocol.ErrorJoinTimeout, "join timed out")
		return
	}

	s.clearPending(id)

	joined := protocol.SessionState{
		ID:       id,
		Position: record.Position,
		Rotation: record.Rotation,
		Color:    color,
	}

	s.sendMessage(client, protocol.Joined{
		Op:      protocol.JoinedOp,
		Session: joined,
	})
	s.sendMessage(client, protocol.Roster{
		Op:       protocol.RosterOp,
		Sessions: s.roster(id),
	})
	s.broadcastExcept(id, protocol.PeerJoined{
		Op:      protocol.PeerJoinedOp,
		Session: joined,
	})

	logger.Info().Str("color", color.Hex()).Msg("session joined")

	s.events.Publish(Event{
		At:       time.Now(),
		Kind:     EventJoin,
		Session:  id,
		Position: &record.Position,
		Rotation: &record.Rotation,
		Color:    &record.Color,
	})

	if s.store != nil {
		if err := s.store.RecordVisit(id, client.Host(), client.Agent(), color.Hex()); err != nil {
			logger.Error().Err(err).Msg("failed to record visit")
		}
	}
	if s.presence != nil {
		if err := s.presence.PublishJoin(s.Ctx(), id); err != nil {
			logger.Error().Err(err).Msg("failed to publish join")
		}
		if err := s.presence.SetOccupancy(s.Ctx(), s.registry.Count()); err != nil {
			logger.Error().Err(err).Msg("failed to update occupancy")
		}
	}
}

func vecOrZero(v *protocol.Vec3) protocol.Vec3 {
	if v == nil {
		return protocol.Vec3{}
	}
	return *v
}

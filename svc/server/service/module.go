package service

import (
	"context"
	"time"

	"github.com/repeale/fp-go"
	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"

	"github.com/atriumworld/atrium/pkg/config"
	"github.com/atriumworld/atrium/pkg/palette"
	"github.com/atriumworld/atrium/pkg/protocol"
	"github.com/atriumworld/atrium/pkg/utils"
	"github.com/atriumworld/atrium/svc/server/sessions"
	"github.com/atriumworld/atrium/svc/server/state"
)

// Client is one connected transport endpoint. The ingress owns the socket;
// the server only sees frames and lifecycle.
type Client interface {
	// ID is the opaque connection identifier, fixed for the
	// connection's whole life and reused as the session id.
	ID() string
	Host() string
	Agent() string

	// Send queues a frame for delivery. Delivery is best-effort; a
	// client that stops draining is closed by the ingress.
	Send(data []byte)
	Receive() <-chan []byte
	Disconnected() <-chan struct{}

	// Close force-disconnects the transport after flushing whatever is
	// already queued.
	Close(reason string)
}

// Server coordinates the whole room: joins, movement fan-out, departures,
// and the periodic diagnostics snapshot.
type Server struct {
	utils.Session

	config *config.Config

	allocator *palette.Allocator
	registry  *sessions.Registry
	limiter   *addressLimiter

	clients map[string]Client
	mutex   deadlock.RWMutex

	pending      map[string]time.Time
	pendingMutex deadlock.Mutex

	events *utils.Topic[Event]

	// Optional collaborators; either may be nil.
	store    *state.Store
	presence *state.Presence
}

func New(ctx context.Context, conf *config.Config, store *state.Store, presence *state.Presence) *Server {
	return &Server{
		Session:   utils.NewSession(ctx),
		config:    conf,
		allocator: palette.NewAllocator(),
		registry:  sessions.NewRegistry(),
		limiter: newAddressLimiter(
			time.Duration(conf.RateLimitWindow),
			conf.RateLimitCap,
		),
		clients:  make(map[string]Client),
		pending:  make(map[string]time.Time),
		events:   utils.NewTopic[Event](),
		store:    store,
		presence: presence,
	}
}

// Events is the feed of joins, movements and departures, for journals and
// other observers.
func (s *Server) Events() *utils.Topic[Event] {
	return s.events
}

func (s *Server) SessionCount() int {
	return s.registry.Count()
}

// Poll runs the server's background work until ctx is canceled: the color
// allocator, the idle-session reaper, and the diagnostics tick.
func (s *Server) Poll(ctx context.Context) {
	go s.allocator.Poll(ctx)
	go s.pollInactive(ctx)
	s.pollDiagnostics(ctx)
}

// HandleClient owns one connection from attach to teardown. It blocks
// until the client disconnects or the server shuts down; every exit path
// runs the same cleanup, so a session can never outlive its transport.
func (s *Server) HandleClient(ctx context.Context, client Client) {
	logger := log.With().
		Str("session", client.ID()).
		Str("host", client.Host()).
		Logger()

	s.mutex.Lock()
	s.clients[client.ID()] = client
	s.mutex.Unlock()

	logger.Info().Str("agent", client.Agent()).Msg("client connected")

	defer func() {
		s.mutex.Lock()
		delete(s.clients, client.ID())
		s.mutex.Unlock()
		s.teardown(client.ID())
		logger.Info().Msg("client disconnected")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Ctx().Done():
			return
		case <-client.Disconnected():
			return
		case data := <-client.Receive():
			s.handleMessage(ctx, client, data)
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, client Client, data []byte) {
	var generic protocol.GenericMessage
	if err := protocol.Decode(data, &generic); err != nil {
		log.Debug().
			Err(err).
			Str("session", client.ID()).
			Msg("dropping malformed frame")
		return
	}

	switch generic.Op {
	case protocol.JoinOp:
		var join protocol.Join
		if err := protocol.Decode(data, &join); err != nil {
			log.Debug().Err(err).Str("session", client.ID()).Msg("dropping malformed join")
			return
		}
		s.handleJoin(ctx, client, join)
	case protocol.PositionOp:
		var update protocol.PositionUpdate
		if err := protocol.Decode(data, &update); err != nil {
			log.Debug().Err(err).Str("session", client.ID()).Msg("dropping malformed update")
			return
		}
		s.handlePositionUpdate(client, update)
	default:
		log.Debug().
			Int("op", generic.Op).
			Str("session", client.ID()).
			Msg("unknown message op")
	}
}

func (s *Server) sendMessage(client Client, message interface{}) {
	data, err := protocol.Encode(message)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode message")
		return
	}
	client.Send(data)
}

// refuse sends an error payload and force-closes the connection.
func (s *Server) refuse(client Client, code string, message string) {
	s.sendMessage(client, protocol.Error{
		Op:      protocol.ErrorOp,
		Code:    code,
		Message: message,
	})
	client.Close(code)
}

func (s *Server) broadcast(message interface{}) {
	s.broadcastExcept("", message)
}

// broadcastExcept fans a message out to every joined session except one,
// usually the sender. Connections that have not completed a join yet do
// not receive room traffic.
func (s *Server) broadcastExcept(exceptID string, message interface{}) {
	data, err := protocol.Encode(message)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode broadcast")
		return
	}

	members := make(map[string]struct{})
	for _, record := range s.registry.Snapshot() {
		members[record.ID] = struct{}{}
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for id, client := range s.clients {
		if id == exceptID {
			continue
		}
		if _, joined := members[id]; !joined {
			continue
		}
		client.Send(data)
	}
}

// roster lists everyone already in the room, excluding the recipient.
func (s *Server) roster(exceptID string) []protocol.SessionState {
	others := fp.Filter(func(record sessions.Record) bool {
		return record.ID != exceptID
	})(s.registry.Snapshot())

	return fp.Map(func(record sessions.Record) protocol.SessionState {
		return protocol.SessionState{
			ID:       record.ID,
			Position: record.Position,
			Rotation: record.Rotation,
			Color:    record.Color,
		}
	})(others)
}

// teardown removes a session and undoes everything its join set up. Safe
// to run more than once per id; only the first caller finds a record.
func (s *Server) teardown(id string) {
	s.clearPending(id)

	record, ok := s.registry.Remove(id)
	if !ok {
		return
	}

	if err := s.allocator.Release(s.Ctx(), record.Color); err != nil {
		log.Error().Err(err).Str("session", id).Msg("failed to release color")
	}

	s.broadcastExcept(id, protocol.PeerLeft{
		Op: protocol.PeerLeftOp,
		ID: id,
	})

	log.Info().Str("session", id).Str("color", record.Color.Hex()).Msg("session left")

	s.events.Publish(Event{
		At:      time.Now(),
		Kind:    EventLeave,
		Session: id,
	})

	if s.store != nil {
		if err := s.store.FinalizeVisit(id, time.Now()); err != nil {
			log.Error().Err(err).Str("session", id).Msg("failed to finalize visit")
		}
	}
	if s.presence != nil {
		if err := s.presence.PublishLeave(s.Ctx(), id); err != nil {
			log.Error().Err(err).Msg("failed to publish leave")
		}
		if err := s.presence.SetOccupancy(s.Ctx(), s.registry.Count()); err != nil {
			log.Error().Err(err).Msg("failed to update occupancy")
		}
	}
}

package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mileusna/useragent"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/atriumworld/atrium/pkg/config"
	"github.com/atriumworld/atrium/pkg/version"
	"github.com/atriumworld/atrium/svc/server/service"
)

const clientMessageLimit = 32

type WSClient struct {
	id         string
	host       string
	agent      string
	messages   chan []byte
	send       chan []byte
	closing    chan struct{}
	disconnect chan struct{}
	closeSlow  func()

	closeOnce sync.Once
	dropOnce  sync.Once
	reason    string
}

var _ service.Client = (*WSClient)(nil)

func NewWSClient(host string, agent string) *WSClient {
	return &WSClient{
		id:         uuid.NewString(),
		host:       host,
		agent:      agent,
		messages:   make(chan []byte, clientMessageLimit),
		send:       make(chan []byte, clientMessageLimit),
		closing:    make(chan struct{}),
		disconnect: make(chan struct{}),
	}
}

func (c *WSClient) ID() string {
	return c.id
}

func (c *WSClient) Host() string {
	return c.host
}

func (c *WSClient) Agent() string {
	return c.agent
}

func (c *WSClient) Send(data []byte) {
	select {
	case c.send <- data:
	default:
		if c.closeSlow != nil {
			go c.closeSlow()
		}
	}
}

func (c *WSClient) Receive() <-chan []byte {
	return c.messages
}

func (c *WSClient) Disconnected() <-chan struct{} {
	return c.disconnect
}

// Close asks the transport to flush queued frames and drop the
// connection. reason travels in the close frame.
func (c *WSClient) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.closing)
	})
}

func (c *WSClient) markDisconnected() {
	c.dropOnce.Do(func() {
		close(c.disconnect)
	})
}

func (c *WSClient) readPump(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.markDisconnected()
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}

		select {
		case c.messages <- data:
		case <-ctx.Done():
			return
		}
	}
}

func WriteTimeout(ctx context.Context, timeout time.Duration, c *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Write(ctx, websocket.MessageBinary, msg)
}

type WSIngress struct {
	server     *service.Server
	config     *config.Config
	accept     *rate.Limiter
	httpServer *http.Server
}

func NewWSIngress(server *service.Server, conf *config.Config) *WSIngress {
	return &WSIngress{
		server: server,
		config: conf,
		accept: rate.NewLimiter(rate.Limit(conf.AcceptPerSecond), conf.AcceptBurst),
	}
}

func (server *WSIngress) HandleClient(ctx context.Context, c *websocket.Conn, host string, agent string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := NewWSClient(host, agent)
	client.closeSlow = func() {
		c.Close(websocket.StatusPolicyViolation, "connection too slow to keep up with messages")
	}

	logger := log.With().Str("session", client.id).Str("host", host).Logger()

	go client.readPump(ctx, c)
	go server.server.HandleClient(ctx, client)

	for {
		select {
		case msg := <-client.send:
			if err := WriteTimeout(ctx, time.Second*5, c, msg); err != nil {
				logger.Error().Msg("client missed write timeout; disconnecting")
				return err
			}
		case <-client.closing:
			// Deliver whatever was queued ahead of the close, the
			// error payload in particular.
			for {
				select {
				case msg := <-client.send:
					WriteTimeout(ctx, time.Second, c, msg)
					continue
				default:
				}
				break
			}
			return c.Close(websocket.StatusNormalClosure, client.reason)
		case <-client.disconnect:
			logger.Info().Msg("client closed connection")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// getHost resolves the client address, preferring what the proxy saw.
func getHost(r *http.Request) string {
	host := r.RemoteAddr

	// We run behind nginx, so check this first.
	forwarded, ok := r.Header["X-Forwarded-For"]
	if ok && len(forwarded) > 0 {
		host = forwarded[0]
	}

	if parsed, _, err := net.SplitHostPort(host); err == nil {
		host = parsed
	}
	return host
}

func getAgent(r *http.Request) string {
	agent := useragent.Parse(r.UserAgent())
	if agent.Name == "" {
		return "unknown"
	}
	if agent.Version == "" {
		return agent.Name
	}
	return fmt.Sprintf("%s %s", agent.Name, agent.Version)
}

func (server *WSIngress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !server.accept.Allow() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: server.config.OriginPatterns,
	})
	if err != nil {
		log.Error().Err(err).Msg("error accepting client connection")
		return
	}

	defer c.Close(websocket.StatusInternalError, "operational fault during session")

	err = server.HandleClient(r.Context(), c, getHost(r), getAgent(r))
	if errors.Is(err, context.Canceled) {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
		websocket.CloseStatus(err) == websocket.StatusGoingAway {
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("client session ended abnormally")
		return
	}
}

type healthStatus struct {
	Status   string  `json:"status"`
	Version  string  `json:"version"`
	Uptime   float64 `json:"uptime"`
	Sessions int     `json:"sessions"`
}

func (server *WSIngress) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthStatus{
		Status:   "ok",
		Version:  version.Version,
		Uptime:   server.server.Uptime().Seconds(),
		Sessions: server.server.SessionCount(),
	})
}

func (server *WSIngress) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", server)
	mux.HandleFunc("/health", server.handleHealth)
	return mux
}

func (server *WSIngress) Serve(ctx context.Context) error {
	listen, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", server.config.Port))
	if err != nil {
		log.Error().Err(err).Msg("failed to bind WebSocket port")
		return err
	}

	log.Printf("listening on http://%v", listen.Addr())

	httpServer := &http.Server{
		Handler: server.handler(),
	}
	server.httpServer = httpServer

	return httpServer.Serve(listen)
}

func (server *WSIngress) Shutdown(ctx context.Context) {
	if server.httpServer != nil {
		server.httpServer.Shutdown(ctx)
	}
}

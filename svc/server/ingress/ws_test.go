package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/atriumworld/atrium/pkg/config"
	"github.com/atriumworld/atrium/pkg/protocol"
	"github.com/atriumworld/atrium/svc/server/service"
)

func TestGetHost(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.7:52188"
	require.Equal(t, "10.0.0.7", getHost(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	require.Equal(t, "203.0.113.9", getHost(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9:1234")
	require.Equal(t, "203.0.113.9", getHost(r))
}

func TestGetAgent(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	require.Equal(t, "unknown", getAgent(r))

	r.Header.Set(
		"User-Agent",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.114 Safari/537.36",
	)
	require.Equal(t, "Chrome 91.0.4472.114", getAgent(r))
}

func testConfig() *config.Config {
	conf := config.Default()
	conf.DiagnosticsInterval = config.Duration(time.Hour)
	conf.InactivityTimeout = 0
	return conf
}

func startIngress(t *testing.T, conf *config.Config) (*service.Server, *httptest.Server) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	server := service.New(ctx, conf, nil, nil)
	go server.Poll(ctx)
	t.Cleanup(server.Cancel)

	ingress := NewWSIngress(server, conf)
	ts := httptest.NewServer(ingress.handler())
	t.Cleanup(ts.Close)

	return server, ts
}

func TestJoinOverWebSocket(t *testing.T) {
	server, ts := startIngress(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, ts.URL+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	data, err := protocol.Encode(protocol.Join{Op: protocol.JoinOp})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, data))

	_, frame, err := conn.Read(ctx)
	require.NoError(t, err)
	var joined protocol.Joined
	require.NoError(t, protocol.Decode(frame, &joined))
	require.Equal(t, protocol.JoinedOp, joined.Op)
	require.NotEmpty(t, joined.Session.ID)
	require.True(t, joined.Session.Color.Valid())

	_, frame, err = conn.Read(ctx)
	require.NoError(t, err)
	var roster protocol.Roster
	require.NoError(t, protocol.Decode(frame, &roster))
	require.Equal(t, protocol.RosterOp, roster.Op)
	require.Empty(t, roster.Sessions)

	require.Equal(t, 1, server.SessionCount())

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "done"))
	require.Eventually(t, func() bool {
		return server.SessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealth(t *testing.T) {
	_, ts := startIngress(t, testConfig())

	response, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)

	var status healthStatus
	require.NoError(t, json.NewDecoder(response.Body).Decode(&status))
	require.Equal(t, "ok", status.Status)
	require.Zero(t, status.Sessions)
	require.GreaterOrEqual(t, status.Uptime, 0.0)
}

func TestAcceptThrottle(t *testing.T) {
	conf := testConfig()
	conf.AcceptPerSecond = 0
	conf.AcceptBurst = 0
	_, ts := startIngress(t, conf)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, response, err := websocket.Dial(ctx, ts.URL+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, response)
	require.Equal(t, http.StatusServiceUnavailable, response.StatusCode)
}

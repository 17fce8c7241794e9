package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atriumworld/atrium/pkg/config"
	"github.com/atriumworld/atrium/pkg/palette"
	"github.com/atriumworld/atrium/pkg/protocol"
)

func TestDuplicateSessionRejected(t *testing.T) {
	server := startServer(t, testConfig())

	a := newFakeClient("a", "1.1.1.1")
	b := newFakeClient("b", "1.1.1.2")
	join(t, server, a)
	join(t, server, b)
	expect[protocol.PeerJoined](t, a, protocol.PeerJoinedOp)

	a.submit(t, protocol.Join{Op: protocol.JoinOp})

	failure := expect[protocol.Error](t, a, protocol.ErrorOp)
	require.Equal(t, protocol.ErrorDuplicateSession, failure.Code)

	require.Eventually(t, a.closed, 2*time.Second, 10*time.Millisecond)

	// The rejection must not disturb anyone else.
	require.Eventually(t, func() bool {
		_, ok := server.registry.Get("b")
		return ok && server.SessionCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return server.allocator.Stats().Available == palette.Size-1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJoinRateLimited(t *testing.T) {
	conf := testConfig()
	conf.RateLimitCap = 2
	server := startServer(t, conf)

	for _, id := range []string{"a", "b"} {
		client := newFakeClient(id, "9.9.9.9")
		connect(t, server, client)
		client.submit(t, protocol.Join{Op: protocol.JoinOp})
		expect[protocol.Joined](t, client, protocol.JoinedOp)
		expect[protocol.Roster](t, client, protocol.RosterOp)
	}

	third := newFakeClient("c", "9.9.9.9")
	connect(t, server, third)
	third.submit(t, protocol.Join{Op: protocol.JoinOp})

	failure := expect[protocol.Error](t, third, protocol.ErrorOp)
	require.Equal(t, protocol.ErrorRateLimited, failure.Code)
	require.Eventually(t, third.closed, 2*time.Second, 10*time.Millisecond)

	// Refused before allocation, so the pool never shrank for it.
	stats := server.allocator.Stats()
	require.Equal(t, 2, stats.Locked)
	require.Equal(t, 2, server.SessionCount())

	// A different address is not throttled.
	other := newFakeClient("d", "9.9.9.10")
	connect(t, server, other)
	other.submit(t, protocol.Join{Op: protocol.JoinOp})
	expect[protocol.Joined](t, other, protocol.JoinedOp)
}

func TestJoinTimeout(t *testing.T) {
	conf := testConfig()
	conf.JoinTimeout = config.Duration(100 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// No Poll: the allocator never services requests, so the join
	// deadline is guaranteed to fire.
	server := New(ctx, conf, nil, nil)
	t.Cleanup(server.Cancel)

	client := newFakeClient("a", "1.1.1.1")
	connect(t, server, client)
	client.submit(t, protocol.Join{Op: protocol.JoinOp})

	failure := expect[protocol.Error](t, client, protocol.ErrorOp)
	require.Equal(t, protocol.ErrorJoinTimeout, failure.Code)
	require.Eventually(t, client.closed, 2*time.Second, 10*time.Millisecond)

	require.Zero(t, server.SessionCount())
	require.Equal(t, palette.Size, server.allocator.Stats().Available)

	s, ok := server.pendingDeadline("a")
	require.False(t, ok, "pending join for %q should be cleared, deadline %v", "a", s)
}

func TestPendingJoinIgnoresRepeats(t *testing.T) {
	conf := testConfig()
	conf.JoinTimeout = config.Duration(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	server := New(ctx, conf, nil, nil)
	t.Cleanup(server.Cancel)

	require.True(t, server.beginPending("a"))
	require.False(t, server.beginPending("a"))

	server.clearPending("a")
	require.True(t, server.beginPending("a"))
}

package p2ptest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dannbbb1/lodestar/internal/p2p"
)

// RequireUpdate requires that the given peer update is received.
func RequireUpdate(t *testing.T, peerUpdates *p2p.PeerUpdates, expect p2p.PeerUpdate) {
	t.Helper()
	timer := time.NewTimer(time.Second)
	defer timer.Stop()

	select {
	case update := <-peerUpdates.Updates():
		require.Equal(t, expect, update, "peer update did not match")

	case <-timer.C:
		require.Fail(t, "timed out waiting for peer update", "expected %v", expect)
	}
}

// RequireNoUpdates requires that a PeerUpdates subscription is empty.
func RequireNoUpdates(t *testing.T, peerUpdates *p2p.PeerUpdates) {
	t.Helper()
	select {
	case update := <-peerUpdates.Updates():
		require.Fail(t, "unexpected peer update", "got %v", update)
	case <-time.After(10 * time.Millisecond):
	}
}

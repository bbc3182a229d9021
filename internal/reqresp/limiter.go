package reqresp

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/ratelimit"

	"github.com/dannbbb1/lodestar/internal/p2p"
)

// maxTrackedPeers bounds the number of per-peer limiters kept.
const maxTrackedPeers = 1024

// peerLimiter paces requests per peer.
type peerLimiter struct {
	rate int

	mtx      sync.Mutex
	limiters *lru.Cache
}

func newPeerLimiter(rate int) *peerLimiter {
	cache, err := lru.New(maxTrackedPeers)
	if err != nil {
		panic(err)
	}
	return &peerLimiter{rate: rate, limiters: cache}
}

func (l *peerLimiter) get(peer p2p.PeerID) ratelimit.Limiter {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	if v, ok := l.limiters.Get(peer); ok {
		return v.(ratelimit.Limiter)
	}
	limiter := ratelimit.New(l.rate, ratelimit.WithoutSlack)
	l.limiters.Add(peer, limiter)
	return limiter
}

// Take blocks until peer may send or receive another request.
func (l *peerLimiter) Take(peer p2p.PeerID) {
	l.get(peer).Take()
}

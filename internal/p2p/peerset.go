package p2p

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/dannbbb1/lodestar/types"
)

// PeerID identifies a remote node.
type PeerID = peer.ID

// PeerStatus is a peer status.
//
// The peer set tracks more about a peer (chain status, score) than this;
// PeerStatus is for update subscribers.
type PeerStatus string

const (
	PeerStatusUp   PeerStatus = "up"   // connected and ready
	PeerStatusDown PeerStatus = "down" // disconnected
	PeerStatusBad  PeerStatus = "bad"  // score dropped below the ban threshold
)

// PeerScore is a numeric score assigned to a peer (higher is better).
type PeerScore int16

const (
	PeerScorePersistent       PeerScore = math.MaxInt16 // persistent peers
	MaxPeerScoreNotPersistent PeerScore = PeerScorePersistent - 1
	MinPeerScore              PeerScore = math.MinInt16
)

// PeerAction is a misbehaviour (or good behaviour) report about a peer.
type PeerAction int

const (
	// PeerActionFatal bans the peer immediately.
	PeerActionFatal PeerAction = iota
	// PeerActionLowTolerance is for errors that should ban the peer after a
	// handful of repetitions, such as serving an invalid block.
	PeerActionLowTolerance
	// PeerActionMidTolerance is for errors like empty or discontinuous
	// responses.
	PeerActionMidTolerance
	// PeerActionHighTolerance is for timeouts and other errors an honest
	// peer produces occasionally.
	PeerActionHighTolerance
	// PeerActionGood rewards a useful response.
	PeerActionGood
)

func (a PeerAction) String() string {
	switch a {
	case PeerActionFatal:
		return "fatal"
	case PeerActionLowTolerance:
		return "low_tolerance"
	case PeerActionMidTolerance:
		return "mid_tolerance"
	case PeerActionHighTolerance:
		return "high_tolerance"
	case PeerActionGood:
		return "good"
	default:
		return "unknown"
	}
}

func (a PeerAction) delta() int {
	switch a {
	case PeerActionLowTolerance:
		return -10
	case PeerActionMidTolerance:
		return -5
	case PeerActionHighTolerance:
		return -1
	case PeerActionGood:
		return 1
	default:
		return 0
	}
}

// PeerUpdate is a peer update event sent via PeerUpdates.
type PeerUpdate struct {
	PeerID PeerID
	Status PeerStatus
}

// PeerUpdates is a peer update subscription with notifications about peer
// events (currently just status changes).
type PeerUpdates struct {
	updatesCh chan PeerUpdate
}

// NewPeerUpdates creates a new PeerUpdates subscription. It is primarily for
// internal use, callers should typically use PeerSet.Subscribe().
func NewPeerUpdates(updatesCh chan PeerUpdate) *PeerUpdates {
	return &PeerUpdates{updatesCh: updatesCh}
}

// Updates returns a channel for consuming peer updates.
func (pu *PeerUpdates) Updates() <-chan PeerUpdate {
	return pu.updatesCh
}

// PeerSetOptions specifies options for a PeerSet.
type PeerSetOptions struct {
	// PersistentPeers are scored PeerScorePersistent and never banned.
	PersistentPeers []PeerID

	// BanScore is the score at or below which a peer is reported bad.
	BanScore PeerScore

	// MaxConnected is the maximum number of connected peers, persistent
	// peers excluded. 0 means no limit.
	MaxConnected int
}

type peerInfo struct {
	connected  bool
	persistent bool
	score      int
	status     *types.Status
}

func (p *peerInfo) Score() PeerScore {
	if p.persistent {
		return PeerScorePersistent
	}
	switch {
	case p.score > int(MaxPeerScoreNotPersistent):
		return MaxPeerScoreNotPersistent
	case p.score < int(MinPeerScore):
		return MinPeerScore
	default:
		return PeerScore(p.score)
	}
}

// PeerSet tracks connected peers, their last advertised chain status and
// their score. It is safe for concurrent use.
type PeerSet struct {
	options PeerSetOptions

	mtx           sync.Mutex
	peers         map[PeerID]*peerInfo
	subscriptions map[*PeerUpdates]*PeerUpdates
}

// NewPeerSet creates a new, empty peer set.
func NewPeerSet(options PeerSetOptions) *PeerSet {
	s := &PeerSet{
		options:       options,
		peers:         make(map[PeerID]*peerInfo),
		subscriptions: make(map[*PeerUpdates]*PeerUpdates),
	}
	for _, id := range options.PersistentPeers {
		s.peers[id] = &peerInfo{persistent: true}
	}
	return s
}

func (s *PeerSet) getOrCreate(id PeerID) *peerInfo {
	p, ok := s.peers[id]
	if !ok {
		p = &peerInfo{}
		s.peers[id] = p
	}
	return p
}

// Connected marks a peer connected and broadcasts PeerStatusUp. It returns
// false, leaving the peer disconnected, when the set is full.
func (s *PeerSet) Connected(ctx context.Context, id PeerID) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	p := s.getOrCreate(id)
	if p.connected {
		return true
	}
	if !p.persistent && s.options.MaxConnected > 0 && s.numConnected() >= s.options.MaxConnected {
		return false
	}
	p.connected = true
	s.broadcast(ctx, PeerUpdate{PeerID: id, Status: PeerStatusUp})
	return true
}

func (s *PeerSet) numConnected() int {
	n := 0
	for _, p := range s.peers {
		if p.connected && !p.persistent {
			n++
		}
	}
	return n
}

// Disconnected marks a peer disconnected, forgets its chain status and
// broadcasts PeerStatusDown. Scores survive reconnects.
func (s *PeerSet) Disconnected(ctx context.Context, id PeerID) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	p, ok := s.peers[id]
	if !ok || !p.connected {
		return
	}
	p.connected = false
	p.status = nil
	s.broadcast(ctx, PeerUpdate{PeerID: id, Status: PeerStatusDown})
}

// IsConnected reports whether the peer is currently connected.
func (s *PeerSet) IsConnected(id PeerID) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	p, ok := s.peers[id]
	return ok && p.connected
}

// ConnectedPeers returns the connected peers ordered by descending score.
func (s *PeerSet) ConnectedPeers() []PeerID {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	ids := make([]PeerID, 0, len(s.peers))
	for id, p := range s.peers {
		if p.connected {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		si, sj := s.peers[ids[i]].Score(), s.peers[ids[j]].Score()
		if si != sj {
			return si > sj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// SetStatus records the chain status a peer advertised.
func (s *PeerSet) SetStatus(id PeerID, status *types.Status) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.getOrCreate(id).status = status
}

// GetPeerStatus returns the last status a connected peer advertised.
func (s *PeerSet) GetPeerStatus(id PeerID) (*types.Status, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	p, ok := s.peers[id]
	if !ok || !p.connected || p.status == nil {
		return nil, false
	}
	return p.status, true
}

// Score returns the score of a peer, 0 for unknown peers.
func (s *PeerSet) Score(id PeerID) PeerScore {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if p, ok := s.peers[id]; ok {
		return p.Score()
	}
	return 0
}

// Scores returns the peer scores for all known peers, primarily for testing.
func (s *PeerSet) Scores() map[PeerID]PeerScore {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	scores := make(map[PeerID]PeerScore, len(s.peers))
	for id, p := range s.peers {
		scores[id] = p.Score()
	}
	return scores
}

// ReportPeer adjusts the score of a peer. When the score falls to the ban
// threshold PeerStatusBad is broadcast so the transport can disconnect it.
func (s *PeerSet) ReportPeer(ctx context.Context, id PeerID, action PeerAction) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	p := s.getOrCreate(id)
	if p.persistent {
		return
	}
	if action == PeerActionFatal {
		p.score = int(MinPeerScore)
	} else {
		p.score += action.delta()
	}
	if p.Score() <= s.options.BanScore && action != PeerActionGood {
		s.broadcast(ctx, PeerUpdate{PeerID: id, Status: PeerStatusBad})
	}
}

// Subscribe subscribes to peer updates until ctx is done. The caller must
// consume the peer updates in a timely fashion, otherwise the PeerSet will
// halt.
func (s *PeerSet) Subscribe(ctx context.Context) *PeerUpdates {
	peerUpdates := NewPeerUpdates(make(chan PeerUpdate, 1))

	s.mtx.Lock()
	s.subscriptions[peerUpdates] = peerUpdates
	s.mtx.Unlock()

	go func() {
		<-ctx.Done()
		s.mtx.Lock()
		defer s.mtx.Unlock()
		delete(s.subscriptions, peerUpdates)
	}()
	return peerUpdates
}

// broadcast broadcasts a peer update to all subscriptions. The caller must
// already hold the mutex lock, to make sure updates are sent in the same order
// as the PeerSet processes them.
func (s *PeerSet) broadcast(ctx context.Context, peerUpdate PeerUpdate) {
	for _, sub := range s.subscriptions {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case sub.updatesCh <- peerUpdate:
		}
	}
}

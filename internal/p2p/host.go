package p2p

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/multiformats/go-multiaddr"

	"github.com/dannbbb1/lodestar/config"
	"github.com/dannbbb1/lodestar/libs/log"
)

// NewHost constructs a default networking connection for a libp2p
// network and returns the top level host object.
func NewHost(conf *config.P2PConfig) (host.Host, error) {
	return libp2p.New(
		libp2p.ListenAddrStrings(conf.ListenAddresses...),
	)
}

// NewPubSub constructs a pubsub protocol using a libp2p host object.
func NewPubSub(ctx context.Context, h host.Host) (*pubsub.PubSub, error) {
	return pubsub.NewGossipSub(ctx, h)
}

// Host adapts a libp2p host to StreamHost and keeps a PeerSet in sync with
// the host's connections.
type Host struct {
	host   host.Host
	peers  *PeerSet
	logger log.Logger
}

var _ StreamHost = (*Host)(nil)

// NewLibp2pHost wraps h. Call Start to begin tracking connections.
func NewLibp2pHost(h host.Host, peers *PeerSet, logger log.Logger) *Host {
	return &Host{host: h, peers: peers, logger: logger}
}

// ID returns the local peer id.
func (h *Host) ID() PeerID { return h.host.ID() }

// Libp2p returns the wrapped libp2p host.
func (h *Host) Libp2p() host.Host { return h.host }

// OpenStream implements StreamOpener.
func (h *Host) OpenStream(ctx context.Context, p PeerID, protocols ...string) (Stream, error) {
	pids := make([]protocol.ID, len(protocols))
	for i, proto := range protocols {
		pids[i] = protocol.ID(proto)
	}
	s, err := h.host.NewStream(ctx, p, pids...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SetStreamHandler implements StreamHost.
func (h *Host) SetStreamHandler(proto string, handler StreamHandler) {
	h.host.SetStreamHandler(protocol.ID(proto), func(s network.Stream) {
		handler(s.Conn().RemotePeer(), string(s.Protocol()), s)
	})
}

// RemoveStreamHandler implements StreamHost.
func (h *Host) RemoveStreamHandler(proto string) {
	h.host.RemoveStreamHandler(protocol.ID(proto))
}

// Start registers connection notifications and disconnects peers the
// PeerSet reports bad until ctx is done.
func (h *Host) Start(ctx context.Context) {
	h.host.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			if !h.peers.Connected(ctx, conn.RemotePeer()) {
				h.logger.Debug("peer set full, closing connection", "peer", conn.RemotePeer())
				// notifiee callbacks must not block on the swarm
				go conn.Close()
			}
		},
		DisconnectedF: func(n network.Network, conn network.Conn) {
			id := conn.RemotePeer()
			if n.Connectedness(id) != network.Connected {
				h.peers.Disconnected(ctx, id)
			}
		},
	})

	updates := h.peers.Subscribe(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case update := <-updates.Updates():
				if update.Status != PeerStatusBad {
					continue
				}
				h.logger.Info("disconnecting bad peer", "peer", update.PeerID)
				if err := h.host.Network().ClosePeer(update.PeerID); err != nil {
					h.logger.Error("failed to disconnect peer", "peer", update.PeerID, "err", err)
				}
			}
		}
	}()
}

// ParsePeerAddrs parses multiaddrs that carry a /p2p/ component.
func ParsePeerAddrs(addrs []string) ([]peer.AddrInfo, error) {
	infos := make([]peer.AddrInfo, 0, len(addrs))
	for _, addr := range addrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid peer address %q: %w", addr, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			return nil, fmt.Errorf("invalid peer address %q: %w", addr, err)
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// ConnectPeers dials each address and returns the ids of the peers it
// parsed. Dial failures are logged, not returned.
func (h *Host) ConnectPeers(ctx context.Context, addrs []string) ([]PeerID, error) {
	infos, err := ParsePeerAddrs(addrs)
	if err != nil {
		return nil, err
	}
	ids := make([]PeerID, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.ID)
		if err := h.host.Connect(ctx, info); err != nil {
			h.logger.Error("failed to connect to peer", "peer", info.ID, "err", err)
		}
	}
	return ids, nil
}

// Close shuts the underlying host down.
func (h *Host) Close() error { return h.host.Close() }

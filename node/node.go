// Package node wires the block store, the chain, the libp2p host, the
// request/response server and the sync reactor into a runnable service.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dbm "github.com/tendermint/tm-db"
	"golang.org/x/sync/errgroup"

	"github.com/dannbbb1/lodestar/config"
	"github.com/dannbbb1/lodestar/internal/blocksync"
	"github.com/dannbbb1/lodestar/internal/chain"
	"github.com/dannbbb1/lodestar/internal/p2p"
	"github.com/dannbbb1/lodestar/internal/reqresp"
	"github.com/dannbbb1/lodestar/internal/reqresp/handlers"
	"github.com/dannbbb1/lodestar/internal/store"
	"github.com/dannbbb1/lodestar/libs/log"
	"github.com/dannbbb1/lodestar/libs/service"
	"github.com/dannbbb1/lodestar/types"
)

const prometheusShutdownTimeout = 5 * time.Second

// Node is a beacon sync node.
type Node struct {
	service.BaseService
	logger log.Logger
	config *config.Config

	db      dbm.DB
	store   *store.BlockStore
	chain   *chain.Chain
	peers   *p2p.PeerSet
	host    *p2p.Host
	server  *reqresp.Server
	reactor *blocksync.Reactor

	digest     types.ForkDigest
	prometheus *http.Server
	cancel     context.CancelFunc
	group      *errgroup.Group

	// ends the reactor's peer update subscription
	unsubscribe context.CancelFunc
}

// New builds a node from cfg. Nothing is started until Start is called.
func New(cfg *config.Config, logger log.Logger) (*Node, error) {
	digest, err := cfg.ParsedForkDigest()
	if err != nil {
		return nil, fmt.Errorf("invalid fork digest: %w", err)
	}
	genesisRoot, err := cfg.ParsedGenesisRoot()
	if err != nil {
		return nil, fmt.Errorf("invalid genesis root: %w", err)
	}

	db, err := dbm.NewDB("blockstore", dbm.BackendType(cfg.DBBackend), cfg.DBDir())
	if err != nil {
		return nil, fmt.Errorf("unable to open block store: %w", err)
	}
	blockStore := store.NewBlockStore(db)

	beaconChain, err := chain.New(logger.With("module", "chain"), blockStore, digest, genesisRoot)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	persistent, err := p2p.ParsePeerAddrs(cfg.P2P.PersistentPeers)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	persistentIDs := make([]p2p.PeerID, len(persistent))
	for i, info := range persistent {
		persistentIDs[i] = info.ID
	}

	lh, err := p2p.NewHost(cfg.P2P)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to create libp2p host: %w", err)
	}
	peers := p2p.NewPeerSet(p2p.PeerSetOptions{
		PersistentPeers: persistentIDs,
		BanScore:        p2p.PeerScore(cfg.P2P.BanScore),
		MaxConnected:    cfg.P2P.MaxPeers,
	})
	host := p2p.NewLibp2pHost(lh, peers, logger.With("module", "p2p"))

	syncMetrics, reqMetrics := blocksync.NopMetrics(), reqresp.NopMetrics()
	if cfg.Instrumentation.Prometheus {
		labels := []string{"moniker", cfg.Moniker}
		syncMetrics = blocksync.PrometheusMetrics(cfg.Instrumentation.Namespace, labels...)
		reqMetrics = reqresp.PrometheusMetrics(cfg.Instrumentation.Namespace, labels...)
	}

	subCtx, unsubscribe := context.WithCancel(context.Background())
	client := reqresp.NewClient(logger.With("module", "reqresp"), host, cfg.AppName, digest, cfg.ReqResp, reqMetrics)
	genesis := time.Unix(cfg.GenesisTime, 0)
	reactor := blocksync.NewReactor(
		logger.With("module", "blocksync"),
		cfg.Sync,
		cfg.UnknownBlock,
		beaconChain,
		blocksync.NewNetwork(client, peers),
		peers,
		blocksync.WithMetrics(syncMetrics),
		blocksync.WithClock(types.SlotClock{GenesisTime: genesis, SecondsPerSlot: cfg.SecondsPerSlot}),
		blocksync.WithPeerUpdates(peers.Subscribe(subCtx)),
	)

	dispatcher := reqresp.NewDispatcher(logger.With("module", "reqresp"))
	h := handlers.New(logger.With("module", "handlers"), digest, blockStore, beaconChain, reactor)
	if err := h.Register(dispatcher); err != nil {
		unsubscribe()
		_ = lh.Close()
		_ = db.Close()
		return nil, err
	}
	server := reqresp.NewServer(logger.With("module", "reqresp"), host, dispatcher, cfg.AppName, cfg.ReqResp, reqMetrics)

	n := &Node{
		logger:  logger,
		config:  cfg,
		db:      db,
		store:   blockStore,
		chain:   beaconChain,
		peers:   peers,
		host:    host,
		server:  server,
		reactor: reactor,
		digest:  digest,

		unsubscribe: unsubscribe,
	}
	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

// OnStart starts the services in dependency order, then dials the
// persistent peers and joins block gossip.
func (n *Node) OnStart(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)
	n.group, ctx = errgroup.WithContext(ctx)

	if n.config.Instrumentation.Prometheus {
		n.prometheus = n.startPrometheusServer(n.config.Instrumentation.PrometheusListenAddr)
	}

	n.host.Start(ctx)
	if err := n.server.Start(ctx); err != nil {
		return err
	}
	if err := n.reactor.Start(ctx); err != nil {
		return err
	}

	if len(n.config.P2P.PersistentPeers) > 0 {
		n.group.Go(func() error {
			if _, err := n.host.ConnectPeers(ctx, n.config.P2P.PersistentPeers); err != nil {
				n.logger.Error("failed to dial persistent peers", "err", err)
			}
			return nil
		})
	}

	if n.config.P2P.GossipEnabled {
		if err := n.startGossip(ctx); err != nil {
			return err
		}
	}

	slot, root := n.chain.Head()
	n.logger.Info("started node", "peer_id", n.host.ID(), "head_slot", slot, "head_root", root, "fork_digest", n.digest)
	return nil
}

func (n *Node) startGossip(ctx context.Context) error {
	ps, err := p2p.NewPubSub(ctx, n.host.Libp2p())
	if err != nil {
		return fmt.Errorf("unable to start gossipsub: %w", err)
	}
	topic := p2p.GossipTopic(n.digest, n.config.P2P.GossipTopic)
	sub, err := p2p.NewBlockSubscriber(ps, topic, n.host.ID(), n.reactor.ReportGossipBlock, n.logger.With("module", "gossip"))
	if err != nil {
		return err
	}
	n.group.Go(func() error { return sub.Run(ctx) })
	return nil
}

// OnStop stops the services in reverse order and closes the block store.
func (n *Node) OnStop() {
	if err := n.reactor.Stop(); err != nil && !errors.Is(err, service.ErrAlreadyStopped) {
		n.logger.Error("failed to stop sync reactor", "err", err)
	}
	if err := n.server.Stop(); err != nil && !errors.Is(err, service.ErrAlreadyStopped) {
		n.logger.Error("failed to stop reqresp server", "err", err)
	}

	if n.prometheus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), prometheusShutdownTimeout)
		defer cancel()
		if err := n.prometheus.Shutdown(ctx); err != nil {
			n.logger.Error("Prometheus HTTP server Shutdown", "err", err)
		}
	}

	if n.cancel != nil {
		n.cancel()
	}
	if n.group != nil {
		if err := n.group.Wait(); err != nil {
			n.logger.Error("background task failed", "err", err)
		}
	}
	n.unsubscribe()

	if err := n.host.Close(); err != nil {
		n.logger.Error("problem shutting down libp2p host", "err", err)
	}
	if err := n.store.Close(); err != nil {
		n.logger.Error("problem closing blockstore", "err", err)
	}
}

// startPrometheusServer starts a Prometheus HTTP server, listening for metrics
// collectors on addr.
func (n *Node) startPrometheusServer(addr string) *http.Server {
	srv := &http.Server{
		Addr: addr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{},
			),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	n.group.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("prometheus server: %w", err)
		}
		return nil
	})
	return srv
}

// Reactor returns the sync reactor.
func (n *Node) Reactor() *blocksync.Reactor { return n.reactor }

// Chain returns the chain the node imports into.
func (n *Node) Chain() *chain.Chain { return n.chain }

// PeerID returns the libp2p id of the node.
func (n *Node) PeerID() p2p.PeerID { return n.host.ID() }

// Package bootnode runs the libp2p bootstrap node: a stable, well-known
// DHT participant that new peers contact first to learn the rest of the
// network. It owns the transport stack, the Kademlia routing table, the
// liveness protocols and the event loop binding them together.
package bootnode

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"mepassa-bootstrap/config"
	"mepassa-bootstrap/core/peerstore"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	kbucket "github.com/libp2p/go-libp2p-kbucket"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	corepeerstore "github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/relay"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	quic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
)

const (
	// ProtocolVersion is exchanged during identify. A mismatch from a
	// remote peer is logged but non-fatal (forward-compatible).
	ProtocolVersion = "/mepassa/1.0.0"

	AgentVersion = "mepassa-bootstrap/1.0.0"

	// RefreshInterval paces the periodic self-lookup that keeps the
	// routing table warm.
	RefreshInterval = 5 * time.Minute

	// EvictInterval paces the background sweep of stale stored peers,
	// in addition to the sweep the runtime performs at startup.
	EvictInterval = 12 * time.Hour

	eventQueueSize = 256
)

// Node is the bootstrap node runtime. All routing-table and live-peer
// mutations happen on the event loop goroutine; other goroutines only
// convert libp2p callbacks into events or read published snapshots.
type Node struct {
	host  host.Host
	dht   *dht.IpfsDHT
	store *peerstore.Store // nil in degraded (memory-only) mode
	cfg   *config.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	events   chan nodeEvent
	liveness *livenessService

	// livePeers is owned exclusively by the event loop; liveCount is
	// its read-only published snapshot.
	livePeers map[peer.ID]int
	liveCount atomic.Int64

	startTime time.Time
}

// New builds the libp2p host (TCP + QUIC listeners, noise encryption,
// yamux multiplexing, relay service, hole punching), attaches the
// Kademlia DHT in server mode, pre-seeds the routing table from the
// persistent store, and starts the event loop. store may be nil, in
// which case the node runs with an in-memory routing table only.
func New(ctx context.Context, cfg *config.Config, privKey crypto.PrivKey, store *peerstore.Store) (*Node, error) {
	listenAddrs := []string{
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.P2PPort),
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", cfg.P2PPort),
	}

	rc := relay.DefaultResources()
	rc.MaxReservations = cfg.RelayMaxCircuits
	rc.MaxCircuits = cfg.RelayMaxPerPeer
	rc.ReservationTTL = time.Hour
	rc.Limit = &relay.RelayLimit{
		Duration: 2 * time.Minute,
		Data:     cfg.RelayMaxBytesPerSecond,
	}

	opts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(quic.NewTransport),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.ProtocolVersion(ProtocolVersion),
		libp2p.UserAgent(AgentVersion),
		libp2p.EnableHolePunching(),
	}
	if cfg.RelayEnabled {
		log.Printf("Relay service enabled (max %d reservations, %d circuits per peer)",
			cfg.RelayMaxCircuits, cfg.RelayMaxPerPeer)
		opts = append(opts, libp2p.EnableRelayService(relay.WithResources(rc)))
	}

	var nodeDHT *dht.IpfsDHT
	opts = append(opts, libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
		var err error
		nodeDHT, err = dht.New(ctx, h,
			dht.Mode(dht.ModeServer),
			dht.BucketSize(cfg.BucketSize),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create DHT: %w", err)
		}
		return nodeDHT, nil
	}))

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	n := &Node{
		host:      h,
		dht:       nodeDHT,
		store:     store,
		cfg:       cfg,
		ctx:       nodeCtx,
		cancel:    cancel,
		events:    make(chan nodeEvent, eventQueueSize),
		livePeers: make(map[peer.ID]int),
		startTime: time.Now(),
	}
	n.liveness = newLivenessService(nodeCtx, h, func(p peer.ID) {
		n.sendEvent(pingFailedEvent{peer: p})
	})

	// Seed the routing table from storage before any network activity,
	// so a restart does not begin from a cold table. Non-fatal: an
	// empty table only slows rediscovery.
	if store != nil {
		if err := n.seedRoutingTable(); err != nil {
			log.Printf("Warning: failed to pre-seed routing table: %v", err)
		}
	}

	if err := n.subscribeIdentify(); err != nil {
		h.Close()
		cancel()
		return nil, err
	}
	h.Network().Notify(&networkNotifiee{node: n})

	n.wg.Add(1)
	go n.run()

	go func() {
		if err := n.bootstrapDHT(); err != nil {
			log.Printf("Warning: failed to bootstrap DHT: %v", err)
		}
	}()

	log.Printf("Bootstrap node started with ID: %s", h.ID())
	log.Printf("Listening on addresses:")
	for _, addr := range h.Addrs() {
		log.Printf("  %s/p2p/%s", addr, h.ID())
	}

	return n, nil
}

// seedRoutingTable loads every non-evicted stored peer and inserts it
// into the DHT routing table.
func (n *Node) seedRoutingTable() error {
	peers, err := n.store.LoadPeers()
	if err != nil {
		return err
	}
	seeded := 0
	for _, pa := range peers {
		if n.AddAddresses(pa.ID, pa.Addrs) {
			seeded++
		}
	}
	log.Printf("Pre-seeded routing table with %d of %d stored peers", seeded, len(peers))
	return nil
}

// AddAddresses records the peer's addresses and inserts it into the
// correct distance bucket; a full bucket displaces the least useful
// entry. Reports whether the peer ended up in the table.
func (n *Node) AddAddresses(p peer.ID, addrs []multiaddr.Multiaddr) bool {
	n.host.Peerstore().AddAddrs(p, addrs, corepeerstore.PermanentAddrTTL)
	added, err := n.dht.RoutingTable().TryAddPeer(p, true, true)
	if err != nil {
		log.Printf("Routing table rejected peer %s: %v", p, err)
		return false
	}
	return added
}

// RemoveAddress forgets one address of a peer. When no addresses
// remain the peer is dropped from the routing table as well.
func (n *Node) RemoveAddress(p peer.ID, addr multiaddr.Multiaddr) {
	var kept []multiaddr.Multiaddr
	for _, a := range n.host.Peerstore().Addrs(p) {
		if !a.Equal(addr) {
			kept = append(kept, a)
		}
	}
	n.host.Peerstore().ClearAddrs(p)
	if len(kept) == 0 {
		n.dht.RoutingTable().RemovePeer(p)
		return
	}
	n.host.Peerstore().AddAddrs(p, kept, corepeerstore.PermanentAddrTTL)
}

// bootstrapDHT kicks off the DHT's refresh machinery.
func (n *Node) bootstrapDHT() error {
	log.Printf("Bootstrapping DHT...")
	ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
	defer cancel()
	return n.dht.Bootstrap(ctx)
}

// selfLookup queries the DHT for the local identifier. Finding the
// closest peers to ourselves keeps nearby buckets populated. Success
// and timeout are reported through the same event so the loop treats
// both as ordinary outcomes.
func (n *Node) selfLookup() {
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.QueryTimeout)
	defer cancel()

	start := time.Now()
	peers, err := n.dht.GetClosestPeers(ctx, string(n.host.ID()))
	ev := queryEvent{peers: len(peers), elapsed: time.Since(start)}
	switch {
	case err == nil:
		ev.outcome = "completed"
	case ctx.Err() == context.DeadlineExceeded:
		ev.outcome = "timed_out"
	default:
		ev.outcome = "failed"
		ev.err = err
	}
	n.sendEvent(ev)
}

// ID returns the node's peer ID.
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Addrs returns the node's fully-qualified listen addresses.
func (n *Node) Addrs() []string {
	var addrs []string
	for _, addr := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", addr, n.host.ID()))
	}
	return addrs
}

// PeerCount returns the number of currently connected peers. Safe for
// concurrent use; the event loop is the sole writer.
func (n *Node) PeerCount() int {
	return int(n.liveCount.Load())
}

// RoutingTableSize returns the number of peers in the DHT routing table.
func (n *Node) RoutingTableSize() int {
	return n.dht.RoutingTable().Size()
}

// GetNetworkStats returns network statistics for the observability API.
func (n *Node) GetNetworkStats() map[string]interface{} {
	rt := n.dht.RoutingTable()
	nearest := rt.NearestPeers(kbucket.ConvertPeerID(n.host.ID()), n.cfg.BucketSize)
	nearestIDs := make([]string, len(nearest))
	for i, p := range nearest {
		nearestIDs[i] = p.String()
	}
	return map[string]interface{}{
		"peer_id":         n.ID().String(),
		"addresses":       n.Addrs(),
		"connected_peers": n.PeerCount(),
		"dht": map[string]interface{}{
			"routing_table_size": rt.Size(),
			"bucket_size":        n.cfg.BucketSize,
			"nearest_peers":      nearestIDs,
		},
	}
}

// Close shuts down the node. The persistent store is owned by the
// caller and closed separately, after the node, so queued writes drain.
func (n *Node) Close() error {
	n.cancel()
	n.wg.Wait()

	var errs []error
	if err := n.dht.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing DHT: %w", err))
	}
	if err := n.host.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing host: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}

// subscribeIdentify forwards identify results onto the event queue.
func (n *Node) subscribeIdentify() error {
	sub, err := n.host.EventBus().Subscribe(new(event.EvtPeerIdentificationCompleted))
	if err != nil {
		return fmt.Errorf("failed to subscribe to identify events: %w", err)
	}
	go func() {
		defer sub.Close()
		for {
			select {
			case <-n.ctx.Done():
				return
			case e, ok := <-sub.Out():
				if !ok {
					return
				}
				evt := e.(event.EvtPeerIdentificationCompleted)
				n.sendEvent(identifyEvent{
					peer:            evt.Peer,
					listenAddrs:     evt.ListenAddrs,
					protocolVersion: evt.ProtocolVersion,
					agentVersion:    evt.AgentVersion,
				})
			}
		}
	}()
	return nil
}

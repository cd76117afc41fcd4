package bootnode

import (
	"log"
	"time"

	"mepassa-bootstrap/network/mtr"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// nodeEvent is the closed set of events the loop dispatches on. New
// kinds must be added to dispatch or the type switch default will flag
// them at runtime.
type nodeEvent interface {
	isNodeEvent()
}

// connEvent reports a connection opened or closed.
type connEvent struct {
	peer       peer.ID
	remoteAddr multiaddr.Multiaddr
	direction  network.Direction
	connected  bool
}

// listenEvent reports a new local listen address.
type listenEvent struct {
	addr multiaddr.Multiaddr
}

// identifyEvent carries a remote peer's self-reported listen addresses
// and version strings.
type identifyEvent struct {
	peer            peer.ID
	listenAddrs     []multiaddr.Multiaddr
	protocolVersion string
	agentVersion    string
}

// pingFailedEvent reports a peer whose liveness probe exhausted its
// retry budget.
type pingFailedEvent struct {
	peer peer.ID
}

// queryEvent reports the terminal outcome of a DHT self-lookup.
// Completed and timed-out queries flow through the same path so both
// are logged and counted uniformly.
type queryEvent struct {
	outcome string
	peers   int
	elapsed time.Duration
	err     error
}

func (connEvent) isNodeEvent()       {}
func (listenEvent) isNodeEvent()     {}
func (identifyEvent) isNodeEvent()   {}
func (pingFailedEvent) isNodeEvent() {}
func (queryEvent) isNodeEvent()      {}

// sendEvent enqueues an event without blocking the caller. The queue is
// bounded; overflow drops the event and counts it.
func (n *Node) sendEvent(ev nodeEvent) {
	select {
	case n.events <- ev:
	case <-n.ctx.Done():
	default:
		log.Printf("Event queue full, dropping %T", ev)
		mtr.EventsDroppedTotal.Inc()
	}
}

// run is the single driver of the node: the only goroutine that
// mutates the routing table and the live-peer view.
func (n *Node) run() {
	defer n.wg.Done()

	refreshTicker := time.NewTicker(RefreshInterval)
	evictTicker := time.NewTicker(EvictInterval)
	defer refreshTicker.Stop()
	defer evictTicker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case ev := <-n.events:
			n.dispatch(ev)
		case <-refreshTicker.C:
			go n.selfLookup()
		case <-evictTicker.C:
			n.evictStalePeers()
		}
	}
}

func (n *Node) dispatch(ev nodeEvent) {
	switch e := ev.(type) {
	case connEvent:
		n.handleConn(e)
	case listenEvent:
		log.Printf("Listening on: %s/p2p/%s", e.addr, n.host.ID())
	case identifyEvent:
		n.handleIdentify(e)
	case pingFailedEvent:
		n.handlePingFailed(e)
	case queryEvent:
		n.handleQuery(e)
	default:
		log.Printf("Unhandled node event %T", ev)
	}
}

// handleConn updates the live-peer view. An established connection
// registers the remote address in the routing table and the persistent
// store. A closed connection is log-only beyond the counter: Kademlia
// relies on ping/timeout eviction, so a transient blip must not
// discard useful routing data.
func (n *Node) handleConn(e connEvent) {
	if e.connected {
		mtr.PeerConnectionsTotal.Inc()
		n.livePeers[e.peer]++
		if n.livePeers[e.peer] == 1 {
			n.liveCount.Store(int64(len(n.livePeers)))
			n.liveness.Monitor(e.peer)
		}

		log.Printf("Connection established with %s (%s, %s)", e.peer, e.remoteAddr, e.direction)
		n.AddAddresses(e.peer, []multiaddr.Multiaddr{e.remoteAddr})
		if n.store != nil {
			n.store.UpsertAsync(e.peer, e.remoteAddr)
		}
		return
	}

	mtr.PeerDisconnectionsTotal.Inc()
	if n.livePeers[e.peer] > 0 {
		n.livePeers[e.peer]--
	}
	if n.livePeers[e.peer] == 0 {
		delete(n.livePeers, e.peer)
		n.liveCount.Store(int64(len(n.livePeers)))
		n.liveness.Stop(e.peer)
	}
	log.Printf("Connection closed with %s", e.peer)
}

// handleIdentify records the peer's self-reported listen addresses in
// both the routing table and the persistent store. A protocol-version
// mismatch is logged but tolerated.
func (n *Node) handleIdentify(e identifyEvent) {
	if e.protocolVersion != ProtocolVersion {
		log.Printf("Peer %s reports protocol version %q (ours %q), continuing",
			e.peer, e.protocolVersion, ProtocolVersion)
	}
	log.Printf("Identified peer %s: agent=%s, %d listen addrs",
		e.peer, e.agentVersion, len(e.listenAddrs))

	n.AddAddresses(e.peer, e.listenAddrs)
	if n.store != nil {
		for _, addr := range e.listenAddrs {
			n.store.UpsertAsync(e.peer, addr)
		}
	}
}

// handlePingFailed drops every known address of the peer, which also
// removes it from the routing table, and closes its connections. The
// persistent store is deliberately left untouched: history is retained
// for future reconnection.
func (n *Node) handlePingFailed(e pingFailedEvent) {
	log.Printf("Peer %s failed liveness checks, evicting from routing table", e.peer)
	for _, addr := range n.host.Peerstore().Addrs(e.peer) {
		n.RemoveAddress(e.peer, addr)
	}
	// Covers peers the table holds without any recorded address.
	n.dht.RoutingTable().RemovePeer(e.peer)
	if err := n.host.Network().ClosePeer(e.peer); err != nil {
		log.Printf("Failed to close connections to %s: %v", e.peer, err)
		mtr.ConnectionErrorsTotal.WithLabelValues("close").Inc()
	}
	mtr.ConnectionResetTotal.Inc()
}

// handleQuery logs a terminal query outcome. Timeout is an expected
// result of querying unresponsive peers, not an exception.
func (n *Node) handleQuery(e queryEvent) {
	mtr.DHTQueriesTotal.WithLabelValues(e.outcome).Inc()
	switch e.outcome {
	case "failed":
		log.Printf("DHT self-lookup failed after %s: %v", e.elapsed.Round(time.Millisecond), e.err)
	default:
		log.Printf("DHT self-lookup %s: %d peers in %s",
			e.outcome, e.peers, e.elapsed.Round(time.Millisecond))
	}
}

// evictStalePeers runs the periodic store sweep off the startup path.
func (n *Node) evictStalePeers() {
	if n.store == nil {
		return
	}
	if _, err := n.store.EvictStale(n.cfg.MaxPeerAge); err != nil {
		log.Printf("Failed to evict stale peers: %v", err)
	}
}

// networkNotifiee converts libp2p network callbacks into loop events.
// It never touches node state directly.
type networkNotifiee struct {
	node *Node
}

func (nn *networkNotifiee) Connected(_ network.Network, conn network.Conn) {
	nn.node.sendEvent(connEvent{
		peer:       conn.RemotePeer(),
		remoteAddr: conn.RemoteMultiaddr(),
		direction:  conn.Stat().Direction,
		connected:  true,
	})
}

func (nn *networkNotifiee) Disconnected(_ network.Network, conn network.Conn) {
	nn.node.sendEvent(connEvent{
		peer:       conn.RemotePeer(),
		remoteAddr: conn.RemoteMultiaddr(),
		direction:  conn.Stat().Direction,
		connected:  false,
	})
}

func (nn *networkNotifiee) Listen(_ network.Network, addr multiaddr.Multiaddr) {
	nn.node.sendEvent(listenEvent{addr: addr})
}

func (nn *networkNotifiee) ListenClose(_ network.Network, _ multiaddr.Multiaddr) {}

package bootnode

import (
	"context"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"mepassa-bootstrap/config"
	"mepassa-bootstrap/core/identity"
	"mepassa-bootstrap/core/peerstore"
	"mepassa-bootstrap/network/mtr"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		P2PPort:      0, // OS-assigned
		HealthPort:   0,
		PeerIDSeed:   "test-bootstrap",
		LogLevel:     "info",
		MaxPeerAge:   7 * 24 * time.Hour,
		QueryTimeout: 5 * time.Second,
		BucketSize:   config.DefaultBucketSize,
		RelayEnabled: false,
	}
}

func newTestNode(t *testing.T, store *peerstore.Store) *Node {
	t.Helper()
	priv, _, err := identity.Derive("test-bootstrap")
	require.NoError(t, err)

	node, err := New(context.Background(), testConfig(), priv, store)
	require.NoError(t, err)
	t.Cleanup(func() { node.Close() })
	return node
}

func randomPeer(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	p, err := peer.IDFromPublicKey(priv.GetPublic())
	require.NoError(t, err)
	return p
}

func addrFor(t *testing.T, port int) multiaddr.Multiaddr {
	t.Helper()
	a, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", port))
	require.NoError(t, err)
	return a
}

func TestColdStartSeedsRoutingTable(t *testing.T) {
	store, err := peerstore.Open(filepath.Join(t.TempDir(), "dht.db"))
	require.NoError(t, err)
	defer store.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Upsert(randomPeer(t), addrFor(t, 4001+i)))
	}

	// The table must hold the stored peers before any network activity.
	node := newTestNode(t, store)
	require.Equal(t, 3, node.RoutingTableSize())
	require.Equal(t, 0, node.PeerCount())
}

func TestColdStartWithoutStore(t *testing.T) {
	node := newTestNode(t, nil)
	require.Equal(t, 0, node.RoutingTableSize())
	require.Equal(t, 0, node.PeerCount())
}

func TestBucketCapacityBounded(t *testing.T) {
	node := newTestNode(t, nil)

	for i := 0; i < 128; i++ {
		node.AddAddresses(randomPeer(t), []multiaddr.Multiaddr{addrFor(t, 10000+i)})
	}

	// Roughly half of random IDs share prefix length 0 with the local
	// ID, far more than one bucket holds; no bucket may exceed k.
	rt := node.dht.RoutingTable()
	for cpl := uint(0); cpl < 8; cpl++ {
		require.LessOrEqual(t, rt.NPeersForCpl(cpl), node.cfg.BucketSize,
			"bucket for cpl %d exceeds k", cpl)
	}
}

func TestLiveCountTracksConnectionEvents(t *testing.T) {
	node := newTestNode(t, nil)
	p := randomPeer(t)
	addr := addrFor(t, 4009)

	node.sendEvent(connEvent{peer: p, remoteAddr: addr, direction: network.DirInbound, connected: true})
	require.Eventually(t, func() bool { return node.PeerCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// A second connection from the same peer must not double-count.
	node.sendEvent(connEvent{peer: p, remoteAddr: addr, direction: network.DirInbound, connected: true})
	node.sendEvent(connEvent{peer: p, remoteAddr: addr, direction: network.DirInbound, connected: false})
	require.Eventually(t, func() bool { return node.PeerCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	node.sendEvent(connEvent{peer: p, remoteAddr: addr, direction: network.DirInbound, connected: false})
	require.Eventually(t, func() bool { return node.PeerCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestConnectionClosedKeepsRoutingEntry(t *testing.T) {
	node := newTestNode(t, nil)
	p := randomPeer(t)
	addr := addrFor(t, 4010)

	node.sendEvent(connEvent{peer: p, remoteAddr: addr, direction: network.DirInbound, connected: true})
	require.Eventually(t, func() bool { return node.RoutingTableSize() == 1 },
		2*time.Second, 10*time.Millisecond)

	// Disconnection alone must not evict: ping/timeout is the sole
	// eviction trigger, so transient blips keep their routing data.
	node.sendEvent(connEvent{peer: p, remoteAddr: addr, direction: network.DirInbound, connected: false})
	require.Eventually(t, func() bool { return node.PeerCount() == 0 },
		2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, node.RoutingTableSize())
}

func TestPingFailureEvictsFromRoutingTable(t *testing.T) {
	node := newTestNode(t, nil)
	p := randomPeer(t)
	addr := addrFor(t, 4011)

	node.sendEvent(connEvent{peer: p, remoteAddr: addr, direction: network.DirInbound, connected: true})
	require.Eventually(t, func() bool { return node.RoutingTableSize() == 1 },
		2*time.Second, 10*time.Millisecond)

	node.sendEvent(pingFailedEvent{peer: p})
	require.Eventually(t, func() bool { return node.RoutingTableSize() == 0 },
		2*time.Second, 10*time.Millisecond)
	require.Empty(t, node.host.Peerstore().Addrs(p))
}

func TestRemoveAddressKeepsPeerUntilLastAddress(t *testing.T) {
	node := newTestNode(t, nil)
	p := randomPeer(t)
	a1 := addrFor(t, 4020)
	a2 := addrFor(t, 4021)

	require.True(t, node.AddAddresses(p, []multiaddr.Multiaddr{a1, a2}))

	// Losing one address keeps the peer routable via the other.
	node.RemoveAddress(p, a1)
	require.Equal(t, 1, node.RoutingTableSize())
	require.ElementsMatch(t, []multiaddr.Multiaddr{a2}, node.host.Peerstore().Addrs(p))

	// Losing the last address drops the peer from the table entirely.
	node.RemoveAddress(p, a2)
	require.Equal(t, 0, node.RoutingTableSize())
	require.Empty(t, node.host.Peerstore().Addrs(p))
}

func TestQueryOutcomesCountedUniformly(t *testing.T) {
	node := newTestNode(t, nil)

	completed := testutil.ToFloat64(mtr.DHTQueriesTotal.WithLabelValues("completed"))
	timedOut := testutil.ToFloat64(mtr.DHTQueriesTotal.WithLabelValues("timed_out"))

	// A timed-out lookup flows through the same event as a completed
	// one; both are counted, neither is treated as exceptional.
	node.sendEvent(queryEvent{outcome: "completed", peers: 4, elapsed: 800 * time.Millisecond})
	node.sendEvent(queryEvent{outcome: "timed_out", elapsed: 5 * time.Second})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(mtr.DHTQueriesTotal.WithLabelValues("completed")) == completed+1 &&
			testutil.ToFloat64(mtr.DHTQueriesTotal.WithLabelValues("timed_out")) == timedOut+1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIdentifyRecordsLearnedAddresses(t *testing.T) {
	store, err := peerstore.Open(filepath.Join(t.TempDir(), "dht.db"))
	require.NoError(t, err)
	defer store.Close()

	node := newTestNode(t, store)
	p := randomPeer(t)

	node.sendEvent(identifyEvent{
		peer:            p,
		listenAddrs:     []multiaddr.Multiaddr{addrFor(t, 4012), addrFor(t, 4013)},
		protocolVersion: "/mepassa/0.9.0", // mismatch is tolerated
		agentVersion:    "test-agent/1.0",
	})

	require.Eventually(t, func() bool { return node.RoutingTableSize() == 1 },
		2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		st, err := store.GetStats()
		return err == nil && st.Peers == 1 && st.Addresses == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeterministicNodeIdentity(t *testing.T) {
	_, want, err := identity.Derive("test-bootstrap")
	require.NoError(t, err)

	node := newTestNode(t, nil)
	require.Equal(t, want, node.ID())
}

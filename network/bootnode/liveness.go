package bootnode

import (
	"context"
	"log"
	"sync"
	"time"

	"mepassa-bootstrap/network/mtr"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
)

const (
	PingInterval = 15 * time.Second
	PingTimeout  = 30 * time.Second

	// PingRetryBudget is the number of consecutive failures tolerated
	// before a connection is declared dead.
	PingRetryBudget = 3
)

// livenessService probes each open connection with the libp2p ping
// protocol. When a peer exhausts the retry budget it is reported to
// the event loop, which owns the actual eviction.
type livenessService struct {
	host   host.Host
	ctx    context.Context
	report func(peer.ID)

	monitoredMu sync.Mutex
	monitored   map[peer.ID]context.CancelFunc
}

func newLivenessService(ctx context.Context, h host.Host, report func(peer.ID)) *livenessService {
	return &livenessService{
		host:      h,
		ctx:       ctx,
		report:    report,
		monitored: make(map[peer.ID]context.CancelFunc),
	}
}

// Monitor starts the probe loop for a peer. No-op if already monitored.
func (ls *livenessService) Monitor(p peer.ID) {
	ls.monitoredMu.Lock()
	if _, exists := ls.monitored[p]; exists {
		ls.monitoredMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ls.ctx)
	ls.monitored[p] = cancel
	ls.monitoredMu.Unlock()

	go ls.monitor(ctx, p)
}

// Stop cancels the probe loop for a peer.
func (ls *livenessService) Stop(p peer.ID) {
	ls.monitoredMu.Lock()
	if cancel, exists := ls.monitored[p]; exists {
		cancel()
		delete(ls.monitored, p)
	}
	ls.monitoredMu.Unlock()
}

func (ls *livenessService) monitor(ctx context.Context, p peer.ID) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	defer ls.Stop(p)

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ls.probe(ctx, p); err != nil {
				failures++
				mtr.PingFailuresTotal.Inc()
				log.Printf("Ping to %s failed (%d/%d): %v", p, failures, PingRetryBudget, err)
				if failures >= PingRetryBudget {
					ls.report(p)
					return
				}
				continue
			}
			// Successful probes are routine; keep them out of the logs.
			failures = 0
		}
	}
}

// probe performs a single round trip.
func (ls *livenessService) probe(ctx context.Context, p peer.ID) (time.Duration, error) {
	pingCtx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()

	res, ok := <-ping.Ping(pingCtx, ls.host, p)
	if !ok {
		return 0, pingCtx.Err()
	}
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RTT, nil
}

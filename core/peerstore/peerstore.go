// Package peerstore is the persistent cache of observed peer addresses.
// It pre-populates the DHT routing table on restart so the node avoids
// cold starts. Storage accelerates restart but is not required for
// correctness of the live DHT: callers are expected to continue in
// degraded mode when the store is unavailable.
package peerstore

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"mepassa-bootstrap/network/mtr"

	"github.com/libp2p/go-libp2p/core/peer"
	_ "github.com/mattn/go-sqlite3"
	"github.com/multiformats/go-multiaddr"
)

// writeQueueSize bounds the async write queue. Under sustained overload
// further writes are dropped and counted rather than queued without bound.
const writeQueueSize = 256

// nowUnix returns the current epoch seconds. Variable so tests can
// control record timestamps.
var nowUnix = func() int64 { return time.Now().Unix() }

// PeerAddrs groups the stored addresses of a single peer.
type PeerAddrs struct {
	ID    peer.ID
	Addrs []multiaddr.Multiaddr
}

// Stats summarizes the store contents.
type Stats struct {
	Peers     int `json:"peer_count"`
	Addresses int `json:"address_count"`
}

type writeReq struct {
	peerID string
	addr   string
}

// Store is a SQLite-backed peer address cache. The composite primary
// key is (peer_id, multiaddr); a peer may hold several simultaneously
// valid addresses. Asynchronous writes are serialized by a dedicated
// writer goroutine so disk I/O never blocks the network event path.
type Store struct {
	db     *sql.DB
	writes chan writeReq
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// Open opens or creates the peer database at path and initializes the
// schema. WAL journal mode keeps readers unblocked by in-flight writes
// and protects historical records from a crash mid-write.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open peer database: %w", err)
	}

	// SQLite allows one writer at a time; funnel everything through a
	// single connection instead of fighting over the write lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dht_peers (
			peer_id    TEXT NOT NULL,
			multiaddr  TEXT NOT NULL,
			first_seen INTEGER NOT NULL,
			last_seen  INTEGER NOT NULL,
			PRIMARY KEY (peer_id, multiaddr)
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create peer table: %w", err)
	}
	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_last_seen ON dht_peers(last_seen)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create last_seen index: %w", err)
	}

	s := &Store{
		db:     db,
		writes: make(chan writeReq, writeQueueSize),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.runWriter()

	log.Printf("Peer store ready at %s", path)
	return s, nil
}

// Close drains queued writes and closes the database. It must be called
// before process exit so no accepted write is silently lost.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// runWriter owns all asynchronous writes. On shutdown it drains
// whatever is still queued before returning.
func (s *Store) runWriter() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.writes:
			s.apply(req)
		case <-s.done:
			for {
				select {
				case req := <-s.writes:
					s.apply(req)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) apply(req writeReq) {
	if err := s.upsert(req.peerID, req.addr); err != nil {
		log.Printf("Failed to save peer %s to store: %v", req.peerID, err)
		mtr.StorageWriteFailuresTotal.Inc()
		return
	}
	mtr.StorageWritesTotal.Inc()
}

// Upsert inserts or refreshes a peer address record. first_seen is set
// only on first insert; last_seen always advances to now. Idempotent
// under repeated calls with the same key.
func (s *Store) Upsert(p peer.ID, addr multiaddr.Multiaddr) error {
	return s.upsert(p.String(), addr.String())
}

func (s *Store) upsert(peerID, addr string) error {
	now := nowUnix()
	_, err := s.db.Exec(`
		INSERT INTO dht_peers (peer_id, multiaddr, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_id, multiaddr)
		DO UPDATE SET last_seen = excluded.last_seen`,
		peerID, addr, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert peer record: %w", err)
	}
	return nil
}

// UpsertAsync queues an upsert for the writer goroutine without
// blocking. If the queue is full the write is dropped and counted; the
// record will be refreshed on the peer's next observation.
func (s *Store) UpsertAsync(p peer.ID, addr multiaddr.Multiaddr) {
	select {
	case s.writes <- writeReq{peerID: p.String(), addr: addr.String()}:
	default:
		log.Printf("Peer store write queue full, dropping record for %s", p)
		mtr.StorageDroppedWritesTotal.Inc()
	}
}

// Remove deletes a single peer address record.
func (s *Store) Remove(p peer.ID, addr multiaddr.Multiaddr) error {
	_, err := s.db.Exec(`
		DELETE FROM dht_peers WHERE peer_id = ? AND multiaddr = ?`,
		p.String(), addr.String())
	if err != nil {
		return fmt.Errorf("failed to remove peer record: %w", err)
	}
	return nil
}

// LoadPeers returns every stored record grouped by peer ID. Malformed
// rows are logged and skipped rather than failing the whole load.
func (s *Store) LoadPeers() ([]PeerAddrs, error) {
	rows, err := s.db.Query(`
		SELECT peer_id, multiaddr FROM dht_peers ORDER BY peer_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query peer records: %w", err)
	}
	defer rows.Close()

	byPeer := make(map[peer.ID][]multiaddr.Multiaddr)
	var order []peer.ID
	for rows.Next() {
		var peerIDStr, addrStr string
		if err := rows.Scan(&peerIDStr, &addrStr); err != nil {
			return nil, fmt.Errorf("failed to scan peer record: %w", err)
		}

		p, err := peer.Decode(peerIDStr)
		if err != nil {
			log.Printf("Invalid peer_id in database: %s - %v", peerIDStr, err)
			continue
		}
		addr, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			log.Printf("Invalid multiaddr in database: %s - %v", addrStr, err)
			continue
		}

		if _, ok := byPeer[p]; !ok {
			order = append(order, p)
		}
		byPeer[p] = append(byPeer[p], addr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate peer records: %w", err)
	}

	peers := make([]PeerAddrs, 0, len(order))
	addrCount := 0
	for _, p := range order {
		peers = append(peers, PeerAddrs{ID: p, Addrs: byPeer[p]})
		addrCount += len(byPeer[p])
	}

	log.Printf("Loaded %d peers with %d addresses from storage", len(peers), addrCount)
	return peers, nil
}

// EvictStale deletes every record whose last_seen is older than
// now - maxAge and returns the number removed.
func (s *Store) EvictStale(maxAge time.Duration) (int, error) {
	cutoff := nowUnix() - int64(maxAge.Seconds())
	res, err := s.db.Exec(`DELETE FROM dht_peers WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to evict stale peers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count evicted peers: %w", err)
	}
	if n > 0 {
		log.Printf("Evicted %d stale peer records (older than %s)", n, maxAge)
		mtr.StaleEvictionsTotal.Add(float64(n))
	}
	return int(n), nil
}

// GetStats returns the distinct peer count and total address count.
func (s *Store) GetStats() (Stats, error) {
	var st Stats
	if err := s.db.QueryRow(
		`SELECT COUNT(DISTINCT peer_id) FROM dht_peers`).Scan(&st.Peers); err != nil {
		return Stats{}, fmt.Errorf("failed to count peers: %w", err)
	}
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM dht_peers`).Scan(&st.Addresses); err != nil {
		return Stats{}, fmt.Errorf("failed to count addresses: %w", err)
	}
	return st, nil
}

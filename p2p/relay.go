package p2p

import (
	"log/slog"
	"math/rand"
	"net"
	"sort"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// relayCounter accumulates per-peer relay accounting.
type relayCounter struct {
	messages   uint64
	bytes      uint64
	duplicates uint64
	lastSeen   time.Time
}

// RelayerStats tracks which peers send us duplicate gossip and which message
// digests we saw recently. Both tables are bounded; insertion past the bound
// evicts a random entry, so a hostile peer cannot force targeted eviction.
type RelayerStats struct {
	counters map[PeerIdentity]*relayCounter
	recent   map[[32]byte]time.Time

	maxEntries int
	dedupTTL   time.Duration
	rng        *rand.Rand
}

func NewRelayerStats(maxEntries int, dedupTTL time.Duration, rng *rand.Rand) *RelayerStats {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	if dedupTTL <= 0 {
		dedupTTL = 10 * time.Minute
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &RelayerStats{
		counters:   make(map[PeerIdentity]*relayCounter),
		recent:     make(map[[32]byte]time.Time),
		maxEntries: maxEntries,
		dedupTTL:   dedupTTL,
		rng:        rng,
	}
}

// MessageDigest derives the dedup key for a payload.
func MessageDigest(data []byte) [32]byte {
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256(data))
	return out
}

func (s *RelayerStats) counter(identity PeerIdentity) *relayCounter {
	c, ok := s.counters[identity]
	if !ok {
		if len(s.counters) >= s.maxEntries {
			s.evictRandomCounter()
		}
		c = &relayCounter{}
		s.counters[identity] = c
	}
	return c
}

func (s *RelayerStats) evictRandomCounter() {
	victim := s.rng.Intn(len(s.counters))
	i := 0
	for identity := range s.counters {
		if i == victim {
			delete(s.counters, identity)
			return
		}
		i++
	}
}

// NoteReceived records one relayed payload from a peer and reports whether
// it duplicated something seen within the dedup window.
func (s *RelayerStats) NoteReceived(identity PeerIdentity, digest [32]byte, size int, now time.Time) bool {
	c := s.counter(identity)
	c.messages++
	c.bytes += uint64(size)
	c.lastSeen = now

	seenAt, dup := s.recent[digest]
	if dup && now.Sub(seenAt) > s.dedupTTL {
		dup = false
	}
	if dup {
		c.duplicates++
	} else {
		if len(s.recent) >= s.maxEntries {
			s.evictRandomRecent()
		}
		s.recent[digest] = now
	}
	return dup
}

func (s *RelayerStats) evictRandomRecent() {
	victim := s.rng.Intn(len(s.recent))
	i := 0
	for digest := range s.recent {
		if i == victim {
			delete(s.recent, digest)
			return
		}
		i++
	}
}

// Duplicates returns how many duplicate payloads the peer has relayed to us.
func (s *RelayerStats) Duplicates(identity PeerIdentity) uint64 {
	if c, ok := s.counters[identity]; ok {
		return c.duplicates
	}
	return 0
}

// Expire drops recent-message entries older than the dedup window.
func (s *RelayerStats) Expire(now time.Time) {
	for digest, seen := range s.recent {
		if now.Sub(seen) > s.dedupTTL {
			delete(s.recent, digest)
		}
	}
}

// addrPrefix buckets an address into a network vicinity. IPv4 addresses
// group by /16, everything else by the first half of the string form.
func addrPrefix(addr string) string {
	ip := net.ParseIP(addr)
	if v4 := ip.To4(); v4 != nil {
		return net.IP{v4[0], v4[1]}.String()
	}
	if len(addr) > 8 {
		return addr[:8]
	}
	return addr
}

type broadcastCandidate struct {
	session SessionID
	keyHash [20]byte
	weight  float64
}

// sampleWeighted draws up to limit candidates without replacement, with
// probability proportional to weight.
func sampleWeighted(rng *rand.Rand, candidates []broadcastCandidate, limit int) []broadcastCandidate {
	pool := make([]broadcastCandidate, len(candidates))
	copy(pool, candidates)
	var chosen []broadcastCandidate
	for len(chosen) < limit && len(pool) > 0 {
		total := 0.0
		for _, c := range pool {
			total += c.weight
		}
		pick := len(pool) - 1
		if total > 0 {
			r := rng.Float64() * total
			for i, c := range pool {
				r -= c.weight
				if r <= 0 {
					pick = i
					break
				}
			}
		} else {
			pick = rng.Intn(len(pool))
		}
		chosen = append(chosen, pool[pick])
		pool = append(pool[:pick], pool[pick+1:]...)
	}
	return chosen
}

// sampleBroadcastPeers selects the gossip fan-out for one payload: outbound
// sessions weighted for address diversity, inbound sessions weighted toward
// peers that rarely echo back what we send them. Peers whose key hash
// appears in the relay hints are excluded, and reciprocal inbound/outbound
// pairs are coalesced into a single delivery.
func (n *PeerNetwork) sampleBroadcastPeers(relayHints []RelayHint) []SessionID {
	excluded := make(map[[20]byte]struct{}, len(relayHints))
	for _, hint := range relayHints {
		excluded[hint.PublicKeyHash] = struct{}{}
	}

	var outbound, inbound []broadcastCandidate
	prefixCount := make(map[string]int)
	for id, conv := range n.peers {
		if !conv.IsAuthenticated() {
			continue
		}
		pub, ok := conv.PublicKey()
		if !ok {
			continue
		}
		hash := pub.Hash()
		if _, skip := excluded[hash]; skip {
			continue
		}
		if conv.IsOutbound() {
			prefixCount[addrPrefix(conv.Identity().Addr)]++
			outbound = append(outbound, broadcastCandidate{session: id, keyHash: hash})
		} else {
			dupes := n.relayStats.Duplicates(conv.Identity())
			inbound = append(inbound, broadcastCandidate{
				session: id,
				keyHash: hash,
				weight:  1.0 / float64(1+dupes),
			})
		}
	}
	for i := range outbound {
		conv := n.peers[outbound[i].session]
		count := prefixCount[addrPrefix(conv.Identity().Addr)]
		outbound[i].weight = 1.0 / float64(count)
	}

	// Deterministic candidate order keeps sampling reproducible under a
	// seeded rng.
	sort.Slice(outbound, func(i, j int) bool { return outbound[i].session < outbound[j].session })
	sort.Slice(inbound, func(i, j int) bool { return inbound[i].session < inbound[j].session })

	chosenOut := sampleWeighted(n.rng, outbound, n.opts.BroadcastOutboundSample)
	chosenIn := sampleWeighted(n.rng, inbound, n.opts.BroadcastInboundSample)

	seen := make(map[[20]byte]struct{}, len(chosenOut))
	var sessions []SessionID
	for _, c := range chosenOut {
		seen[c.keyHash] = struct{}{}
		sessions = append(sessions, c.session)
	}
	for _, c := range chosenIn {
		if _, dup := seen[c.keyHash]; dup {
			continue
		}
		seen[c.keyHash] = struct{}{}
		sessions = append(sessions, c.session)
	}
	return sessions
}

// broadcast signs the payload per recipient and queues it on each chosen
// session's outbox. Sends that cannot complete this cycle stay queued.
func (n *PeerNetwork) broadcast(relayHints []RelayHint, msg *Message) error {
	sessions := n.sampleBroadcastPeers(relayHints)
	for _, id := range sessions {
		conv, ok := n.peers[id]
		if !ok {
			continue
		}
		signed, err := conv.SignRelay(n.chainView, n.localKey, relayHints, msg)
		if err != nil {
			n.log.Debug("sign broadcast", slog.Int("session", int(id)), slog.String("error", err.Error()))
			continue
		}
		if err := n.queueOutbox(id, signed); err != nil {
			n.log.Debug("queue broadcast", slog.Int("session", int(id)), slog.String("error", err.Error()))
		}
	}
	n.metrics.recordBroadcast(msg.Kind, len(sessions))
	return nil
}

// queueOutbox appends a sealed message to a session's pending outbox,
// bounded per session.
func (n *PeerNetwork) queueOutbox(id SessionID, signed *SignedMessage) error {
	queue := n.pendingOutbox[id]
	if len(queue) >= n.opts.MaxPendingOutbox {
		return ErrFullHandle
	}
	n.pendingOutbox[id] = append(queue, signed)
	return nil
}

// totalPendingOutbox is the relay backlog across all sessions, used to gate
// anti-entropy.
func (n *PeerNetwork) totalPendingOutbox() int {
	total := 0
	for _, queue := range n.pendingOutbox {
		total += len(queue)
	}
	return total
}

// flushRelays drains each session's pending outbox in FIFO order, stopping
// at the first partial write per session. A write error tears the session
// down.
func (n *PeerNetwork) flushRelays() {
	for id, queue := range n.pendingOutbox {
		conv, ok := n.peers[id]
		if !ok {
			delete(n.pendingOutbox, id)
			continue
		}
		sock, ok := n.sockets[id]
		if !ok {
			delete(n.pendingOutbox, id)
			continue
		}
		for len(queue) > 0 {
			done, err := conv.Write(sock, queue[0])
			if err != nil {
				n.log.Debug("relay write failed",
					slog.Int("session", int(id)),
					slog.String("error", err.Error()))
				n.deregister(id)
				queue = nil
				break
			}
			if !done {
				break
			}
			queue = queue[1:]
		}
		if len(queue) == 0 {
			delete(n.pendingOutbox, id)
		} else {
			n.pendingOutbox[id] = queue
		}
	}
}

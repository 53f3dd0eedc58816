// Package p2p implements the peer-network engine of an orechain full node:
// it owns every live peer session, drives the GetPublicIP, BlockInvSync,
// BlockDownload, AntiEntropy, Prune work state machine, reconciles
// unsolicited protocol messages against the evolving burnchain view, and
// exposes a bounded cross-thread command channel to the rest of the node.
//
// The engine is single-threaded and poll-driven: one reactor goroutine owns
// all registry state and calls Run once per poll interval. Other goroutines
// interact exclusively through the Handle.
package p2p

import (
	"encoding/hex"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"orechain/chain"
	"orechain/crypto"
	"orechain/dnsclient"
	"orechain/peerdb"
)

// PeerNetwork is the peer-network orchestrator. All fields are owned by the
// reactor goroutine; the requests channel is the only concurrency-safe
// boundary.
type PeerNetwork struct {
	log  *slog.Logger
	opts Options

	burnchain chain.Burnchain
	db        *peerdb.DB
	io        NetworkIO

	newConversation ConversationFactory

	localID        PeerIdentity
	localKey       *crypto.PrivateKey
	localKeyExpire uint64

	bound bool

	chainView chain.BurnchainView
	haveView  bool

	// Registry tables. A session appears in peers and sockets together, or
	// in neither.
	peers      map[SessionID]Conversation
	sockets    map[SessionID]Socket
	events     map[PeerIdentity]SessionID
	connecting map[SessionID]*connectingSocket

	pendingOutbox map[SessionID][]*SignedMessage
	buffered      map[SessionID][]*Message
	banSet        map[SessionID]struct{}

	inv        *InvState
	relayStats *RelayerStats

	workState             WorkState
	numStateMachinePasses uint64
	numInvSyncPasses      uint64
	numDownloadPasses     uint64
	prunePressure         bool

	publicIP           *publicIPState
	antiEntropyLastTip chain.BurnchainHeaderHash
	recentlyPushed     map[PeerIdentity]map[chain.BlockID]time.Time

	walker       NeighborWalker
	downloader   BlockDownloader
	attachments  AttachmentsDownloader
	walkSessions map[SessionID]struct{}
	pingbacked   map[SessionID]struct{}

	requests chan networkRequest
	done     chan struct{}

	lastFaultDisconnect time.Time

	rng     *rand.Rand
	metrics *networkMetrics
}

// New builds a peer network over the given storage, burnchain parameters,
// socket poller, and conversation factory. Zero-valued options are
// normalized to defaults.
func New(
	logger *slog.Logger,
	opts Options,
	burnchain chain.Burnchain,
	db *peerdb.DB,
	io NetworkIO,
	factory ConversationFactory,
) (*PeerNetwork, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if db == nil {
		return nil, errors.New("p2p: peer database required")
	}
	if io == nil {
		return nil, errors.New("p2p: network io required")
	}
	if factory == nil {
		return nil, errors.New("p2p: conversation factory required")
	}
	opts.normalize()

	localKey, localExpire := db.LocalKey()
	if localKey == nil {
		return nil, errors.New("p2p: peer database has no local key")
	}

	n := &PeerNetwork{
		log:             logger.With(slog.String("component", "p2p_network")),
		opts:            opts,
		burnchain:       burnchain,
		db:              db,
		io:              io,
		newConversation: factory,
		localKey:        localKey,
		localKeyExpire:  localExpire,
		peers:           make(map[SessionID]Conversation),
		sockets:         make(map[SessionID]Socket),
		events:          make(map[PeerIdentity]SessionID),
		connecting:      make(map[SessionID]*connectingSocket),
		pendingOutbox:   make(map[SessionID][]*SignedMessage),
		buffered:        make(map[SessionID][]*Message),
		banSet:          make(map[SessionID]struct{}),
		inv:             NewInvState(burnchain),
		publicIP:        &publicIPState{},
		recentlyPushed:  make(map[PeerIdentity]map[chain.BlockID]time.Time),
		walkSessions:    make(map[SessionID]struct{}),
		pingbacked:      make(map[SessionID]struct{}),
		requests:        make(chan networkRequest, opts.HandleBufferSize),
		done:            make(chan struct{}),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		metrics:         newNetworkMetrics(),
	}
	n.relayStats = NewRelayerStats(opts.MaxRelayerStats, 10*time.Minute, n.rng)
	return n, nil
}

// SetCollaborators wires the consumed drive-once collaborators. Any of them
// may be nil, in which case the corresponding work is skipped.
func (n *PeerNetwork) SetCollaborators(walker NeighborWalker, downloader BlockDownloader, attachments AttachmentsDownloader) {
	n.walker = walker
	n.downloader = downloader
	n.attachments = attachments
}

// Bind starts listening and fixes the node's own identity, which connect
// attempts are checked against.
func (n *PeerNetwork) Bind(addr string, port uint16) error {
	if n.bound {
		return errors.New("p2p: already bound")
	}
	if err := n.io.Bind(addr, port); err != nil {
		return errors.Join(ErrSocket, err)
	}
	n.localID = PeerIdentity{
		NetworkID:   n.burnchain.NetworkID,
		PeerVersion: n.burnchain.PeerVersion,
		Addr:        addr,
		Port:        port,
	}
	n.bound = true
	n.log.Info("network bound", slog.String("addr", n.localID.AddrPort()))
	return nil
}

// LocalIdentity returns the node's bound identity.
func (n *PeerNetwork) LocalIdentity() PeerIdentity {
	return n.localID
}

// WorkState returns the state machine's current phase.
func (n *PeerNetwork) WorkState() WorkState {
	return n.workState
}

// Shutdown invalidates all handles and closes the poller. The network must
// not be used afterwards.
func (n *PeerNetwork) Shutdown() error {
	select {
	case <-n.done:
		return nil
	default:
	}
	close(n.done)
	n.disconnectAll()
	return n.io.Close()
}

// Run executes one reactor cycle: poll sockets, drive conversations,
// classify unsolicited messages, advance the work state machine, run the
// collaborators, enforce liveness, flush queued sends, and service the
// command channel. Storage references are borrowed for this call only.
func (n *PeerNetwork) Run(
	sortdb chain.SortitionReader,
	blocks chain.BlockStore,
	mempool chain.Mempool,
	dns *dnsclient.Client,
	downloadBackpressure bool,
	pollTimeout time.Duration,
	attachmentRequests []AttachmentRequest,
) (*NetworkResult, error) {
	if !n.bound {
		return nil, ErrNotConnected
	}
	res := newNetworkResult()
	env := &workEnv{
		sortdb:               sortdb,
		blocks:               blocks,
		dns:                  dns,
		downloadBackpressure: downloadBackpressure,
		res:                  res,
	}

	poll, err := n.io.Poll(pollTimeout)
	if err != nil {
		return nil, errors.Join(ErrSocket, err)
	}

	if err := n.refreshBurnchainView(sortdb, blocks, mempool, res); err != nil {
		return nil, err
	}

	n.processNewSockets(poll.New)
	unhandled := n.processReadySockets(poll.Ready)

	if err := n.handleUnsolicitedMessages(sortdb, blocks, mempool, unhandled, true, res); err != nil {
		return nil, err
	}

	n.schedulePingbacks()

	if err := n.doNetworkWork(env); err != nil {
		return nil, err
	}

	n.processBans()

	if n.attachments != nil && (len(attachmentRequests) > 0 || dns != nil) {
		downloaded, err := n.attachments.DriveOnce(dns, attachmentRequests)
		if err != nil {
			n.log.Debug("attachments step failed", slog.String("error", err.Error()))
		} else {
			res.Attachments = append(res.Attachments, downloaded...)
		}
	}

	if dns != nil {
		dns.DriveOnce()
	}

	n.stepNeighborWalk()
	n.disconnectUnresponsive()
	n.faultInjectDisconnect()
	n.queuePingHeartbeats()
	n.flushRelays()
	n.relayStats.Expire(time.Now())
	n.checkRekey()
	n.dispatchRequests()

	return res, nil
}

// refreshBurnchainView pulls the canonical view and, when the tip advanced,
// replays every buffered unsolicited message with do-not-rebuffer semantics.
func (n *PeerNetwork) refreshBurnchainView(
	sortdb chain.SortitionReader,
	blocks chain.BlockStore,
	mempool chain.Mempool,
	res *NetworkResult,
) error {
	view, err := sortdb.CanonicalView()
	if err != nil {
		return err
	}
	advanced := !n.haveView || view.BurnBlockHash != n.chainView.BurnBlockHash
	n.chainView = view
	n.haveView = true
	if advanced {
		if err := n.replayBufferedMessages(sortdb, blocks, mempool, res); err != nil {
			return err
		}
	}
	return nil
}

// processNewSockets registers freshly accepted inbound sockets. Admission
// failures tear the socket back down.
func (n *PeerNetwork) processNewSockets(fresh map[SessionID]Socket) {
	for id, sock := range fresh {
		identity, err := n.identityForAddr(sock.RemoteAddr())
		if err != nil {
			n.log.Debug("rejecting inbound socket",
				slog.String("addr", sock.RemoteAddr()),
				slog.String("error", err.Error()))
			_ = n.io.Deregister(id, sock)
			continue
		}
		if err := n.register(id, sock, false, identity); err != nil {
			n.log.Debug("inbound registration refused",
				slog.String("peer", identity.String()),
				slog.String("error", err.Error()))
			if errors.Is(err, ErrTooManyPeers) {
				n.prunePressure = true
			}
		}
	}
}

func (n *PeerNetwork) identityForAddr(remoteAddr string) (PeerIdentity, error) {
	host, portStr, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return PeerIdentity{}, errors.Join(ErrSocket, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return PeerIdentity{}, errors.Join(ErrSocket, err)
	}
	return PeerIdentity{
		NetworkID:   n.burnchain.NetworkID,
		PeerVersion: n.burnchain.PeerVersion,
		Addr:        host,
		Port:        uint16(port),
	}, nil
}

// processReadySockets promotes writable half-open connects and drives every
// ready conversation: receive bytes, collect unhandled messages, flush
// conversation-internal sends. I/O failures tear the session down.
func (n *PeerNetwork) processReadySockets(ready []SessionID) map[SessionID][]*Message {
	unhandled := make(map[SessionID][]*Message)
	for _, id := range ready {
		if cs, ok := n.connecting[id]; ok {
			if err := n.register(id, cs.socket, cs.outbound, cs.identity); err != nil {
				n.log.Debug("outbound registration refused",
					slog.String("peer", cs.identity.String()),
					slog.String("error", err.Error()))
				continue
			}
		}
		conv, ok := n.peers[id]
		if !ok {
			continue
		}
		sock := n.sockets[id]

		msgs, err := conv.Recv(sock)
		if err != nil {
			if errors.Is(err, ErrInvalidMessage) {
				n.log.Debug("protocol violation",
					slog.Int("session", int(id)),
					slog.String("peer", conv.Identity().String()))
				n.banSessionAndReciprocal(id)
			} else {
				n.log.Debug("recv failed",
					slog.Int("session", int(id)),
					slog.String("error", err.Error()))
				n.deregister(id)
			}
			continue
		}
		if conv.IsAuthenticated() {
			n.recordPeerKey(conv)
		}
		if len(msgs) > 0 {
			identity := conv.Identity()
			now := time.Now()
			for _, msg := range msgs {
				if digest, ok := relayableDigest(msg); ok {
					n.relayStats.NoteReceived(identity, digest, 0, now)
				}
			}
			unhandled[id] = msgs
		}

		if err := conv.Send(sock); err != nil {
			n.log.Debug("send failed",
				slog.Int("session", int(id)),
				slog.String("error", err.Error()))
			n.deregister(id)
		}
	}
	return unhandled
}

// recordPeerKey persists the session's authenticated public key so admission
// checks recognize this peer across reconnects. No-op when the stored key is
// already current.
func (n *PeerNetwork) recordPeerKey(conv Conversation) {
	pub, ok := conv.PublicKey()
	if !ok {
		return
	}
	identity := conv.Identity()
	encoded := hex.EncodeToString(pub.Bytes())
	entry, err := n.db.Get(identity.NetworkID, identity.Addr, identity.Port)
	if err != nil {
		entry = peerdb.Entry{
			NetworkID: identity.NetworkID,
			Addr:      identity.Addr,
			Port:      identity.Port,
		}
	}
	if entry.PublicKey == encoded {
		return
	}
	entry.PublicKey = encoded
	if err := n.db.Upsert(entry); err != nil {
		n.log.Debug("persist peer key",
			slog.String("peer", identity.String()),
			slog.String("error", err.Error()))
	}
}

// relayableDigest derives the gossip dedup key for message kinds that
// propagate through broadcast.
func relayableDigest(msg *Message) ([32]byte, bool) {
	var seed []byte
	switch msg.Kind {
	case KindBlocksAvailable, KindMicroblocksAvailable:
		data := msg.BlocksAvailable
		if msg.Kind == KindMicroblocksAvailable {
			data = msg.MicroblocksAvailable
		}
		if data == nil {
			return [32]byte{}, false
		}
		seed = []byte{byte(msg.Kind)}
		for _, ptr := range data.Available {
			seed = append(seed, ptr.ConsensusHash[:]...)
			seed = append(seed, ptr.BlockHash[:]...)
		}
	case KindBlocksData:
		if msg.BlocksData == nil {
			return [32]byte{}, false
		}
		seed = []byte{byte(msg.Kind)}
		for _, entry := range msg.BlocksData.Blocks {
			seed = append(seed, entry.Block.Hash[:]...)
		}
	case KindMicroblocksData:
		if msg.MicroblocksData == nil {
			return [32]byte{}, false
		}
		seed = append([]byte{byte(msg.Kind)}, msg.MicroblocksData.IndexAnchorBlock[:]...)
	case KindTransaction:
		if msg.Transaction == nil {
			return [32]byte{}, false
		}
		seed = append([]byte{byte(msg.Kind)}, msg.Transaction.ID[:]...)
	default:
		return [32]byte{}, false
	}
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256(seed))
	return digest, true
}

// schedulePingbacks feeds the walker every authenticated inbound session it
// has not seen yet, so poorly-connected peers can be probed for reciprocal
// outbound connections.
func (n *PeerNetwork) schedulePingbacks() {
	if n.walker == nil {
		return
	}
	for id, conv := range n.peers {
		if conv.IsOutbound() || !conv.IsAuthenticated() {
			continue
		}
		if _, seen := n.pingbacked[id]; seen {
			continue
		}
		pub, ok := conv.PublicKey()
		if !ok {
			continue
		}
		n.walker.AddPingback(conv.Identity(), pub)
		n.pingbacked[id] = struct{}{}
	}
	for id := range n.pingbacked {
		if _, live := n.peers[id]; !live {
			delete(n.pingbacked, id)
		}
	}
}

// stepNeighborWalk drives the walk collaborator and applies its side
// effects: new dials, dead and broken sessions, prune pressure, and the set
// of walk-protected sessions.
func (n *PeerNetwork) stepNeighborWalk() {
	if n.walker == nil {
		return
	}
	result, err := n.walker.DriveOnce()
	if err != nil {
		n.log.Debug("neighbor walk step failed", slog.String("error", err.Error()))
		return
	}
	if result == nil {
		return
	}
	for _, identity := range result.NewConnections {
		if _, err := n.Connect(identity); err != nil {
			n.log.Debug("walk dial failed",
				slog.String("peer", identity.String()),
				slog.String("error", err.Error()))
		}
	}
	for _, id := range result.DeadSessions {
		n.deregister(id)
	}
	for _, id := range result.BrokenSessions {
		n.banSessionAndReciprocal(id)
	}
	n.walkSessions = make(map[SessionID]struct{}, len(result.WalkSessions))
	for _, id := range result.WalkSessions {
		n.walkSessions[id] = struct{}{}
	}
	if result.PrunePressure {
		n.prunePressure = true
	}
}

package p2p

import (
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"orechain/chain"
	"orechain/crypto"
	"orechain/peerdb"
)

const testKeyExpire = 1000

func testBurnchain() chain.Burnchain {
	return chain.Burnchain{
		NetworkID:         0x15000000,
		PeerVersion:       0x18000000,
		FirstBlockHeight:  0,
		RewardCycleLength: 8,
		StableConfirms:    2,
	}
}

type fakeSocket struct {
	addr   string
	closed bool
}

func (s *fakeSocket) RemoteAddr() string { return s.addr }
func (s *fakeSocket) Close() error       { s.closed = true; return nil }

type fakeIO struct {
	bound      bool
	nextID     SessionID
	registered map[SessionID]Socket
	dialed     []string
	polls      []*PollResult
	closed     bool
}

func newFakeIO() *fakeIO {
	return &fakeIO{nextID: 100, registered: make(map[SessionID]Socket)}
}

func (f *fakeIO) Bind(addr string, port uint16) error { f.bound = true; return nil }

func (f *fakeIO) Poll(timeout time.Duration) (*PollResult, error) {
	if len(f.polls) == 0 {
		return &PollResult{New: make(map[SessionID]Socket)}, nil
	}
	next := f.polls[0]
	f.polls = f.polls[1:]
	if next.New == nil {
		next.New = make(map[SessionID]Socket)
	}
	return next, nil
}

func (f *fakeIO) Connect(addr string, port uint16) (SessionID, Socket, error) {
	f.nextID++
	target := net.JoinHostPort(addr, strconv.Itoa(int(port)))
	f.dialed = append(f.dialed, target)
	return f.nextID, &fakeSocket{addr: target}, nil
}

func (f *fakeIO) Register(id SessionID, sock Socket) error {
	f.registered[id] = sock
	return nil
}

func (f *fakeIO) Deregister(id SessionID, sock Socket) error {
	delete(f.registered, id)
	return sock.Close()
}

func (f *fakeIO) LocalAddr() string { return "127.0.0.1:20444" }
func (f *fakeIO) Close() error      { f.closed = true; return nil }

// fakeConversation is a fully scripted protocol collaborator: Recv drains a
// preloaded inbox, Sign seals without real crypto, and Write captures what the
// engine tried to put on the wire.
type fakeConversation struct {
	identity      PeerIdentity
	outbound      bool
	authenticated bool
	pub           *crypto.PublicKey
	remoteHeight  uint64
	lastContact   time.Time
	heartbeat     time.Duration

	inbox   []*Message
	recvErr error
	sendErr error

	signKeys []*crypto.PrivateKey
	sealed   []*Message

	written      []*SignedMessage
	writeResults []bool
	writeErr     error
}

func (c *fakeConversation) Identity() PeerIdentity { return c.identity }

func (c *fakeConversation) IsAuthenticated() bool { return c.authenticated }

func (c *fakeConversation) IsOutbound() bool { return c.outbound }

func (c *fakeConversation) PublicKey() (*crypto.PublicKey, bool) { return c.pub, c.pub != nil }

func (c *fakeConversation) RemoteBurnHeight() uint64 { return c.remoteHeight }

func (c *fakeConversation) LastContact() time.Time { return c.lastContact }

func (c *fakeConversation) HeartbeatInterval() time.Duration { return c.heartbeat }

func (c *fakeConversation) Recv(sock Socket) ([]*Message, error) {
	if c.recvErr != nil {
		return nil, c.recvErr
	}
	msgs := c.inbox
	c.inbox = nil
	return msgs, nil
}

func (c *fakeConversation) Send(sock Socket) error { return c.sendErr }

func (c *fakeConversation) Sign(view chain.BurnchainView, key *crypto.PrivateKey, msg *Message) (*SignedMessage, error) {
	c.signKeys = append(c.signKeys, key)
	c.sealed = append(c.sealed, msg)
	return &SignedMessage{Kind: msg.Kind, Data: []byte(msg.Kind.String())}, nil
}

func (c *fakeConversation) SignRelay(view chain.BurnchainView, key *crypto.PrivateKey, hints []RelayHint, msg *Message) (*SignedMessage, error) {
	return c.Sign(view, key, msg)
}

func (c *fakeConversation) Write(sock Socket, msg *SignedMessage) (bool, error) {
	if c.writeErr != nil {
		return false, c.writeErr
	}
	done := true
	if len(c.writeResults) > 0 {
		done = c.writeResults[0]
		c.writeResults = c.writeResults[1:]
	}
	if done {
		c.written = append(c.written, msg)
	}
	return done, nil
}

func newTestNetwork(t *testing.T, opts Options) (*PeerNetwork, *fakeIO, *peerdb.DB) {
	t.Helper()
	db, err := peerdb.Open(filepath.Join(t.TempDir(), "peers"), testKeyExpire)
	if err != nil {
		t.Fatalf("open peerdb: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	fio := newFakeIO()
	factory := func(id SessionID, remoteAddr string, outbound bool) Conversation {
		return &fakeConversation{outbound: outbound, authenticated: true, lastContact: time.Now()}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n, err := New(logger, opts, testBurnchain(), db, fio, factory)
	if err != nil {
		t.Fatalf("build network: %v", err)
	}
	if err := n.Bind("127.0.0.1", 20444); err != nil {
		t.Fatalf("bind: %v", err)
	}
	return n, fio, db
}

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

// addTestPeer injects a fully registered session backed by a fresh key.
func addTestPeer(t *testing.T, n *PeerNetwork, id SessionID, addr string, port uint16, outbound bool) *fakeConversation {
	t.Helper()
	conv := &fakeConversation{
		identity: PeerIdentity{
			NetworkID:   n.burnchain.NetworkID,
			PeerVersion: n.burnchain.PeerVersion,
			Addr:        addr,
			Port:        port,
		},
		outbound:      outbound,
		authenticated: true,
		pub:           mustKey(t).PubKey(),
		lastContact:   time.Now(),
	}
	n.peers[id] = conv
	n.sockets[id] = &fakeSocket{addr: conv.identity.AddrPort()}
	n.events[conv.identity] = id
	return conv
}

func peerEntryFor(id PeerIdentity, initial bool) peerdb.Entry {
	return peerdb.Entry{
		NetworkID:   id.NetworkID,
		Addr:        id.Addr,
		Port:        id.Port,
		InitialPeer: initial,
	}
}

type fakeSortDB struct {
	view       chain.BurnchainView
	sortitions map[chain.ConsensusHash]*chain.Sortition
}

func newFakeSortDB(view chain.BurnchainView) *fakeSortDB {
	return &fakeSortDB{view: view, sortitions: make(map[chain.ConsensusHash]*chain.Sortition)}
}

func (f *fakeSortDB) CanonicalView() (chain.BurnchainView, error) { return f.view, nil }

func (f *fakeSortDB) SortitionByConsensusHash(ch chain.ConsensusHash) (*chain.Sortition, error) {
	s, ok := f.sortitions[ch]
	if !ok {
		return nil, chain.ErrNotFound
	}
	return s, nil
}

func (f *fakeSortDB) PoxID() (chain.PoxID, error) { return chain.NewPoxID([]bool{true}), nil }

type fakeBlockStore struct {
	blocks  map[chain.BlockID]*chain.Block
	streams map[chain.BlockID][]chain.Microblock
	heights map[uint64]chain.BlockID
}

func newFakeBlockStore() *fakeBlockStore {
	return &fakeBlockStore{
		blocks:  make(map[chain.BlockID]*chain.Block),
		streams: make(map[chain.BlockID][]chain.Microblock),
		heights: make(map[uint64]chain.BlockID),
	}
}

func (f *fakeBlockStore) HasBlock(id chain.BlockID) (bool, error) {
	_, ok := f.blocks[id]
	return ok, nil
}

func (f *fakeBlockStore) Block(id chain.BlockID) (*chain.Block, error) {
	b, ok := f.blocks[id]
	if !ok {
		return nil, chain.ErrNotFound
	}
	return b, nil
}

func (f *fakeBlockStore) MicroblockStream(id chain.BlockID) ([]chain.Microblock, error) {
	s, ok := f.streams[id]
	if !ok {
		return nil, chain.ErrNotFound
	}
	return s, nil
}

func (f *fakeBlockStore) Inventory(firstHeight, count uint64) (chain.BlockInv, error) {
	inv := chain.BlockInv{
		FirstHeight: firstHeight,
		Blocks:      chain.NewBitVec(count),
		Microblocks: chain.NewBitVec(count),
	}
	for i := uint64(0); i < count; i++ {
		id, ok := f.heights[firstHeight+i]
		if !ok {
			continue
		}
		if _, stored := f.blocks[id]; stored {
			inv.Blocks.Set(i, true)
		}
		if _, stored := f.streams[id]; stored {
			inv.Microblocks.Set(i, true)
		}
	}
	return inv, nil
}

type fakeMempool struct {
	known     map[chain.TxID]struct{}
	submitted []chain.Transaction
}

func newFakeMempool() *fakeMempool {
	return &fakeMempool{known: make(map[chain.TxID]struct{})}
}

func (f *fakeMempool) Has(id chain.TxID) bool {
	_, ok := f.known[id]
	return ok
}

func (f *fakeMempool) Submit(tx chain.Transaction) error {
	f.known[tx.ID] = struct{}{}
	f.submitted = append(f.submitted, tx)
	return nil
}

package p2p

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"orechain/chain"
	"orechain/crypto"
)

// wireEnvelope is the JSON line format JSONConversation speaks: the decoded
// message plus the sender's key and signature over the message body.
type wireEnvelope struct {
	Message   *Message `json:"message"`
	PublicKey string   `json:"publicKey"`
	Signature string   `json:"signature"`
}

const (
	readSliceTimeout  = 2 * time.Millisecond
	writeSliceTimeout = 2 * time.Millisecond
	maxWireLineBytes  = 4 << 20
)

// JSONConversation is a line-framed JSON rendering of the peer protocol
// over TCPSocket: every message is one signed JSON line. It satisfies the
// engine's Conversation contract, consuming handshake and pong traffic
// internally and surfacing everything else.
type JSONConversation struct {
	id       SessionID
	identity PeerIdentity
	outbound bool

	burnchain chain.Burnchain
	localKey  *crypto.PrivateKey

	authenticated bool
	remotePub     *crypto.PublicKey
	remoteHeight  uint64
	lastContact   time.Time
	heartbeat     time.Duration

	seq uint64

	reader *bufio.Reader

	// partialLine accumulates an incomplete wire line across Recv calls;
	// lineLimit caps how large it may grow before the peer is treated as
	// hostile (defaults to maxWireLineBytes).
	partialLine []byte
	lineLimit   int

	// pending holds conversation-internal bytes (handshake traffic,
	// protocol replies) awaiting flush; pendingOffset resumes partial
	// writes.
	pending       [][]byte
	pendingOffset int

	// partial tracks an engine-queued message that was cut off mid-write.
	partialMsg    *SignedMessage
	partialOffset int
}

// NewJSONConversationFactory returns a ConversationFactory producing
// JSONConversations signed with the given key. Outbound conversations queue
// their opening handshake immediately.
func NewJSONConversationFactory(burnchain chain.Burnchain, localKey *crypto.PrivateKey, view func() chain.BurnchainView, heartbeat time.Duration) ConversationFactory {
	return func(id SessionID, remoteAddr string, outbound bool) Conversation {
		conv := &JSONConversation{
			id:          id,
			outbound:    outbound,
			burnchain:   burnchain,
			localKey:    localKey,
			heartbeat:   heartbeat,
			lastContact: time.Now(),
		}
		if host, portStr, err := net.SplitHostPort(remoteAddr); err == nil {
			var port uint16
			fmt.Sscanf(portStr, "%d", &port)
			conv.identity = PeerIdentity{
				NetworkID:   burnchain.NetworkID,
				PeerVersion: burnchain.PeerVersion,
				Addr:        host,
				Port:        port,
			}
		}
		if outbound {
			handshake := &Message{Kind: KindHandshake, Handshake: &HandshakeData{
				PublicKey: hex.EncodeToString(localKey.PubKey().Bytes()),
			}}
			if signed, err := conv.Sign(view(), localKey, handshake); err == nil {
				conv.pending = append(conv.pending, signed.Data)
			}
		}
		return conv
	}
}

func (c *JSONConversation) Identity() PeerIdentity           { return c.identity }
func (c *JSONConversation) IsAuthenticated() bool            { return c.authenticated }
func (c *JSONConversation) IsOutbound() bool                 { return c.outbound }
func (c *JSONConversation) RemoteBurnHeight() uint64         { return c.remoteHeight }
func (c *JSONConversation) LastContact() time.Time           { return c.lastContact }
func (c *JSONConversation) HeartbeatInterval() time.Duration { return c.heartbeat }

func (c *JSONConversation) PublicKey() (*crypto.PublicKey, bool) {
	return c.remotePub, c.remotePub != nil
}

func tcpConn(sock Socket) (net.Conn, error) {
	tcpSock, ok := sock.(*TCPSocket)
	if !ok {
		return nil, fmt.Errorf("p2p: unexpected socket type %T", sock)
	}
	conn := tcpSock.Conn()
	if conn == nil {
		return nil, errors.New("p2p: socket not connected")
	}
	return conn, nil
}

// Recv drains readable lines without blocking and returns the messages the
// conversation does not consume itself.
func (c *JSONConversation) Recv(sock Socket) ([]*Message, error) {
	conn, err := tcpConn(sock)
	if err != nil {
		return nil, errors.Join(ErrSocket, err)
	}
	if c.reader == nil {
		c.reader = bufio.NewReader(conn)
	}

	var out []*Message
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readSliceTimeout)); err != nil {
			return out, errors.Join(ErrSocket, err)
		}
		line, err := c.readLine()
		if err != nil {
			if errors.Is(err, ErrInvalidMessage) {
				return out, ErrInvalidMessage
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return out, nil
			}
			return out, errors.Join(ErrSocket, err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		msg, err := c.decodeEnvelope(line)
		if err != nil {
			return out, err
		}
		if msg != nil {
			out = append(out, msg)
		}
	}
}

// readLine assembles one newline-terminated wire line, enforcing the size
// cap while reading so a peer streaming an endless line cannot grow memory
// past the limit. An incomplete line is kept for the next call.
func (c *JSONConversation) readLine() ([]byte, error) {
	limit := c.lineLimit
	if limit <= 0 {
		limit = maxWireLineBytes
	}
	for {
		chunk, err := c.reader.ReadSlice('\n')
		c.partialLine = append(c.partialLine, chunk...)
		if len(c.partialLine) > limit {
			c.partialLine = nil
			return nil, ErrInvalidMessage
		}
		if err == nil {
			line := c.partialLine
			c.partialLine = nil
			return line, nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return nil, err
	}
}

func (c *JSONConversation) decodeEnvelope(line []byte) (*Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, ErrInvalidMessage
	}
	if env.Message == nil {
		return nil, ErrInvalidMessage
	}
	if env.Message.Preamble.NetworkID != c.burnchain.NetworkID {
		return nil, ErrInvalidMessage
	}
	pubBytes, err := hex.DecodeString(env.PublicKey)
	if err != nil {
		return nil, ErrInvalidMessage
	}
	pub, err := crypto.PublicKeyFromBytes(pubBytes)
	if err != nil {
		return nil, ErrInvalidMessage
	}
	sig, err := hex.DecodeString(env.Signature)
	if err != nil {
		return nil, ErrInvalidMessage
	}
	body, err := json.Marshal(env.Message)
	if err != nil {
		return nil, ErrInvalidMessage
	}
	if !crypto.VerifySignature(pub, body, sig) {
		return nil, ErrInvalidMessage
	}
	if c.remotePub != nil && c.remotePub.Hash() != pub.Hash() {
		return nil, ErrInvalidMessage
	}

	c.lastContact = time.Now()
	if env.Message.Preamble.BurnBlockHeight > c.remoteHeight {
		c.remoteHeight = env.Message.Preamble.BurnBlockHeight
	}

	switch env.Message.Kind {
	case KindHandshake:
		next, err := handshakeKey(env.Message, pub)
		if err != nil {
			return nil, ErrInvalidMessage
		}
		c.remotePub = next
		c.authenticated = true
		accept := &Message{Kind: KindHandshakeAccept, Handshake: &HandshakeData{
			PublicKey: hex.EncodeToString(c.localKey.PubKey().Bytes()),
		}}
		if signed, err := c.sealLocked(accept); err == nil {
			c.pending = append(c.pending, signed.Data)
		}
		return nil, nil
	case KindHandshakeAccept:
		next, err := handshakeKey(env.Message, pub)
		if err != nil {
			return nil, ErrInvalidMessage
		}
		c.remotePub = next
		c.authenticated = true
		return nil, nil
	case KindHandshakeReject:
		return nil, errors.Join(ErrSocket, errors.New("handshake rejected"))
	case KindPong:
		return nil, nil
	default:
		if !c.authenticated {
			return nil, ErrInvalidMessage
		}
		return env.Message, nil
	}
}

// handshakeKey picks the key a handshake pins: the one named in its payload
// (verified transitively, since the envelope signature is checked under the
// currently pinned key) or, absent a payload, the envelope key itself.
func handshakeKey(msg *Message, envelopeKey *crypto.PublicKey) (*crypto.PublicKey, error) {
	if msg.Handshake == nil || msg.Handshake.PublicKey == "" {
		return envelopeKey, nil
	}
	raw, err := hex.DecodeString(msg.Handshake.PublicKey)
	if err != nil {
		return nil, err
	}
	return crypto.PublicKeyFromBytes(raw)
}

// Send flushes conversation-internal bytes, resuming partial writes.
func (c *JSONConversation) Send(sock Socket) error {
	conn, err := tcpConn(sock)
	if err != nil {
		return errors.Join(ErrSocket, err)
	}
	for len(c.pending) > 0 {
		buf := c.pending[0]
		if err := conn.SetWriteDeadline(time.Now().Add(writeSliceTimeout)); err != nil {
			return errors.Join(ErrSocket, err)
		}
		written, err := conn.Write(buf[c.pendingOffset:])
		c.pendingOffset += written
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil
			}
			return errors.Join(ErrSocket, err)
		}
		c.pending = c.pending[1:]
		c.pendingOffset = 0
	}
	return nil
}

// Sign seals a message for this session under the given view and key. The
// key also becomes the one conversation-internal replies are signed with, so
// a rotated engine key takes effect here too.
func (c *JSONConversation) Sign(view chain.BurnchainView, key *crypto.PrivateKey, msg *Message) (*SignedMessage, error) {
	if key != nil {
		c.localKey = key
	}
	sealed := *msg
	c.seq++
	sealed.Preamble = Preamble{
		NetworkID:             c.burnchain.NetworkID,
		SeqNum:                c.seq,
		BurnBlockHeight:       view.BurnBlockHeight,
		StableBurnBlockHeight: view.BurnStableBlockHeight,
	}
	if ch, ok := view.ConsensusHashAt(view.BurnBlockHeight); ok {
		sealed.Preamble.BurnConsensusHash = ch
	}
	if ch, ok := view.ConsensusHashAt(view.BurnStableBlockHeight); ok {
		sealed.Preamble.StableBurnConsensusHash = ch
	}
	return c.seal(&sealed, key)
}

// SignRelay is Sign with relay hints extended to include ourselves.
func (c *JSONConversation) SignRelay(view chain.BurnchainView, key *crypto.PrivateKey, hints []RelayHint, msg *Message) (*SignedMessage, error) {
	sealed := *msg
	sealed.RelayHints = append(append([]RelayHint{}, hints...), RelayHint{
		PublicKeyHash: key.PubKey().Hash(),
	})
	return c.Sign(view, key, &sealed)
}

func (c *JSONConversation) sealLocked(msg *Message) (*SignedMessage, error) {
	c.seq++
	msg.Preamble.NetworkID = c.burnchain.NetworkID
	msg.Preamble.SeqNum = c.seq
	return c.seal(msg, c.localKey)
}

func (c *JSONConversation) seal(msg *Message, key *crypto.PrivateKey) (*SignedMessage, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(body)
	if err != nil {
		return nil, err
	}
	env := wireEnvelope{
		Message:   msg,
		PublicKey: hex.EncodeToString(key.PubKey().Bytes()),
		Signature: hex.EncodeToString(sig),
	}
	line, err := json.Marshal(&env)
	if err != nil {
		return nil, err
	}
	return &SignedMessage{Kind: msg.Kind, Data: append(line, '\n')}, nil
}

// Write attempts to put one sealed message on the wire, returning false on
// a partial write so the engine retries next cycle.
func (c *JSONConversation) Write(sock Socket, msg *SignedMessage) (bool, error) {
	conn, err := tcpConn(sock)
	if err != nil {
		return false, errors.Join(ErrSocket, err)
	}
	if c.partialMsg != msg {
		c.partialMsg = msg
		c.partialOffset = 0
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeSliceTimeout)); err != nil {
		return false, errors.Join(ErrSocket, err)
	}
	written, err := conn.Write(msg.Data[c.partialOffset:])
	c.partialOffset += written
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return false, nil
		}
		return false, errors.Join(ErrSocket, err)
	}
	c.partialMsg = nil
	c.partialOffset = 0
	return true, nil
}

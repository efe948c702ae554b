// Package conn implements the CATS connection lifecycle state machine
// (spec.md §4.4): protocol version negotiation, statement exchange,
// optional handshake, the running dispatch loop, idle timeout, ping
// cadence, and orderly shutdown.
//
// Grounded on the teacher's internal/mirage.Server phase/transition idiom
// (a sync.RWMutex-guarded explicit phase type with a transitionError
// helper) for the state machine shape, and on internal/protocol/frame's
// Limits-bounded reader for the wire boundary, now driven through
// internal/cats/frame, internal/cats/mux, and internal/cats/sched.
package conn

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Cifrazia/cats-go/internal/cats/action"
	"github.com/Cifrazia/cats-go/internal/cats/broadcast"
	"github.com/Cifrazia/cats-go/internal/cats/catserr"
	"github.com/Cifrazia/cats-go/internal/cats/codec"
	"github.com/Cifrazia/cats-go/internal/cats/compress"
	"github.com/Cifrazia/cats-go/internal/cats/frame"
	"github.com/Cifrazia/cats-go/internal/cats/handler"
	"github.com/Cifrazia/cats-go/internal/cats/handshake"
	"github.com/Cifrazia/cats-go/internal/cats/mux"
	"github.com/Cifrazia/cats-go/internal/cats/scheme"
	"github.com/Cifrazia/cats-go/internal/cats/sched"
	"github.com/Cifrazia/cats-go/internal/cats/statement"
	"github.com/Cifrazia/cats-go/internal/cats/transport"
)

// State is one node of the connection lifecycle state machine.
type State string

const (
	StateListenOrConnect  State = "listen_or_connect"
	StateReadProtoVersion State = "read_proto_version"
	StateStatementExchange State = "statement_exchange"
	StateHandshake        State = "handshake"
	StateRunning          State = "running"
	StateClosed           State = "closed"
)

func transitionError(from, to State) error {
	return fmt.Errorf("conn: invalid transition %s -> %s", from, to)
}

// ErrUnsupportedVersion is returned when the peer's protocol version isn't
// accepted.
var ErrUnsupportedVersion = errors.New("conn: unsupported protocol version")

// Config configures one connection's behavior. Shared fields (Handlers,
// Broadcasts, Compressors) are expected to be shared across many
// connections; per-connection fields are copied by Accept/Connect.
type Config struct {
	ProtocolVersion uint32

	IdleTimeout      time.Duration
	InputTimeout     time.Duration
	HandshakeTimeout time.Duration
	InputLimit       int

	// Handshake, if non-nil, is run after statement exchange. The
	// responder side verifies; the initiator side proves.
	Handshake *handshake.SHA256Time

	DefaultSchemeFormat scheme.Format
	FrameLimits          frame.Limits

	Handlers    *handler.Registry
	Broadcasts  *broadcast.Registry
	Compressors *compress.Registry

	// PingInterval, when > 0, is the cadence the server side emits
	// PingAction at. spec.md §4.4 recommends 0.9*idle_timeout.
	PingInterval time.Duration

	Logger zerolog.Logger

	// OnMetrics, if non-nil, is invoked with connection lifecycle and
	// traffic events for observability wiring.
	OnMetrics Metrics
}

// Metrics is the narrow observability boundary a Conn reports through; see
// internal/observability for the Prometheus-backed implementation.
type Metrics interface {
	ConnOpened()
	ConnClosed()
	BytesSent(n int)
	BytesReceived(n int)
	InputDepth(depth int)
	SendRate(bytesPerSecond uint32)
}

type noopMetrics struct{}

func (noopMetrics) ConnOpened()         {}
func (noopMetrics) ConnClosed()         {}
func (noopMetrics) BytesSent(int)       {}
func (noopMetrics) BytesReceived(int)   {}
func (noopMetrics) InputDepth(int)      {}
func (noopMetrics) SendRate(uint32)     {}

// Conn is one live CATS connection, either accepted (server side) or
// dialed (client side).
type Conn struct {
	id string

	nc *transport.Transport
	br *bufio.Reader

	cfg   Config
	sched *sched.Scheduler
	mux   *mux.Mux

	isServer bool

	mu           sync.RWMutex
	state        State
	schemeFormat scheme.Format
	apiVersion   uint32
	clockOffsetMillis int64

	// peerCompressors and defaultCompressor come from the Client statement
	// (spec.md §3): the only side that advertises compressor capability.
	// Both server and client sends consult the same list, matching the
	// original's asymmetric set_compressors call that always keys off the
	// connection initiator's declared preferences.
	peerCompressors   []uint8
	defaultCompressor uint8

	idleTimer *time.Timer
	ctx       context.Context
	cancel    context.CancelFunc

	closeOnce sync.Once
	closeErr  error

	wg sync.WaitGroup
}

// ID returns the connection's opaque identifier (remote address), used for
// logging and as a broadcast.Subscriber key.
func (c *Conn) ID() string { return c.id }

// Done returns a channel closed once the connection reaches CLOSED, for
// callers (e.g. the Server accept loop) that need to wait out a
// connection's lifetime without polling State.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Accept runs the server side of the lifecycle to completion (through
// RUNNING) or returns an error with nc already closed.
func Accept(nc net.Conn, cfg Config) (*Conn, error) {
	c := newConn(nc, cfg, true)
	if err := c.runServerInit(); err != nil {
		c.closeWith(err)
		return nil, err
	}
	c.enterRunning()
	return c, nil
}

// Connect runs the client side of the lifecycle to completion (through
// RUNNING) or returns an error with nc already closed.
func Connect(nc net.Conn, cfg Config, clientStatement *statement.Client) (*Conn, error) {
	c := newConn(nc, cfg, false)
	if err := c.runClientInit(clientStatement); err != nil {
		c.closeWith(err)
		return nil, err
	}
	c.enterRunning()
	return c, nil
}

func newConn(nc net.Conn, cfg Config, isServer bool) *Conn {
	if cfg.FrameLimits == (frame.Limits{}) {
		cfg.FrameLimits = frame.DefaultLimits()
	}
	if cfg.Compressors == nil {
		cfg.Compressors = compress.NewRegistry()
	}
	if cfg.Handlers == nil {
		cfg.Handlers = handler.NewRegistry()
	}
	if cfg.Broadcasts == nil {
		cfg.Broadcasts = broadcast.New()
	}
	if cfg.OnMetrics == nil {
		cfg.OnMetrics = noopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	tc := transport.New(nc)
	c := &Conn{
		id:           nc.RemoteAddr().String(),
		nc:           tc,
		cfg:          cfg,
		sched:        sched.New(tc),
		mux:          mux.New(cfg.InputLimit),
		isServer:     isServer,
		state:        StateListenOrConnect,
		schemeFormat: cfg.DefaultSchemeFormat,
		ctx:          ctx,
		cancel:       cancel,
	}
	c.br = bufio.NewReader(&countingReader{r: tc, onRead: cfg.OnMetrics.BytesReceived})
	return c
}

// countingReader reports every successful Read's byte count to onRead,
// so the dispatch loop's BytesReceived metric reflects wire traffic
// without threading a counter through frame.ReadFrame.
type countingReader struct {
	r      io.Reader
	onRead func(int)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.onRead != nil {
		c.onRead(n)
	}
	return n, err
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State reports the connection's current lifecycle state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Conn) runServerInit() error {
	_ = c.nc.WithReadTimeout(c.cfg.HandshakeTimeout)
	defer c.nc.WithReadTimeout(0)

	c.setState(StateReadProtoVersion)
	if err := c.serverNegotiateVersion(); err != nil {
		return err
	}

	c.setState(StateStatementExchange)
	clientStmt, err := c.serverReadClientStatement()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.schemeFormat = detectedFormatOrDefault(clientStmt.schemeFormat, c.cfg.DefaultSchemeFormat)
	c.mu.Unlock()
	now := time.Now()
	serverStmt := &statement.Server{ServerTime: now.UnixMilli()}
	if err := c.serverWriteServerStatement(serverStmt); err != nil {
		return err
	}
	c.mu.Lock()
	c.clockOffsetMillis = statement.ClockOffsetMillis(serverStmt, clientStmt.stmt)
	c.apiVersion = uint32(clientStmt.stmt.API)
	c.peerCompressors = compressorIDsFromInts(clientStmt.stmt.Compressors)
	if clientStmt.stmt.DefaultCompression != nil {
		c.defaultCompressor = uint8(*clientStmt.stmt.DefaultCompression)
	}
	c.mu.Unlock()

	if c.cfg.Handshake != nil {
		c.setState(StateHandshake)
		if err := c.serverRunHandshake(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) runClientInit(clientStmt *statement.Client) error {
	_ = c.nc.WithReadTimeout(c.cfg.HandshakeTimeout)
	defer c.nc.WithReadTimeout(0)

	c.setState(StateReadProtoVersion)
	if err := c.clientNegotiateVersion(); err != nil {
		return err
	}

	c.setState(StateStatementExchange)
	format := detectedFormatOrDefault("", c.cfg.DefaultSchemeFormat)
	if err := c.clientWriteClientStatement(format, clientStmt); err != nil {
		return err
	}
	serverStmt, gotFormat, err := c.clientReadServerStatement(format)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.schemeFormat = gotFormat
	c.clockOffsetMillis = statement.ClockOffsetMillis(serverStmt, clientStmt)
	c.apiVersion = uint32(clientStmt.API)
	c.peerCompressors = compressorIDsFromInts(clientStmt.Compressors)
	if clientStmt.DefaultCompression != nil {
		c.defaultCompressor = uint8(*clientStmt.DefaultCompression)
	}
	c.mu.Unlock()

	if c.cfg.Handshake != nil {
		c.setState(StateHandshake)
		if err := handshake.RunInitiator(c.nc, c.cfg.Handshake, time.Now()); err != nil {
			return fmt.Errorf("%w: %v", catserr.ErrHandshake, err)
		}
	}
	return nil
}

// serverNegotiateVersion implements spec.md §4.4's READ_PROTO_VERSION:
// read u32 client version; write 0 on acceptance (the 4-byte form spec.md
// §9 prefers over the legacy single-byte ack), else the server's preferred
// version and close.
func (c *Conn) serverNegotiateVersion() error {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(c.nc, buf); err != nil {
		return fmt.Errorf("%w: read client version: %v", catserr.ErrProtocol, err)
	}
	clientVersion := binary.BigEndian.Uint32(buf)
	ack := make([]byte, 4)
	if clientVersion != c.cfg.ProtocolVersion {
		binary.BigEndian.PutUint32(ack, c.cfg.ProtocolVersion)
		_, _ = c.nc.Write(ack)
		return fmt.Errorf("%w: client version %d, server wants %d", ErrUnsupportedVersion, clientVersion, c.cfg.ProtocolVersion)
	}
	_, err := c.nc.Write(ack)
	return err
}

func (c *Conn) clientNegotiateVersion() error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, c.cfg.ProtocolVersion)
	if _, err := c.nc.Write(buf); err != nil {
		return err
	}
	ack := make([]byte, 4)
	if _, err := io.ReadFull(c.nc, ack); err != nil {
		return fmt.Errorf("%w: read version ack: %v", catserr.ErrProtocol, err)
	}
	if v := binary.BigEndian.Uint32(ack); v != 0 {
		return fmt.Errorf("%w: server prefers version %d", ErrUnsupportedVersion, v)
	}
	return nil
}

type clientStatementResult struct {
	stmt         *statement.Client
	schemeFormat string
}

func (c *Conn) serverReadClientStatement() (*clientStatementResult, error) {
	raw, err := readLengthPrefixed(c.nc)
	if err != nil {
		return nil, fmt.Errorf("%w: read statement: %v", catserr.ErrProtocol, err)
	}
	format := scheme.Detect(raw)
	stmt, err := statement.DecodeClient(format, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", catserr.ErrProtocol, err)
	}
	return &clientStatementResult{stmt: stmt, schemeFormat: format.String()}, nil
}

func (c *Conn) serverWriteServerStatement(s *statement.Server) error {
	c.mu.RLock()
	format := c.schemeFormat
	c.mu.RUnlock()
	body, err := statement.EncodeServer(format, s)
	if err != nil {
		return err
	}
	return writeLengthPrefixed(c.nc, body)
}

func (c *Conn) clientWriteClientStatement(format scheme.Format, stmt *statement.Client) error {
	if err := stmt.Validate(); err != nil {
		return fmt.Errorf("%w: %v", catserr.ErrProtocol, err)
	}
	body, err := statement.EncodeClient(format, stmt)
	if err != nil {
		return err
	}
	return writeLengthPrefixed(c.nc, body)
}

func (c *Conn) clientReadServerStatement(fallback scheme.Format) (*statement.Server, scheme.Format, error) {
	raw, err := readLengthPrefixed(c.nc)
	if err != nil {
		return nil, fallback, fmt.Errorf("%w: read server statement: %v", catserr.ErrProtocol, err)
	}
	format := scheme.Detect(raw)
	s, err := statement.DecodeServer(format, raw)
	if err != nil {
		return nil, fallback, fmt.Errorf("%w: %v", catserr.ErrProtocol, err)
	}
	return s, format, nil
}

func (c *Conn) serverRunHandshake() error {
	_ = c.nc.WithReadTimeout(c.cfg.HandshakeTimeout)
	defer c.nc.WithReadTimeout(0)
	if err := handshake.RunResponder(c.nc, c.cfg.Handshake, time.Now()); err != nil {
		return fmt.Errorf("%w: %v", catserr.ErrHandshake, err)
	}
	return nil
}

func compressorIDsFromInts(ints []int) []uint8 {
	out := make([]uint8, 0, len(ints))
	for _, v := range ints {
		out = append(out, uint8(v))
	}
	return out
}

// compressorPreference returns the ordered list Propose should scan: the
// negotiated default first (if any), then the rest of the peer's declared
// compressors.
func (c *Conn) compressorPreference() []uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.defaultCompressor == compress.None {
		return c.peerCompressors
	}
	out := make([]uint8, 0, len(c.peerCompressors)+1)
	out = append(out, c.defaultCompressor)
	out = append(out, c.peerCompressors...)
	return out
}

func detectedFormatOrDefault(name string, fallback scheme.Format) scheme.Format {
	if name == "" {
		return fallback
	}
	f, err := scheme.ParseFormat(name)
	if err != nil {
		return fallback
	}
	return f
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf)
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func writeLengthPrefixed(w io.Writer, body []byte) error {
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(body)))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// enterRunning transitions to RUNNING and starts the dispatch, idle-timer,
// and (server-side) ping loops.
func (c *Conn) enterRunning() {
	c.setState(StateRunning)
	c.cfg.OnMetrics.ConnOpened()
	c.resetIdleTimer()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()

	if c.isServer && c.cfg.PingInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.pingLoop()
		}()
	}
}

func (c *Conn) resetIdleTimer() {
	if c.cfg.IdleTimeout <= 0 {
		return
	}
	c.mu.Lock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.cfg.IdleTimeout, func() {
		c.closeWith(catserr.ErrConnectionClosed)
	})
	c.mu.Unlock()
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			env := action.NewPing(uint64(time.Now().UnixMilli()))
			if err := c.writeFrame(c.ctx, env); err != nil {
				return
			}
		}
	}
}

func (c *Conn) readLoop() {
	for {
		env, err := frame.ReadFrame(c.br, c.cfg.FrameLimits, c.currentFormat())
		if err != nil {
			kind := catserr.ErrTransport
			if errors.Is(err, frame.ErrUnknownAction) || errors.Is(err, frame.ErrHeadersNotTerminated) ||
				errors.Is(err, frame.ErrHeadersTooLarge) || errors.Is(err, frame.ErrPayloadTooLarge) {
				kind = catserr.ErrProtocol
			}
			c.closeWith(fmt.Errorf("%w: %v", kind, err))
			return
		}
		c.resetIdleTimer()
		c.logFrame("read", env)

		switch env.Kind {
		case action.KindPing:
			reply := action.NewPing(uint64(time.Now().UnixMilli()))
			_ = c.writeFrame(c.ctx, reply)

		case action.KindDownloadSpeed:
			c.sched.SetRate(env.Speed)
			c.cfg.OnMetrics.SendRate(env.Speed)

		case action.KindCancelInput:
			// A CancelInputAction is exchange-scoped, not connection-fatal:
			// the requester declined one prompt, the asker's pending Ask
			// resolves as cancelled and its handler keeps running to
			// produce a normal fallback response (spec.md §7). A cancel
			// with no matching ask (duplicate, or one that already timed
			// out) is stale and ignored rather than closing the connection.
			if err := c.mux.CancelAsk(env.MessageID); err != nil {
				c.cfg.Logger.Debug().Err(err).Str("conn", c.id).Msg("cats: cancel input without pending ask")
			}

		case action.KindInputAction:
			// InputAction travels both directions on one message id: asker
			// -> requester as a prompt, requester -> asker as its answer.
			// Which side we're playing for this id is decided by whether we
			// still have a live outbound waiter for it: if so, this is a
			// prompt for us to answer (or decline); otherwise it's an
			// answer to an ask we issued.
			if c.mux.IsOutboundPending(env.MessageID) {
				decoded, err := c.decodeInbound(env)
				if err != nil {
					c.closeWith(fmt.Errorf("%w: decode prompt: %v", catserr.ErrProtocol, err))
					return
				}
				if err := c.mux.ResolveOutboundReply(decoded); err != nil {
					c.closeWith(err)
					return
				}
				continue
			}
			decoded, err := c.decodeInbound(env)
			if err != nil {
				c.closeWith(fmt.Errorf("%w: decode input reply: %v", catserr.ErrProtocol, err))
				return
			}
			if err := c.mux.ResolveAsk(decoded); err != nil {
				c.closeWith(err)
				return
			}

		case action.KindAction, action.KindStreamAction:
			if env.IsBroadcast() {
				decoded, err := c.decodeByKind(env)
				if err != nil {
					c.closeWith(fmt.Errorf("%w: decode broadcast: %v", catserr.ErrProtocol, err))
					return
				}
				c.cfg.Broadcasts.Publish(broadcastChannelName(decoded), decoded)
				continue
			}
			if c.mux.IsOutboundPending(env.MessageID) {
				decoded, err := c.decodeByKind(env)
				if err != nil {
					c.closeWith(fmt.Errorf("%w: decode reply: %v", catserr.ErrProtocol, err))
					return
				}
				if err := c.mux.ResolveOutboundReply(decoded); err != nil {
					c.closeWith(err)
					return
				}
				continue
			}
			if err := c.mux.ReserveInbound(env.MessageID); err != nil {
				c.closeWith(err)
				return
			}
			c.wg.Add(1)
			go func(env *action.Envelope) {
				defer c.wg.Done()
				c.runHandler(env)
			}(env)

		case action.KindStartEncryption, action.KindStopEncryption:
			// reserved no-op, spec.md §1

		default:
			c.closeWith(fmt.Errorf("%w: dispatch: unhandled kind %v", catserr.ErrProtocol, env.Kind))
			return
		}
	}
}

// broadcastChannelName derives the broadcast registry key from an
// envelope's Headers, falling back to the handler id when the handler
// hasn't declared a named channel.
func broadcastChannelName(env *action.Envelope) string {
	if env.Headers != nil {
		if v, ok := env.Headers["Channel"]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return fmt.Sprintf("handler:%d", env.HandlerID)
}

func (c *Conn) currentFormat() scheme.Format {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.schemeFormat
}

func (c *Conn) runHandler(env *action.Envelope) {
	defer func() {
		c.mux.ReleaseInbound(env.MessageID)
		c.mux.ResetDepth(env.MessageID)
		env.Cleanup()
	}()

	h, err := c.cfg.Handlers.Lookup(env.HandlerID, c.peerAPIVersion())
	if err != nil {
		c.sendErrorResponse(env, 404, "handler not found")
		return
	}

	var decoded *action.Envelope
	if env.Kind == action.KindStreamAction {
		decoded, err = c.decodeInboundStream(env)
	} else {
		decoded, err = c.decodeInbound(env)
	}
	if err != nil {
		c.sendErrorResponse(env, 400, err.Error())
		return
	}

	ctx := handler.NewContext(c.ctx, decoded, c.peerAPIVersion(), c.currentFormat(), c.clockOffset(), c.askFuncFor(env.MessageID))

	if err := h.Prepare(ctx); err != nil {
		c.sendErrorResponse(env, 400, err.Error())
		return
	}
	result, err := h.Handle(ctx)
	if err != nil {
		c.sendErrorResponse(env, 500, err.Error())
		return
	}
	if result == nil {
		return
	}
	result.MessageID = env.MessageID
	result.SendTime = uint64(time.Now().UnixMilli())
	if err := c.writeFrame(ctx.StdContext, result); err != nil {
		c.cfg.Logger.Warn().Err(err).Str("conn", c.id).Msg("cats: failed to write handler response")
	}
}

func (c *Conn) peerAPIVersion() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiVersion
}

func (c *Conn) clockOffset() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clockOffsetMillis
}

// decodeInbound decompresses and decodes an inbound Action/InputAction's
// payload per spec.md §4.3, without mutating the caller's Headers map
// identity.
func (c *Conn) decodeInbound(env *action.Envelope) (*action.Envelope, error) {
	raw, err := env.LoadPayload()
	if err != nil {
		return nil, fmt.Errorf("cats: load payload: %w", err)
	}
	plain, err := c.cfg.Compressors.Decompress(env.Compressor, raw)
	if err != nil {
		return nil, fmt.Errorf("cats: decompress: %w", err)
	}
	out := *env
	out.Payload = plain
	out.Spill = nil
	return &out, nil
}

// decodeByKind dispatches to decodeInbound or decodeInboundStream by
// env.Kind, for call sites (ask replies, outbound replies, broadcasts)
// that need the same universal-decompression treatment runHandler gives
// a freshly dispatched request.
func (c *Conn) decodeByKind(env *action.Envelope) (*action.Envelope, error) {
	if env.Kind == action.KindStreamAction {
		return c.decodeInboundStream(env)
	}
	return c.decodeInbound(env)
}

// decodeInboundStream decompresses each chunk of a StreamAction
// independently then concatenates them, per spec.md §4.1/§4.3: "Each chunk
// is decompressed independently; codec decoding applies to the
// concatenation." The result is exposed to the handler as a regular
// Payload so Action and StreamAction requests share one decode path.
func (c *Conn) decodeInboundStream(env *action.Envelope) (*action.Envelope, error) {
	var out []byte
	for i, chunk := range env.Chunks {
		plain, err := c.cfg.Compressors.Decompress(env.Compressor, chunk)
		if err != nil {
			return nil, fmt.Errorf("cats: decompress chunk %d: %w", i, err)
		}
		out = append(out, plain...)
	}
	clone := *env
	clone.Payload = out
	clone.Chunks = nil
	return &clone, nil
}

func (c *Conn) askFuncFor(messageID uint16) handler.AskFunc {
	return func(ctx context.Context, payload []byte, dataType, compressor uint8, headers action.Headers, bypass bool) (*action.Envelope, error) {
		waiter, depth, err := c.mux.RegisterAsk(messageID, bypass)
		if err != nil {
			return nil, err
		}
		if depth > 0 {
			c.cfg.OnMetrics.InputDepth(depth)
		}
		env := action.NewInputAction(messageID, dataType, compressor, headers, payload)
		if err := c.writeFrame(ctx, env); err != nil {
			return nil, err
		}
		askCtx := ctx
		var cancel context.CancelFunc
		if c.cfg.InputTimeout > 0 {
			askCtx, cancel = context.WithTimeout(ctx, c.cfg.InputTimeout)
			defer cancel()
		}
		reply, err := waiter.Wait(askCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, catserr.ErrInputTimeout
			}
			return nil, err
		}
		return reply, nil
	}
}

// logFrame emits a debug-level event for one frame's traversal through the
// connection. Cheap to call unconditionally: zerolog skips building the
// event when the configured level is above debug.
func (c *Conn) logFrame(direction string, env *action.Envelope) {
	c.cfg.Logger.Debug().
		Str("conn", c.id).
		Str("direction", direction).
		Str("action", env.Kind.String()).
		Uint16("message_id", env.MessageID).
		Int("data_len", len(env.Payload)).
		Msg("cats: frame")
}

func (c *Conn) sendErrorResponse(req *action.Envelope, status int, message string) {
	headers := action.Headers{action.StatusHeaderKey: status}
	payload := codec.EncodeByteScheme([]byte(message), 0)
	resp := action.NewAction(req.HandlerID, req.MessageID, codec.Binary, compress.None, headers, payload)
	if err := c.writeFrame(c.ctx, resp); err != nil {
		c.cfg.Logger.Warn().Err(err).Str("conn", c.id).Msg("cats: failed to write error response")
	}
}

// writeFrame encodes and sends env through the send scheduler, applying
// compression per spec.md §4.3 for payload-bearing variants.
func (c *Conn) writeFrame(ctx context.Context, env *action.Envelope) error {
	if env.Compressor == compress.Auto {
		env = c.resolveAutoCompressor(env)
	}
	if action.HasPayload(env.Kind) {
		payload, err := env.LoadPayload()
		if err != nil {
			return err
		}
		if c.cfg.Compressors != nil && env.Compressor != compress.None {
			compressed, err := c.cfg.Compressors.Compress(env.Compressor, payload)
			if err != nil {
				return err
			}
			env = cloneWithPayload(env, compressed)
		}
	} else if action.IsStream(env.Kind) && c.cfg.Compressors != nil && env.Compressor != compress.None && len(env.Chunks) > 0 {
		compressedChunks := make([][]byte, len(env.Chunks))
		for i, chunk := range env.Chunks {
			compressed, err := c.cfg.Compressors.Compress(env.Compressor, chunk)
			if err != nil {
				return fmt.Errorf("cats: compress chunk %d: %w", i, err)
			}
			compressedChunks[i] = compressed
		}
		clone := *env
		clone.Chunks = compressedChunks
		env = &clone
	}

	c.logFrame("write", env)
	var buf writeBuffer
	if err := frame.WriteFrame(&buf, env, c.currentFormat()); err != nil {
		return err
	}
	if err := c.sched.Write(ctx, buf.Bytes()); err != nil {
		return err
	}
	c.cfg.OnMetrics.BytesSent(len(buf.Bytes()))
	return nil
}

// resolveAutoCompressor replaces a compress.Auto sentinel with a concrete
// id chosen by Propose/Beneficial against this connection's negotiated
// peer compressors, per spec.md §4.3 step 3.
func (c *Conn) resolveAutoCompressor(env *action.Envelope) *action.Envelope {
	var length int
	if action.HasPayload(env.Kind) {
		payload, err := env.LoadPayload()
		if err != nil {
			// Surfaced again, and more usefully, by the LoadPayload call
			// just below in writeFrame; leave the sentinel for None to
			// avoid compressing on a length we failed to read.
			return cloneWithCompressor(env, compress.None)
		}
		length = len(payload)
	} else {
		for _, chunk := range env.Chunks {
			length += len(chunk)
		}
	}
	resolved := c.cfg.Compressors.Propose(c.compressorPreference(), length, filesAlreadyCompressed(env.Headers))
	return cloneWithCompressor(env, resolved)
}

// filesAlreadyCompressed reports whether every entry of a Files header
// manifest is a conventionally pre-compressed MIME type, so Beneficial can
// skip wasting CPU re-compressing it (spec.md §6.1).
func filesAlreadyCompressed(h action.Headers) bool {
	entries, ok := h.Files()
	if !ok || len(entries) == 0 {
		return false
	}
	for _, e := range entries {
		if !compress.AlreadyCompressedMIME(e.Type) {
			return false
		}
	}
	return true
}

func cloneWithCompressor(env *action.Envelope, compressor uint8) *action.Envelope {
	out := *env
	out.Compressor = compressor
	return &out
}

func cloneWithPayload(env *action.Envelope, payload []byte) *action.Envelope {
	out := *env
	out.Payload = payload
	out.Spill = nil
	return &out
}

// Request allocates a message id, sends an Action, and waits for the
// peer's reply.
func (c *Conn) Request(ctx context.Context, handlerID uint16, dataType, compressor uint8, headers action.Headers, payload []byte) (*action.Envelope, error) {
	return c.RequestWithPrompt(ctx, handlerID, dataType, compressor, headers, payload, nil)
}

// PromptFunc answers a requester-side prompt: an inbound InputAction on a
// message id this side is still waiting on, sent by the peer's handler
// calling Ask mid-handling. Returning cancel true sends a
// CancelInputAction instead of an answer, declining to answer that one
// prompt without aborting the request (spec.md §8 scenarios 3 & 6).
type PromptFunc func(ctx context.Context, prompt *action.Envelope) (payload []byte, dataType, compressor uint8, headers action.Headers, cancel bool, err error)

// RequestWithPrompt allocates a message id, sends an Action, and waits for
// the peer's reply. If the peer's handler calls Ask, the reply is itself
// an InputAction rather than a final answer; prompt answers it (or
// declines it), and the exchange loops on the same message id until a
// non-InputAction reply arrives. A nil prompt declines every InputAction
// immediately via CancelInputAction, so Request (and callers like Echo's
// or StreamGreeting's request path that never expect to be asked anything)
// is unaffected by a peer that happens to ask.
func (c *Conn) RequestWithPrompt(ctx context.Context, handlerID uint16, dataType, compressor uint8, headers action.Headers, payload []byte, prompt PromptFunc) (*action.Envelope, error) {
	id, waiter, err := c.mux.AllocateOutbound()
	if err != nil {
		return nil, err
	}
	env := action.NewAction(handlerID, id, dataType, compressor, headers, payload)
	env.SendTime = uint64(time.Now().UnixMilli())
	if err := c.writeFrame(ctx, env); err != nil {
		return nil, err
	}

	for {
		reply, err := waiter.Wait(ctx)
		if err != nil {
			return nil, err
		}
		if reply.Kind != action.KindInputAction {
			return reply, nil
		}

		waiter, err = c.mux.ReopenOutbound(id)
		if err != nil {
			return nil, err
		}

		if prompt == nil {
			if err := c.writeFrame(ctx, action.NewCancelInput(id)); err != nil {
				return nil, err
			}
			continue
		}

		answerPayload, answerType, answerCompressor, answerHeaders, cancel, err := prompt(ctx, reply)
		if err != nil {
			return nil, err
		}
		if cancel {
			if err := c.writeFrame(ctx, action.NewCancelInput(id)); err != nil {
				return nil, err
			}
			continue
		}
		answer := action.NewInputAction(id, answerType, answerCompressor, answerHeaders, answerPayload)
		if err := c.writeFrame(ctx, answer); err != nil {
			return nil, err
		}
	}
}

// SendDownloadSpeed issues a DownloadSpeedAction to the peer, asking it to
// cap its outbound byte rate.
func (c *Conn) SendDownloadSpeed(ctx context.Context, bytesPerSecond uint32) error {
	return c.writeFrame(ctx, action.NewDownloadSpeed(bytesPerSecond))
}

// SendStream allocates a message id and sends a StreamAction with the
// given chunks, expecting no reply (spec.md §8 scenario 4).
func (c *Conn) SendStream(ctx context.Context, handlerID uint16, dataType, compressor uint8, headers action.Headers, chunks [][]byte) error {
	id, _, err := c.mux.AllocateOutbound()
	if err != nil {
		return err
	}
	defer c.mux.ReleaseOutbound(id)
	env := action.NewStreamAction(handlerID, id, dataType, compressor, headers, chunks)
	env.SendTime = uint64(time.Now().UnixMilli())
	return c.writeFrame(ctx, env)
}

// Broadcast sends env (message id must already be in the broadcast range)
// without waiting for a reply.
func (c *Conn) Broadcast(ctx context.Context, env *action.Envelope) error {
	if !env.IsBroadcast() {
		return fmt.Errorf("conn: message_id 0x%04x is not in the broadcast range", env.MessageID)
	}
	return c.writeFrame(ctx, env)
}

// Subscribe adds sub to the named channel of this connection's broadcast
// registry (Config.Broadcasts).
func (c *Conn) Subscribe(channel string, sub broadcast.Subscriber) {
	c.cfg.Broadcasts.Subscribe(channel, sub)
}

// Unsubscribe leaves channel.
func (c *Conn) Unsubscribe(channel string, sub broadcast.Subscriber) {
	c.cfg.Broadcasts.Unsubscribe(channel, sub)
}

// Close transitions the connection to CLOSED, cancelling every pending
// waiter and closing the transport idempotently (spec.md §4.4).
func (c *Conn) Close() error {
	c.closeWith(catserr.ErrConnectionClosed)
	c.wg.Wait()
	return c.closeErr
}

func (c *Conn) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		c.closeErr = err
		c.cancel()
		c.mux.CloseAll(err)
		c.cfg.Broadcasts.UnsubscribeAll(connSubscriber{c})
		c.mu.Lock()
		if c.idleTimer != nil {
			c.idleTimer.Stop()
		}
		c.mu.Unlock()
		_ = c.nc.Close()
		c.cfg.OnMetrics.ConnClosed()
	})
}

// connSubscriber adapts *Conn to broadcast.Subscriber for unsubscribe-all
// at close; connections that never subscribed are unaffected.
type connSubscriber struct{ c *Conn }

func (s connSubscriber) ID() string               { return s.c.id }
func (s connSubscriber) Deliver(*action.Envelope) {}

// writeBuffer is a growable []byte sink satisfying io.Writer, used to
// assemble one frame before a single scheduler write.
type writeBuffer struct {
	buf []byte
}

func (b *writeBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *writeBuffer) Bytes() []byte { return b.buf }

package conn

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Cifrazia/cats-go/internal/cats/action"
	"github.com/Cifrazia/cats-go/internal/cats/catserr"
	"github.com/Cifrazia/cats-go/internal/cats/codec"
	"github.com/Cifrazia/cats-go/internal/cats/compress"
	"github.com/Cifrazia/cats-go/internal/cats/handler"
	"github.com/Cifrazia/cats-go/internal/cats/scheme"
	"github.com/Cifrazia/cats-go/internal/cats/statement"
)

func baseConfig() Config {
	return Config{
		ProtocolVersion:     1,
		DefaultSchemeFormat: scheme.JSON,
	}
}

func dialPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	clientNC, serverNC := net.Pipe()
	t.Cleanup(func() {
		_ = clientNC.Close()
		_ = serverNC.Close()
	})
	return clientNC, serverNC
}

func handshakeConns(t *testing.T, serverCfg, clientCfg Config) (*Conn, *Conn) {
	t.Helper()
	clientNC, serverNC := dialPair(t)

	type result struct {
		c   *Conn
		err error
	}
	serverCh := make(chan result, 1)
	go func() {
		c, err := Accept(serverNC, serverCfg)
		serverCh <- result{c, err}
	}()

	clientStmt := &statement.Client{
		API:                1,
		Compressors:        []int{int(compress.None), int(compress.Gzip)},
		DefaultCompression: intPtr(int(compress.None)),
	}
	client, err := Connect(clientNC, clientCfg, clientStmt)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	res := <-serverCh
	if res.err != nil {
		t.Fatalf("Accept: %v", res.err)
	}
	return res.c, client
}

func intPtr(v int) *int { return &v }

type fakeMetrics struct {
	mu    sync.Mutex
	rates []uint32
}

func (*fakeMetrics) ConnOpened()       {}
func (*fakeMetrics) ConnClosed()       {}
func (*fakeMetrics) BytesSent(int)     {}
func (*fakeMetrics) BytesReceived(int) {}
func (*fakeMetrics) InputDepth(int)    {}
func (f *fakeMetrics) SendRate(r uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates = append(f.rates, r)
}
func (f *fakeMetrics) lastRate() (uint32, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rates) == 0 {
		return 0, 0
	}
	return f.rates[len(f.rates)-1], len(f.rates)
}

func TestSendDownloadSpeedUpdatesPeerSchedulerAndMetrics(t *testing.T) {
	metrics := &fakeMetrics{}
	serverCfg := baseConfig()
	serverCfg.OnMetrics = metrics

	server, client := handshakeConns(t, serverCfg, baseConfig())
	defer server.Close()
	defer client.Close()

	if err := client.SendDownloadSpeed(context.Background(), 2048); err != nil {
		t.Fatalf("SendDownloadSpeed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, n := metrics.lastRate(); n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	rate, n := metrics.lastRate()
	if n == 0 {
		t.Fatal("server never reported a SendRate metric")
	}
	if rate != 2048 {
		t.Errorf("reported rate = %d, want 2048", rate)
	}
	if got := server.sched.Rate(); got != 2048 {
		t.Errorf("server scheduler rate = %d, want 2048", got)
	}
}

func TestAcceptConnectReachesRunning(t *testing.T) {
	server, client := handshakeConns(t, baseConfig(), baseConfig())
	defer server.Close()
	defer client.Close()

	if server.State() != StateRunning {
		t.Errorf("server state = %v, want running", server.State())
	}
	if client.State() != StateRunning {
		t.Errorf("client state = %v, want running", client.State())
	}
}

func TestAcceptRejectsVersionMismatch(t *testing.T) {
	clientNC, serverNC := dialPair(t)

	serverCfg := baseConfig()
	serverCfg.ProtocolVersion = 2

	serverCh := make(chan error, 1)
	go func() {
		_, err := Accept(serverNC, serverCfg)
		serverCh <- err
	}()

	clientStmt := &statement.Client{API: 1, Compressors: []int{0}, DefaultCompression: intPtr(0)}
	_, err := Connect(clientNC, baseConfig(), clientStmt)
	if err == nil {
		t.Fatal("Connect should fail against a server requiring a different protocol version")
	}
	if serverErr := <-serverCh; serverErr == nil {
		t.Error("Accept should also report the version mismatch")
	}
}

func TestRequestDispatchesToHandler(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(1, 1, handler.Func(func(ctx *handler.Context) (*action.Envelope, error) {
		return action.NewAction(1, ctx.Inbound.MessageID, action.DataBinary, compress.None, nil, ctx.Inbound.Payload), nil
	}))

	serverCfg := baseConfig()
	serverCfg.Handlers = reg

	server, client := handshakeConns(t, serverCfg, baseConfig())
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := client.Request(ctx, 1, action.DataBinary, compress.None, nil, []byte("hello"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(reply.Payload) != "hello" {
		t.Errorf("reply payload = %q, want %q", reply.Payload, "hello")
	}
}

func TestRequestDecompressesGzipReply(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(1, 1, handler.Func(func(ctx *handler.Context) (*action.Envelope, error) {
		return action.NewAction(1, ctx.Inbound.MessageID, action.DataBinary, compress.Gzip, nil, []byte("squeeze me please")), nil
	}))

	serverCfg := baseConfig()
	serverCfg.Handlers = reg

	server, client := handshakeConns(t, serverCfg, baseConfig())
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := client.Request(ctx, 1, action.DataBinary, compress.None, nil, []byte("ping"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(reply.Payload) != "squeeze me please" {
		t.Errorf("reply payload = %q, want decompressed plaintext", reply.Payload)
	}
}

func TestHandlerNotFoundReturns404Status(t *testing.T) {
	serverCfg := baseConfig()
	server, client := handshakeConns(t, serverCfg, baseConfig())
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := client.Request(ctx, 99, action.DataBinary, compress.None, nil, []byte("x"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if reply.Headers.Status() != 404 {
		t.Errorf("status = %d, want 404", reply.Headers.Status())
	}
}

// TestAskRoundTrip exercises the requester side of a handler's nested Ask
// (spec.md §8 scenario 3): the handler's prompt arrives at the requester
// as an InputAction on the same message id the Request is still waiting
// on, RequestWithPrompt's prompt callback answers it, and the exchange
// resolves with the handler's final reply.
func TestAskRoundTrip(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(1, 1, handler.Func(func(ctx *handler.Context) (*action.Envelope, error) {
		reply, err := ctx.Ask([]byte("confirm?"), action.DataBinary, compress.None, nil, false)
		if err != nil {
			return nil, err
		}
		return action.NewAction(1, ctx.Inbound.MessageID, action.DataBinary, compress.None, nil, reply.Payload), nil
	}))

	serverCfg := baseConfig()
	serverCfg.Handlers = reg

	server, client := handshakeConns(t, serverCfg, baseConfig())
	defer server.Close()
	defer client.Close()

	var promptCalls int
	prompt := func(_ context.Context, p *action.Envelope) ([]byte, uint8, uint8, action.Headers, bool, error) {
		promptCalls++
		if string(p.Payload) != "confirm?" {
			t.Errorf("prompt payload = %q, want %q", p.Payload, "confirm?")
		}
		return []byte("yes"), action.DataBinary, compress.None, nil, false, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := client.RequestWithPrompt(ctx, 1, action.DataBinary, compress.None, nil, []byte("go"), prompt)
	if err != nil {
		t.Fatalf("RequestWithPrompt: %v", err)
	}
	if string(reply.Payload) != "yes" {
		t.Errorf("reply payload = %q, want %q", reply.Payload, "yes")
	}
	if promptCalls != 1 {
		t.Errorf("prompt called %d times, want 1", promptCalls)
	}
}

// TestRequestDeclinesNestedAskViaCancel covers scenario 6's cancellation
// path: a bare Request (no PromptFunc) must not treat an inbound prompt as
// a protocol error and close the connection. It should decline via
// CancelInputAction instead, letting the asker's handler produce its
// normal fallback response.
func TestRequestDeclinesNestedAskViaCancel(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(1, 1, handler.Func(func(ctx *handler.Context) (*action.Envelope, error) {
		_, err := ctx.Ask([]byte("confirm?"), action.DataBinary, compress.None, nil, false)
		result := "confirmed"
		if errors.Is(err, catserr.ErrInputCancelled) {
			result = "declined"
		} else if err != nil {
			return nil, err
		}
		return action.NewAction(1, ctx.Inbound.MessageID, action.DataBinary, compress.None, nil, []byte(result)), nil
	}))

	serverCfg := baseConfig()
	serverCfg.Handlers = reg

	server, client := handshakeConns(t, serverCfg, baseConfig())
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := client.Request(ctx, 1, action.DataBinary, compress.None, nil, []byte("go"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(reply.Payload) != "declined" {
		t.Errorf("reply payload = %q, want %q", reply.Payload, "declined")
	}
	if client.State() != StateRunning {
		t.Errorf("client state = %v, want running after declining a nested ask", client.State())
	}
}

// TestStrayCancelInputDoesNotCloseConnection covers the non-blocking half
// of the CancelInputAction fix: a cancel with no matching pending ask
// (duplicate, or one that already timed out) must not be connection-fatal.
func TestStrayCancelInputDoesNotCloseConnection(t *testing.T) {
	server, client := handshakeConns(t, baseConfig(), baseConfig())
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.writeFrame(ctx, action.NewCancelInput(999)); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if server.State() != StateRunning {
		t.Errorf("server state = %v, want running after a stray CancelInputAction", server.State())
	}
}

// TestWriteFrameResolvesAutoCompressor proves compress.Auto is actually
// wired into the send path: a handler reply above BeneficialThreshold gets
// a real compressor chosen by Propose against the client's declared
// compressors, and the requester's ordinary decompress-on-receive path
// still recovers the original bytes.
func TestWriteFrameResolvesAutoCompressor(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(1, 1, handler.Func(func(ctx *handler.Context) (*action.Envelope, error) {
		payload := bytes.Repeat([]byte("x"), compress.BeneficialThreshold+1)
		return action.NewAction(1, ctx.Inbound.MessageID, action.DataBinary, compress.Auto, nil, payload), nil
	}))

	serverCfg := baseConfig()
	serverCfg.Handlers = reg

	server, client := handshakeConns(t, serverCfg, baseConfig())
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := client.Request(ctx, 1, action.DataBinary, compress.None, nil, []byte("go"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if len(reply.Payload) != compress.BeneficialThreshold+1 {
		t.Errorf("decompressed payload len = %d, want %d", len(reply.Payload), compress.BeneficialThreshold+1)
	}
}

// TestFilesPayloadRoundTrip proves the Files codec is reachable end to end
// over the wire: a handler builds a Files payload with codec.EncodeFiles,
// and the requester splits it back apart with codec.DecodeFiles using the
// manifest carried in the reply's Files header.
func TestFilesPayloadRoundTrip(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(1, 1, handler.Func(func(ctx *handler.Context) (*action.Envelope, error) {
		buf, manifest, err := codec.EncodeFiles([]codec.FileInput{
			{Key: "a", Name: "a.txt", Data: []byte("alpha")},
			{Key: "b", Name: "b.txt", Data: []byte("beta")},
		}, 0)
		if err != nil {
			return nil, err
		}
		headers := action.Headers{action.FilesHeaderKey: manifest}
		return action.NewAction(1, ctx.Inbound.MessageID, codec.Files, compress.None, headers, buf), nil
	}))

	serverCfg := baseConfig()
	serverCfg.Handlers = reg

	server, client := handshakeConns(t, serverCfg, baseConfig())
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := client.Request(ctx, 1, action.DataBinary, compress.None, nil, []byte("go"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	manifest, ok := reply.Headers.Files()
	if !ok {
		t.Fatal("reply missing Files header")
	}
	files, err := codec.DecodeFiles(reply.Payload, manifest)
	if err != nil {
		t.Fatalf("DecodeFiles: %v", err)
	}
	if string(files["a"]) != "alpha" || string(files["b"]) != "beta" {
		t.Errorf("decoded files = %+v", files)
	}
}

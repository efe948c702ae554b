package catsdemo

import (
	"context"
	"testing"

	"github.com/Cifrazia/cats-go/internal/cats/action"
	"github.com/Cifrazia/cats-go/internal/cats/catserr"
	"github.com/Cifrazia/cats-go/internal/cats/codec"
	"github.com/Cifrazia/cats-go/internal/cats/compress"
	"github.com/Cifrazia/cats-go/internal/cats/handler"
	"github.com/Cifrazia/cats-go/internal/cats/scheme"
)

func inboundContext(payload []byte, ask handler.AskFunc) *handler.Context {
	env := action.NewAction(1, 10, action.DataByteScheme, compress.None, nil, payload)
	return handler.NewContext(context.Background(), env, 1, scheme.JSON, 0, ask)
}

func TestEchoReturnsPayloadVerbatim(t *testing.T) {
	ctx := inboundContext([]byte("hi"), nil)
	resp, err := Echo{}.Handle(ctx)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if string(resp.Payload) != "hi" {
		t.Errorf("payload = %q, want %q", resp.Payload, "hi")
	}
	if resp.MessageID != 10 {
		t.Errorf("MessageID = %d, want 10", resp.MessageID)
	}
}

func TestStreamGreetingDefaultsToWorld(t *testing.T) {
	ctx := inboundContext(codec.EncodeByteScheme(nil, 0), nil)
	resp, err := StreamGreeting{}.Handle(ctx)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Kind != action.KindStreamAction {
		t.Fatalf("Kind = %v, want StreamAction", resp.Kind)
	}
	var joined string
	for _, c := range resp.Chunks {
		joined += string(codec.DecodeByteScheme(c))
	}
	if joined != "Hello, world! welcome to CATS. " {
		t.Errorf("greeting = %q", joined)
	}
}

func TestStreamGreetingUsesGivenName(t *testing.T) {
	ctx := inboundContext(codec.EncodeByteScheme([]byte("Ada"), 0), nil)
	resp, err := StreamGreeting{}.Handle(ctx)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	var joined string
	for _, c := range resp.Chunks {
		joined += string(codec.DecodeByteScheme(c))
	}
	if joined != "Hello, Ada! welcome to CATS. " {
		t.Errorf("greeting = %q", joined)
	}
}

func TestAskConfirmAllAccepted(t *testing.T) {
	ask := func(_ context.Context, _ []byte, dataType, compressorID uint8, _ action.Headers, _ bool) (*action.Envelope, error) {
		return action.NewInputAction(10, dataType, compressorID, nil, codec.EncodeByteScheme([]byte("yes"), 0)), nil
	}
	ctx := inboundContext(codec.EncodeByteScheme([]byte("continue?"), 0), ask)
	resp, err := AskConfirm{}.Handle(ctx)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if string(codec.DecodeByteScheme(resp.Payload)) != "confirmed 3/3" {
		t.Errorf("result = %q, want confirmed 3/3", resp.Payload)
	}
}

func TestAskConfirmStopsOnFirstNo(t *testing.T) {
	calls := 0
	ask := func(_ context.Context, _ []byte, dataType, compressorID uint8, _ action.Headers, _ bool) (*action.Envelope, error) {
		calls++
		answer := "yes"
		if calls == 2 {
			answer = "no"
		}
		return action.NewInputAction(10, dataType, compressorID, nil, codec.EncodeByteScheme([]byte(answer), 0)), nil
	}
	ctx := inboundContext(codec.EncodeByteScheme([]byte("continue?"), 0), ask)
	resp, err := AskConfirm{}.Handle(ctx)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if string(codec.DecodeByteScheme(resp.Payload)) != "confirmed 1/3" {
		t.Errorf("result = %q, want confirmed 1/3", resp.Payload)
	}
	if calls != 2 {
		t.Errorf("ask called %d times, want 2 (stop after the first no)", calls)
	}
}

func TestAskConfirmStopsOnInputLimitExceeded(t *testing.T) {
	ask := func(_ context.Context, _ []byte, _, _ uint8, _ action.Headers, _ bool) (*action.Envelope, error) {
		return nil, catserr.ErrInputLimitExceeded
	}
	ctx := inboundContext(codec.EncodeByteScheme([]byte("continue?"), 0), ask)
	resp, err := AskConfirm{}.Handle(ctx)
	if err != nil {
		t.Fatalf("Handle should swallow ErrInputLimitExceeded and report the partial tally, got error: %v", err)
	}
	if string(codec.DecodeByteScheme(resp.Payload)) != "confirmed 0/3" {
		t.Errorf("result = %q, want confirmed 0/3", resp.Payload)
	}
}

func TestAskConfirmStopsOnInputCancelled(t *testing.T) {
	ask := func(_ context.Context, _ []byte, _, _ uint8, _ action.Headers, _ bool) (*action.Envelope, error) {
		return nil, catserr.ErrInputCancelled
	}
	ctx := inboundContext(codec.EncodeByteScheme([]byte("continue?"), 0), ask)
	resp, err := AskConfirm{}.Handle(ctx)
	if err != nil {
		t.Fatalf("Handle should swallow ErrInputCancelled and report the partial tally, got error: %v", err)
	}
	if string(codec.DecodeByteScheme(resp.Payload)) != "confirmed 0/3" {
		t.Errorf("result = %q, want confirmed 0/3", resp.Payload)
	}
}

func TestAskConfirmPropagatesOtherAskErrors(t *testing.T) {
	ask := func(_ context.Context, _ []byte, _, _ uint8, _ action.Headers, _ bool) (*action.Envelope, error) {
		return nil, catserr.ErrConnectionClosed
	}
	ctx := inboundContext(codec.EncodeByteScheme([]byte("continue?"), 0), ask)
	if _, err := (AskConfirm{}).Handle(ctx); err == nil {
		t.Error("Handle should propagate an ask error other than InputLimitExceeded/InputTimeout")
	}
}

func TestRegisterInstallsAllFourHandlers(t *testing.T) {
	reg := handler.NewRegistry()
	Register(reg)
	for _, id := range []uint16{EchoHandlerID, AskConfirmHandlerID, StreamGreetingHandlerID, FileBundleHandlerID} {
		if _, err := reg.Lookup(id, 1); err != nil {
			t.Errorf("Lookup(%#x, 1) failed: %v", id, err)
		}
	}
}

func TestFileBundlePacksGreetingAndFillerFiles(t *testing.T) {
	req, err := codec.EncodeScheme(map[string]any{"greeting": "hi there"}, scheme.JSON, 0)
	if err != nil {
		t.Fatalf("EncodeScheme: %v", err)
	}
	ctx := inboundContext(req, nil)
	resp, err := FileBundle{}.Handle(ctx)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Compressor != compress.Auto {
		t.Errorf("Compressor = %v, want compress.Auto (resolved by the connection on send)", resp.Compressor)
	}
	manifest, ok := resp.Headers.Files()
	if !ok {
		t.Fatal("response missing Files header")
	}
	files, err := codec.DecodeFiles(resp.Payload, manifest)
	if err != nil {
		t.Fatalf("DecodeFiles: %v", err)
	}
	if string(files["greeting"]) != "hi there" {
		t.Errorf("greeting file = %q, want %q", files["greeting"], "hi there")
	}
	if len(files["filler"]) != compress.BeneficialThreshold {
		t.Errorf("filler file len = %d, want %d", len(files["filler"]), compress.BeneficialThreshold)
	}
}

func TestFileBundleDefaultsGreeting(t *testing.T) {
	req, err := codec.EncodeScheme(map[string]any{}, scheme.JSON, 0)
	if err != nil {
		t.Fatalf("EncodeScheme: %v", err)
	}
	ctx := inboundContext(req, nil)
	resp, err := FileBundle{}.Handle(ctx)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	manifest, _ := resp.Headers.Files()
	files, err := codec.DecodeFiles(resp.Payload, manifest)
	if err != nil {
		t.Fatalf("DecodeFiles: %v", err)
	}
	if string(files["greeting"]) != "hello" {
		t.Errorf("greeting file = %q, want %q", files["greeting"], "hello")
	}
}

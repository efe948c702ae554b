package catsdemo

import (
	"fmt"

	"github.com/Cifrazia/cats-go/internal/cats/action"
	"github.com/Cifrazia/cats-go/internal/cats/codec"
	"github.com/Cifrazia/cats-go/internal/cats/compress"
	"github.com/Cifrazia/cats-go/internal/cats/handler"
)

// StreamGreetingHandlerID is handler_id 0x0003: a StreamAction reply,
// chunked greeting word-by-word (spec.md §8 scenario 4).
const StreamGreetingHandlerID uint16 = 0x0003

// StreamGreeting reads an inbound name and replies with the greeting as a
// StreamAction, one chunk per word. The connection's runHandler writes
// back whatever envelope Handle returns and stamps it with the inbound
// message id, so a StreamAction reply needs nothing beyond building the
// envelope here.
type StreamGreeting struct{}

func (StreamGreeting) Prepare(*handler.Context) error { return nil }

func (StreamGreeting) Handle(ctx *handler.Context) (*action.Envelope, error) {
	payload, err := ctx.Inbound.LoadPayload()
	if err != nil {
		return nil, err
	}
	name := string(codec.DecodeByteScheme(payload))
	if name == "" {
		name = "world"
	}

	words := []string{"Hello,", fmt.Sprintf("%s!", name), "welcome", "to", "CATS."}
	chunks := make([][]byte, len(words))
	for i, w := range words {
		chunks[i] = codec.EncodeByteScheme([]byte(w+" "), 0)
	}

	return action.NewStreamAction(StreamGreetingHandlerID, ctx.Inbound.MessageID, codec.ByteScheme, compress.None, nil, chunks), nil
}

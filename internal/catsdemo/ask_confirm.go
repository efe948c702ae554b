package catsdemo

import (
	"errors"
	"fmt"

	"github.com/Cifrazia/cats-go/internal/cats/action"
	"github.com/Cifrazia/cats-go/internal/cats/catserr"
	"github.com/Cifrazia/cats-go/internal/cats/codec"
	"github.com/Cifrazia/cats-go/internal/cats/compress"
	"github.com/Cifrazia/cats-go/internal/cats/handler"
)

// AskConfirmHandlerID is handler_id 0x0002: prompt the caller with the
// inbound payload as a confirmation question, then echo back whether it
// was accepted.
const AskConfirmHandlerID uint16 = 0x0002

// AskConfirm demonstrates the ask() mid-handling prompt (spec.md §8
// scenario 3) and the nested-ask depth limit, timeout, and requester-cancel
// edge cases (scenario 6): it issues up to three nested confirmations,
// stopping early on the first "no" and treating a limit, timeout, or
// cancellation as a graceful partial result rather than a failure.
type AskConfirm struct{}

func (AskConfirm) Prepare(*handler.Context) error { return nil }

func (AskConfirm) Handle(ctx *handler.Context) (*action.Envelope, error) {
	payload, err := ctx.Inbound.LoadPayload()
	if err != nil {
		return nil, err
	}
	question := codec.DecodeByteScheme(payload)

	accepted := 0
	for i := 0; i < 3; i++ {
		prompt := []byte(fmt.Sprintf("%s (round %d/3)", question, i+1))
		reply, err := ctx.Ask(codec.EncodeByteScheme(prompt, 0), codec.ByteScheme, compress.None, nil, false)
		if err != nil {
			if errors.Is(err, catserr.ErrInputLimitExceeded) || errors.Is(err, catserr.ErrInputTimeout) || errors.Is(err, catserr.ErrInputCancelled) {
				break
			}
			return nil, err
		}
		answer, err := reply.LoadPayload()
		if err != nil {
			return nil, err
		}
		if string(codec.DecodeByteScheme(answer)) != "yes" {
			break
		}
		accepted++
	}

	result := fmt.Sprintf("confirmed %d/3", accepted)
	resp := action.NewAction(AskConfirmHandlerID, ctx.Inbound.MessageID, codec.ByteScheme, compress.None, nil, codec.EncodeByteScheme([]byte(result), 0))
	return resp, nil
}

// Package catsdemo ships four reference handlers exercising spec.md §8's
// scenarios, registered by cmd/catsd at startup: echo (handler_id 0x0001),
// ask-confirm (0x0002, scenarios 3 & 6), stream-greeting (0x0003, scenario
// 4), and file-bundle (0x0004, the Scheme/Files codecs and the
// compress.Auto proposal heuristic).
//
// Grounded on the teacher's internal/services handler-function shape,
// adapted to internal/cats/handler.Handler's Prepare/Handle split.
package catsdemo

import (
	"github.com/Cifrazia/cats-go/internal/cats/action"
	"github.com/Cifrazia/cats-go/internal/cats/compress"
	"github.com/Cifrazia/cats-go/internal/cats/handler"
)

// EchoHandlerID is handler_id 0x0001: return the inbound payload verbatim.
const EchoHandlerID uint16 = 0x0001

// Echo is the simplest possible Handler: it Prepares nothing and Handles
// by mirroring the inbound Action back with the same data type and no
// compression (the connection's writeFrame negotiates compression on the
// way out if the caller set a non-None Compressor on the reply itself).
type Echo struct{}

func (Echo) Prepare(*handler.Context) error { return nil }

func (Echo) Handle(ctx *handler.Context) (*action.Envelope, error) {
	payload, err := ctx.Inbound.LoadPayload()
	if err != nil {
		return nil, err
	}
	resp := action.NewAction(EchoHandlerID, ctx.Inbound.MessageID, ctx.Inbound.DataType, compress.None, nil, payload)
	return resp, nil
}

// Register installs every catsdemo handler into reg for api version 1.
func Register(reg *handler.Registry) {
	reg.Register(EchoHandlerID, 1, Echo{})
	reg.Register(AskConfirmHandlerID, 1, AskConfirm{})
	reg.Register(StreamGreetingHandlerID, 1, StreamGreeting{})
	reg.Register(FileBundleHandlerID, 1, FileBundle{})
}

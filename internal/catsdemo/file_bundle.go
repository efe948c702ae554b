package catsdemo

import (
	"github.com/Cifrazia/cats-go/internal/cats/action"
	"github.com/Cifrazia/cats-go/internal/cats/codec"
	"github.com/Cifrazia/cats-go/internal/cats/compress"
	"github.com/Cifrazia/cats-go/internal/cats/handler"
)

// FileBundleHandlerID is handler_id 0x0004: build a Files-typed reply from
// a Scheme-typed request, exercising the Scheme/Files codecs and the
// compress.Auto proposal heuristic end-to-end (spec.md §4.3, §6.1).
const FileBundleHandlerID uint16 = 0x0004

// FileBundle decodes a Scheme request naming a greeting, packs it alongside
// a padded filler file into one Files payload, and leaves the compressor
// choice to the connection's Propose/Beneficial heuristic (compress.Auto)
// rather than hardcoding one.
type FileBundle struct{}

func (FileBundle) Prepare(*handler.Context) error { return nil }

func (FileBundle) Handle(ctx *handler.Context) (*action.Envelope, error) {
	payload, err := ctx.Inbound.LoadPayload()
	if err != nil {
		return nil, err
	}
	req, err := codec.DecodeScheme(payload, ctx.SchemeFormat)
	if err != nil {
		return nil, err
	}
	greeting, _ := req["greeting"].(string)
	if greeting == "" {
		greeting = "hello"
	}

	// Padded past compress.BeneficialThreshold so Propose actually picks a
	// compressor instead of skipping small-payload compression.
	filler := make([]byte, compress.BeneficialThreshold)
	for i := range filler {
		filler[i] = 'a'
	}

	buf, manifest, err := codec.EncodeFiles([]codec.FileInput{
		{Key: "greeting", Name: "greeting.txt", Data: []byte(greeting), MIME: "text/plain"},
		{Key: "filler", Name: "filler.txt", Data: filler, MIME: "text/plain"},
	}, 0)
	if err != nil {
		return nil, err
	}

	headers := action.Headers{action.FilesHeaderKey: manifest}
	resp := action.NewAction(FileBundleHandlerID, ctx.Inbound.MessageID, codec.Files, compress.Auto, headers, buf)
	return resp, nil
}

// Command catsc is an interactive CATS client: a numbered-menu operator
// console that dials a server and drives the four catsdemo reference
// handlers by hand.
//
// Grounded on cmd/client-tm/main.go's menu-loop shape (bufio.Reader over
// os.Stdin, promptLine/promptInt helpers, ErrNavigateBack/ErrNavigateExit
// sentinels) scaled down to CATS's four demo operations instead of the
// teacher's full Ghost/Mirage admin console tree.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Cifrazia/cats-go/internal/cats"
	"github.com/Cifrazia/cats-go/internal/cats/action"
	"github.com/Cifrazia/cats-go/internal/cats/codec"
	"github.com/Cifrazia/cats-go/internal/cats/compress"
	"github.com/Cifrazia/cats-go/internal/cats/conn"
	"github.com/Cifrazia/cats-go/internal/cats/scheme"
	"github.com/Cifrazia/cats-go/internal/cats/statement"
	"github.com/Cifrazia/cats-go/internal/catsdemo"
	"github.com/Cifrazia/cats-go/internal/config"
	"github.com/Cifrazia/cats-go/internal/logging"
)

// ErrNavigateExit signals operator intent to leave the console.
var ErrNavigateExit = errors.New("navigate exit")

type app struct {
	reader *bufio.Reader
	conn   *conn.Conn
}

func main() {
	configPath := flag.String("config", "", "path to a client TOML config (defaults baked in if omitted)")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg := config.DefaultClientConfig()
	if *configPath != "" {
		loaded, err := config.LoadClientConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "catsc: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	format, err := scheme.ParseFormat(cfg.SchemeFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "catsc: %v\n", err)
		os.Exit(1)
	}

	c, err := cats.Dial(cats.ClientConfig{
		Addr:                cfg.Addr,
		DialTimeout:         cfg.DialTimeout,
		ProtocolVersion:     cfg.ProtocolVersion,
		IdleTimeout:         cfg.IdleTimeout,
		InputTimeout:        cfg.InputTimeout,
		HandshakeTimeout:    cfg.HandshakeTimeout,
		InputLimit:          cfg.InputLimit,
		DefaultSchemeFormat: format,
		Statement: statement.Client{
			API:                cfg.APIVersion,
			SchemeFormat:       cfg.SchemeFormat,
			Compressors:        cfg.Compressors,
			DefaultCompression: cfg.DefaultCompression,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "catsc: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	a := &app{reader: bufio.NewReader(os.Stdin), conn: c}
	if err := a.runMenu(); err != nil {
		fmt.Fprintf(os.Stderr, "catsc: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) runMenu() error {
	for {
		fmt.Println()
		fmt.Println("CATS Client")
		fmt.Println("  1) Echo")
		fmt.Println("  2) Ask-confirm")
		fmt.Println("  3) Stream greeting")
		fmt.Println("  4) File bundle")
		fmt.Println("  5) Exit")
		choice, err := a.promptInt("Choose", 1, 5)
		if err != nil {
			if errors.Is(err, ErrNavigateExit) {
				return nil
			}
			return err
		}
		switch choice {
		case 1:
			a.runEcho()
		case 2:
			a.runAskConfirm()
		case 3:
			a.runStreamGreeting()
		case 4:
			a.runFileBundle()
		case 5:
			return nil
		}
	}
}

func (a *app) runEcho() {
	text, err := a.promptLine("Text to echo")
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	reply, err := a.conn.Request(context.Background(), catsdemo.EchoHandlerID, codec.ByteScheme, compress.None, nil, codec.EncodeByteScheme([]byte(text), 0))
	if err != nil {
		fmt.Println("echo failed:", err)
		return
	}
	payload, err := reply.LoadPayload()
	if err != nil {
		fmt.Println("echo failed:", err)
		return
	}
	fmt.Println("echo reply:", string(codec.DecodeByteScheme(payload)))
}

func (a *app) runAskConfirm() {
	text, err := a.promptLine("Question")
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	// The handler asks up to three nested confirmations; answer each one
	// interactively off stdin instead of just waiting for a final reply,
	// so this console actually exercises the chained-confirmation exchange
	// (spec.md §8 scenarios 3 & 6) rather than hanging the connection the
	// instant the server issues its first ask.
	prompt := func(_ context.Context, p *action.Envelope) ([]byte, uint8, uint8, action.Headers, bool, error) {
		payload, err := p.LoadPayload()
		if err != nil {
			return nil, 0, 0, nil, false, err
		}
		fmt.Println(string(codec.DecodeByteScheme(payload)))
		answer, err := a.promptLine("Answer (yes/no, or blank to cancel)")
		if err != nil {
			return nil, 0, 0, nil, false, err
		}
		if strings.TrimSpace(answer) == "" {
			return nil, 0, 0, nil, true, nil
		}
		return codec.EncodeByteScheme([]byte(answer), 0), codec.ByteScheme, compress.None, nil, false, nil
	}

	reply, err := a.conn.RequestWithPrompt(context.Background(), catsdemo.AskConfirmHandlerID, codec.ByteScheme, compress.None, nil, codec.EncodeByteScheme([]byte(text), 0), prompt)
	if err != nil {
		fmt.Println("ask-confirm failed:", err)
		return
	}
	payload, err := reply.LoadPayload()
	if err != nil {
		fmt.Println("ask-confirm failed:", err)
		return
	}
	fmt.Println("ask-confirm result:", string(codec.DecodeByteScheme(payload)))
}

func (a *app) runFileBundle() {
	greeting, err := a.promptLine("Greeting")
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	req, err := codec.EncodeScheme(map[string]any{"greeting": greeting}, scheme.JSON, 0)
	if err != nil {
		fmt.Println("file-bundle failed:", err)
		return
	}
	reply, err := a.conn.Request(context.Background(), catsdemo.FileBundleHandlerID, codec.Scheme, compress.Auto, nil, req)
	if err != nil {
		fmt.Println("file-bundle failed:", err)
		return
	}
	buf, err := reply.LoadPayload()
	if err != nil {
		fmt.Println("file-bundle failed:", err)
		return
	}
	manifest, ok := reply.Headers.Files()
	if !ok {
		fmt.Println("file-bundle failed: reply missing Files header")
		return
	}
	files, err := codec.DecodeFiles(buf, manifest)
	if err != nil {
		fmt.Println("file-bundle failed:", err)
		return
	}
	for _, entry := range manifest {
		data := files[entry.Key]
		if len(data) > 60 {
			data = append(append([]byte{}, data[:60]...), []byte("...")...)
		}
		fmt.Printf("  %s (%s, %d bytes): %q\n", entry.Name, entry.Type, entry.Size, data)
	}
}

func (a *app) runStreamGreeting() {
	name, err := a.promptLine("Name")
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	reply, err := a.conn.Request(context.Background(), catsdemo.StreamGreetingHandlerID, codec.ByteScheme, compress.None, nil, codec.EncodeByteScheme([]byte(name), 0))
	if err != nil {
		fmt.Println("stream-greeting failed:", err)
		return
	}
	payload, err := reply.LoadPayload()
	if err != nil {
		fmt.Println("stream-greeting failed:", err)
		return
	}
	fmt.Println("greeting:", string(codec.DecodeByteScheme(payload)))
}

func (a *app) promptLine(label string) (string, error) {
	if strings.TrimSpace(label) != "" {
		fmt.Printf("%s: ", label)
	}
	line, err := a.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (a *app) promptInt(label string, min, max int) (int, error) {
	for {
		line, err := a.promptLine(fmt.Sprintf("%s [%d-%d|exit|e]", label, min, max))
		if err != nil {
			return 0, err
		}
		trimmed := strings.ToLower(strings.TrimSpace(line))
		if trimmed == "exit" || trimmed == "e" {
			return 0, ErrNavigateExit
		}
		v, err := strconv.Atoi(trimmed)
		if err != nil || v < min || v > max {
			fmt.Println("Invalid selection.")
			continue
		}
		return v, nil
	}
}

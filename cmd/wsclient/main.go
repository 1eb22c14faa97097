// Command wsclient dials a WebSocket server, sends lines read from stdin
// as text messages, and prints every received message to stdout. It
// exists as a manual-testing counterpart to cmd/wsserver and as a
// reference for wiring DialClient.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/coregx/wsproto/websocket"
)

func main() {
	cmd := &cli.Command{
		Name:  "wsclient",
		Usage: "example RFC 6455 WebSocket client",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1:8080", Usage: "server host:port"},
			&cli.StringFlag{Name: "path", Value: "/", Usage: "HTTP request target for the opening handshake"},
			&cli.StringFlag{Name: "host", Value: "", Usage: "Host header value (defaults to addr)"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "wsclient: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	addr := cmd.String("addr")
	host := cmd.String("host")
	if host == "" {
		host = addr
	}

	handler := &printHandler{log: log, done: make(chan struct{})}

	conn, err := websocket.DialClient(ctx, "tcp", addr, host, cmd.String("path"), websocket.DialConfig{
		Handler: handler,
		Logger:  &log,
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer func() { _ = conn.Close(websocket.CloseNormal, "") }()

	fmt.Fprintf(os.Stderr, "connected as %s; type a message and press enter\n", conn.ID())

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := conn.Send(websocket.Text, []byte(line)); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}

	select {
	case <-handler.done:
	case <-ctx.Done():
	}
	return nil
}

type printHandler struct {
	log  zerolog.Logger
	done chan struct{}
}

func (h *printHandler) OnOpen(*websocket.Connection) {}

func (h *printHandler) OnMessage(_ *websocket.Connection, dataType websocket.DataType, data []byte) {
	if dataType == websocket.Text {
		fmt.Printf("< %s\n", string(data))
		return
	}
	fmt.Printf("< [%d binary bytes]\n", len(data))
}

func (h *printHandler) OnClose(_ *websocket.Connection, code websocket.CloseCode, reason string) {
	h.log.Info().Uint16("code", uint16(code)).Str("reason", reason).Msg("connection closed")
	close(h.done)
}

// Command wsserver runs an example WebSocket echo/broadcast server on top
// of the websocket engine package, for manual testing and as a reference
// for wiring ServerEndpoint.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/coregx/wsproto/websocket"
)

func newLogger(pretty bool) zerolog.Logger {
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func main() {
	cmd := &cli.Command{
		Name:  "wsserver",
		Usage: "example RFC 6455 WebSocket echo/broadcast server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":8080", Usage: "listen address"},
			&cli.BoolFlag{Name: "broadcast", Value: false, Usage: "rebroadcast every message to all other connected peers instead of echoing to the sender"},
			&cli.BoolFlag{Name: "pretty-log", Value: true, Usage: "human-readable console logging"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "wsserver: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	log := newLogger(cmd.Bool("pretty-log"))

	room := websocket.NewRoom()
	broadcast := cmd.Bool("broadcast")

	handler := &echoHandler{log: log, room: room, broadcast: broadcast}

	endpoint := websocket.NewServerEndpoint(websocket.EndpointConfig{
		Handler: handler,
		Logger:  &log,
	})

	addr := cmd.String("addr")
	log.Info().Str("addr", addr).Bool("broadcast", broadcast).Msg("starting websocket server")
	return endpoint.Serve("tcp", addr)
}

// echoHandler implements websocket.Handler: in echo mode it sends every
// inbound message back to its sender; in broadcast mode it fans each
// message out to every other connected peer (a minimal chat-room).
type echoHandler struct {
	log       zerolog.Logger
	room      *websocket.Room
	broadcast bool
}

func (h *echoHandler) OnOpen(c *websocket.Connection) {
	h.room.Join(c)
}

func (h *echoHandler) OnMessage(c *websocket.Connection, dataType websocket.DataType, data []byte) {
	if h.broadcast {
		h.room.BroadcastExcept(c, dataType, data)
		return
	}
	_ = c.Send(dataType, data)
}

func (h *echoHandler) OnClose(c *websocket.Connection, code websocket.CloseCode, reason string) {
	h.room.Leave(c)
}

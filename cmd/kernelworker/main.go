// Command kernelworker is the isolated-process side of the Worker
// scheduling mode. It is spawned by internal/worker.Host, announces its
// listen address on stdout, and speaks the envelope defined in
// internal/protocol over a single loopback WebSocket connection.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/leondli/kernelmgr/internal/kernel"
	"github.com/leondli/kernelmgr/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// activeEngine holds the single kernel this process hosts, if any. It is
// set once initialize_kernel arrives and read by watchInterruptBuffer,
// which runs on a separate goroutine from the connection's message loop.
var activeEngine atomic.Pointer[kernel.InProcessEngine]

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to bind worker listener")
	}

	go watchInterruptBuffer()

	mux := http.NewServeMux()
	mux.HandleFunc("/kernel", handleConn)
	server := &http.Server{Handler: mux}

	fmt.Fprintf(os.Stdout, "listen:%s\n", listener.Addr().String())
	if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("worker server exited")
	}
}

// watchInterruptBuffer reads the inherited fd-3 pipe (the host's
// "shared-memory" interrupt buffer, see internal/worker.Host.SendInterrupt)
// and interrupts the active engine on every byte received. If the host
// never set up the pipe, fd 3 is unopened and the first read fails
// immediately, so the goroutine just exits; interrupts then arrive only
// as interrupt_kernel messages instead.
func watchInterruptBuffer() {
	f := os.NewFile(uintptr(3), "interrupt-buffer")
	if f == nil {
		return
	}
	buf := make([]byte, 1)
	for {
		n, err := f.Read(buf)
		if err != nil {
			return
		}
		if n > 0 {
			if eng := activeEngine.Load(); eng != nil {
				_, _ = eng.Interrupt(context.Background())
			}
		}
	}
}

func handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade worker connection")
		return
	}
	defer conn.Close()

	var eng *kernel.InProcessEngine
	var kernelID string

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			log.Info().Err(err).Msg("worker connection closed")
			return
		}

		switch msg.Header.MsgType {
		case protocol.MsgTypeInitializeKernel:
			var content protocol.InitializeKernelContent
			decodeContent(msg.Content, &content)
			kernelID = content.KernelID
			eng = kernel.NewInProcessEngine()
			activeEngine.Store(eng)
			reply := protocol.NewReply(protocol.MsgTypeKernelInitialized, msg.Header, protocol.KernelInitializedContent{
				KernelID: kernelID,
				PID:      os.Getpid(),
			})
			_ = conn.WriteJSON(reply)

		case protocol.MsgTypeExecuteRequest:
			if eng == nil {
				_ = conn.WriteJSON(protocol.NewReply(protocol.MsgTypeExecuteReply, msg.Header, protocol.ExecuteReplyContent{
					Status: "error", ErrorName: "NotInitialized", ErrorText: "kernel not initialized",
				}))
				continue
			}
			var content protocol.ExecuteRequestContent
			decodeContent(msg.Content, &content)
			runExecution(conn, msg.Header, eng, content.Code)

		case protocol.MsgTypeInterruptKernel:
			var success bool
			if eng != nil {
				success, _ = eng.Interrupt(r.Context())
			}
			_ = conn.WriteJSON(protocol.NewMessage(protocol.MsgTypeInterruptTriggered, protocol.InterruptTriggeredContent{KernelID: kernelID, Success: success}))

		case protocol.MsgTypeShutdownRequest:
			_ = conn.WriteJSON(protocol.NewReply(protocol.MsgTypeShutdownReply, msg.Header, nil))
			return
		}
	}
}

func runExecution(conn *websocket.Conn, parent protocol.Header, eng *kernel.InProcessEngine, code string) {
	execErr := eng.Execute(context.Background(), parent.MsgID, code, func(ev kernel.Event) {
		wireType := toWireType(ev.Type)
		_ = conn.WriteJSON(protocol.NewReply(wireType, parent, ev.Content))
	})

	status := "ok"
	var errName, errText string
	if execErr != nil {
		status = "error"
		errText = execErr.Error()
	}
	_ = conn.WriteJSON(protocol.NewReply(protocol.MsgTypeExecuteReply, parent, protocol.ExecuteReplyContent{
		Status:    status,
		ErrorName: errName,
		ErrorText: errText,
	}))
}

func toWireType(t kernel.EventType) string {
	switch t {
	case kernel.EventStream:
		return protocol.MsgTypeStream
	case kernel.EventDisplayData:
		return protocol.MsgTypeDisplayData
	case kernel.EventUpdateDisplay:
		return protocol.MsgTypeUpdateDisplayData
	case kernel.EventClearOutput:
		return protocol.MsgTypeClearOutput
	case kernel.EventExecuteResult:
		return protocol.MsgTypeExecuteResult
	case kernel.EventError:
		return protocol.MsgTypeError
	case kernel.EventStatus:
		return protocol.MsgTypeStatus
	default:
		return string(t)
	}
}

func decodeContent(raw any, out any) {
	b, err := json.Marshal(raw)
	if err != nil {
		return
	}
	_ = json.Unmarshal(b, out)
}

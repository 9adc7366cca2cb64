// Package worker implements the Worker scheduling mode: kernels that run
// in an isolated child process reachable over a loopback WebSocket,
// speaking the envelope defined in package protocol.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/leondli/kernelmgr/internal/kernelerr"
	"github.com/leondli/kernelmgr/internal/protocol"
)

const (
	spawnReadyTimeout  = 10 * time.Second
	interruptReplyWait = 5 * time.Second
	pingInterval       = 30 * time.Second
)

// Permissions mirrors kernel.Permissions for the worker transport.
// Duplicated here (rather than imported) because package kernel already
// imports package worker.
type Permissions struct {
	AllowNetwork    bool
	AllowFilesystem bool
}

// FilesystemMount mirrors kernel.FilesystemMount for the worker transport.
type FilesystemMount struct {
	MountPoint string
	Root       string
}

// Host manages one isolated worker process and its WebSocket channel.
type Host struct {
	kernelID   string
	workerPath string

	mu        sync.Mutex
	cmd       *exec.Cmd
	conn      *websocket.Conn
	closed    bool
	closeChan chan struct{}
	killOnce  sync.Once

	// interruptWriter is the host's end of the pipe inherited by the
	// worker as an extra file descriptor (the "shared-memory" interrupt
	// buffer): a single byte written here reaches the worker without
	// going through JSON framing or the event loop. nil if the pipe could
	// not be created, in which case interrupts fall back to messages.
	interruptWriter *os.File

	readCh        chan protocol.Message
	interruptAckCh chan protocol.Message
	errCh         chan error
}

// NewHost constructs a Host for kernelID, launching workerPath (the
// cmd/kernelworker binary) as its backing process.
func NewHost(kernelID, workerPath string) *Host {
	return &Host{
		kernelID:       kernelID,
		workerPath:     workerPath,
		closeChan:      make(chan struct{}),
		readCh:         make(chan protocol.Message, 64),
		interruptAckCh: make(chan protocol.Message, 1),
		errCh:          make(chan error, 1),
	}
}

// Spawn launches the worker process, waits for it to announce its listen
// address on stdout, and dials it over WebSocket. It returns once the
// KernelInitialized reply is received or ctx/timeout elapses.
func (h *Host) Spawn(ctx context.Context, language string, env map[string]string, perms *Permissions, fs *FilesystemMount) error {
	cmd := exec.Command(h.workerPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return kernelerr.SpawnError("failed to attach worker stdout", err)
	}

	interruptReader, interruptWriter, pipeErr := os.Pipe()
	if pipeErr != nil {
		log.Warn().Err(pipeErr).Str("kernel_id", h.kernelID).Msg("interrupt buffer pipe unavailable, falling back to message-based interrupt")
	} else {
		cmd.ExtraFiles = []*os.File{interruptReader}
	}

	if err := cmd.Start(); err != nil {
		if pipeErr == nil {
			interruptReader.Close()
			interruptWriter.Close()
		}
		return kernelerr.SpawnError("failed to start worker process", err)
	}
	if pipeErr == nil {
		// The worker has its own duplicated copy of the read end; the
		// host only ever writes.
		interruptReader.Close()
	}
	h.mu.Lock()
	h.cmd = cmd
	if pipeErr == nil {
		h.interruptWriter = interruptWriter
	}
	h.mu.Unlock()

	go func() {
		if werr := cmd.Wait(); werr != nil {
			log.Warn().Err(werr).Str("kernel_id", h.kernelID).Msg("worker process exited with error")
		} else {
			log.Info().Str("kernel_id", h.kernelID).Msg("worker process exited")
		}
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
	}()

	addrCh := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if strings.HasPrefix(line, "listen:") {
				addrCh <- strings.TrimPrefix(line, "listen:")
				return
			}
		}
		addrCh <- ""
	}()

	var addr string
	select {
	case addr = <-addrCh:
		if addr == "" {
			h.killLocked()
			return kernelerr.SpawnError("worker exited before announcing listen address", nil)
		}
	case <-time.After(spawnReadyTimeout):
		h.killLocked()
		return kernelerr.SpawnError("worker did not announce a listen address in time", nil)
	case <-ctx.Done():
		h.killLocked()
		return ctx.Err()
	}

	wsURL := url.URL{Scheme: "ws", Host: addr, Path: "/kernel"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		h.killLocked()
		return kernelerr.SpawnError("failed to dial worker process", err)
	}
	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()

	go h.readLoop()
	go h.pingLoop()

	initMsg := protocol.NewMessage(protocol.MsgTypeInitializeKernel, protocol.InitializeKernelContent{
		KernelID:    h.kernelID,
		Language:    language,
		Env:         env,
		Permissions: permissionsContent(perms),
		Filesystem:  filesystemContent(fs),
	})
	if err := h.send(initMsg); err != nil {
		h.killLocked()
		return kernelerr.SpawnError("failed to send initialize_kernel", err)
	}

	select {
	case msg := <-h.readCh:
		content, ok := msg.Content.(map[string]any)
		if ok {
			if errText, _ := content["error"].(string); errText != "" {
				h.killLocked()
				return kernelerr.InitError("worker reported init failure", fmt.Errorf("%s", errText))
			}
		}
		return nil
	case err := <-h.errCh:
		h.killLocked()
		return kernelerr.Crashed("worker connection failed during init", err)
	case <-time.After(spawnReadyTimeout):
		h.killLocked()
		return kernelerr.SpawnError("timed out waiting for kernel_initialized", nil)
	case <-ctx.Done():
		h.killLocked()
		return ctx.Err()
	}
}

func (h *Host) readLoop() {
	for {
		h.mu.Lock()
		conn := h.conn
		h.mu.Unlock()
		if conn == nil {
			return
		}
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case h.errCh <- err:
			default:
			}
			return
		}
		if msg.Header.MsgType == protocol.MsgTypeInterruptTriggered {
			select {
			case h.interruptAckCh <- msg:
			default:
			}
			continue
		}
		select {
		case h.readCh <- msg:
		case <-h.closeChan:
			return
		}
	}
}

func (h *Host) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.mu.Lock()
			conn := h.conn
			closed := h.closed
			h.mu.Unlock()
			if closed || conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				log.Debug().Err(err).Str("kernel_id", h.kernelID).Msg("worker ping failed")
				return
			}
		case <-h.closeChan:
			return
		}
	}
}

func (h *Host) send(msg protocol.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil || h.closed {
		return fmt.Errorf("worker connection not available")
	}
	return h.conn.WriteJSON(msg)
}

// Execute sends code to the worker and streams events back via emit until
// an execute_reply terminates the request or ctx is canceled.
func (h *Host) Execute(ctx context.Context, executionID, code string, emit func(protocol.Message)) error {
	msg := protocol.NewMessage(protocol.MsgTypeExecuteRequest, protocol.ExecuteRequestContent{Code: code})
	msg.Header.MsgID = executionID
	if err := h.send(msg); err != nil {
		return kernelerr.Crashed("failed to send execute_request", err)
	}

	for {
		select {
		case reply := <-h.readCh:
			emit(reply)
			if reply.Header.MsgType == protocol.MsgTypeExecuteReply {
				return nil
			}
		case err := <-h.errCh:
			return kernelerr.Crashed("worker connection lost during execution", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SendInterrupt delivers an interrupt to the worker. It prefers the
// inherited-pipe fast path (the "shared-memory" buffer): a single byte
// write that the worker observes without going through JSON framing. If
// that pipe was never established, it falls back to a message-based
// interrupt and awaits the InterruptTriggered acknowledgement with a
// bounded timeout. The returned bool reports whether delivery was
// confirmed; a timeout is treated as an unconfirmed best-effort attempt,
// not an error.
func (h *Host) SendInterrupt(ctx context.Context) (bool, error) {
	h.mu.Lock()
	w := h.interruptWriter
	h.mu.Unlock()
	if w != nil {
		if _, err := w.Write([]byte{1}); err == nil {
			return true, nil
		}
		log.Warn().Str("kernel_id", h.kernelID).Msg("interrupt buffer write failed, falling back to message-based interrupt")
	}

	if err := h.send(protocol.NewMessage(protocol.MsgTypeInterruptKernel, nil)); err != nil {
		return false, kernelerr.Crashed("failed to send interrupt_kernel", err)
	}
	select {
	case msg := <-h.interruptAckCh:
		success := false
		if content, ok := msg.Content.(map[string]any); ok {
			success, _ = content["success"].(bool)
		}
		return success, nil
	case <-time.After(interruptReplyWait):
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Rebind tears down the current connection and re-spawns a fresh worker
// process under the same Host, discarding stale process state. Manager
// restarts do not go through Rebind: they call WorkerEngine.Shutdown and
// Init, which builds a new Host.
func (h *Host) Rebind(ctx context.Context, language string, env map[string]string, perms *Permissions, fs *FilesystemMount) error {
	h.Terminate()
	h.mu.Lock()
	h.closed = false
	h.closeChan = make(chan struct{})
	h.readCh = make(chan protocol.Message, 64)
	h.interruptAckCh = make(chan protocol.Message, 1)
	h.errCh = make(chan error, 1)
	h.interruptWriter = nil
	h.killOnce = sync.Once{}
	h.mu.Unlock()
	return h.Spawn(ctx, language, env, perms, fs)
}

// Terminate force-kills the worker process. It is idempotent.
func (h *Host) Terminate() {
	h.killLocked()
}

func (h *Host) killLocked() {
	h.killOnce.Do(func() {
		h.mu.Lock()
		conn := h.conn
		cmd := h.cmd
		iw := h.interruptWriter
		h.closed = true
		h.mu.Unlock()
		close(h.closeChan)
		if conn != nil {
			_ = conn.Close()
		}
		if iw != nil {
			_ = iw.Close()
		}
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	})
}

func permissionsContent(p *Permissions) *protocol.PermissionsContent {
	if p == nil {
		return nil
	}
	return &protocol.PermissionsContent{AllowNetwork: p.AllowNetwork, AllowFilesystem: p.AllowFilesystem}
}

func filesystemContent(f *FilesystemMount) *protocol.FilesystemContent {
	if f == nil {
		return nil
	}
	return &protocol.FilesystemContent{MountPoint: f.MountPoint, Root: f.Root}
}

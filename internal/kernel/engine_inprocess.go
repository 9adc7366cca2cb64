package kernel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// InProcessEngine is the reference engine for ModeInProcess. It does not
// define or execute a real language; it evaluates a tiny line-oriented
// directive script just expressive enough to exercise the full event
// taxonomy (stream, display_data, execute_result, error) end to end,
// modeled on the magic-command dispatch style of a line-by-line kernel
// wrapper: one directive per line, first token selects the behavior.
//
// Supported directives, one per line of submitted code:
//
//	print <text>         -> stream event on stdout
//	eprint <text>        -> stream event on stderr
//	display <mime> <val> -> display_data event
//	update <mime> <val>  -> update_display_data event
//	result <val>         -> execute_result event
//	clear <true|false>   -> clear_output event
//	raise <name> <msg>   -> error event, execution ends in error
//	sleep <ms>           -> pause, honoring cancellation
type InProcessEngine struct {
	mu         sync.Mutex
	interrupt  chan struct{}
	execCount  int
	terminated bool
	executing  bool
}

// NewInProcessEngine constructs an idle in-process reference engine.
func NewInProcessEngine() *InProcessEngine {
	return &InProcessEngine{interrupt: make(chan struct{}, 1)}
}

// Init (re)prepares the engine to accept code. It is also what a restart
// uses to recover an engine previously shut down: it clears the
// terminated flag and resets execution state, since restart reuses the
// same Engine value rather than allocating a fresh one.
func (e *InProcessEngine) Init(ctx context.Context, opts Options) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminated = false
	e.execCount = 0
	e.executing = false
	select {
	case <-e.interrupt:
	default:
	}
	return nil
}

func (e *InProcessEngine) Execute(ctx context.Context, executionID string, code string, emit func(Event)) error {
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return fmt.Errorf("engine shut down")
	}
	e.execCount++
	count := e.execCount
	e.executing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.executing = false
		e.mu.Unlock()
	}()

	emit(Event{Type: EventStatus, ParentID: executionID, Content: statusBusy()})
	defer emit(Event{Type: EventStatus, ParentID: executionID, Content: statusIdle()})

	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.interrupt:
			return fmt.Errorf("interrupted")
		default:
		}

		fields := strings.SplitN(line, " ", 2)
		directive := fields[0]
		var arg string
		if len(fields) > 1 {
			arg = fields[1]
		}

		switch directive {
		case "print":
			emit(Event{Type: EventStream, ParentID: executionID, Content: streamContent("stdout", arg+"\n")})
		case "eprint":
			emit(Event{Type: EventStream, ParentID: executionID, Content: streamContent("stderr", arg+"\n")})
		case "display":
			mime, val := splitTwo(arg)
			emit(Event{Type: EventDisplayData, ParentID: executionID, Content: displayContent(mime, val)})
		case "result":
			emit(Event{Type: EventExecuteResult, ParentID: executionID, Content: resultContent(count, arg)})
		case "update":
			mime, val := splitTwo(arg)
			emit(Event{Type: EventUpdateDisplay, ParentID: executionID, Content: displayContent(mime, val)})
		case "clear":
			emit(Event{Type: EventClearOutput, ParentID: executionID, Content: map[string]any{"wait": strings.TrimSpace(arg) == "true"}})
		case "raise":
			name, msg := splitTwo(arg)
			emit(Event{Type: EventError, ParentID: executionID, Content: errorContent(name, msg)})
			return fmt.Errorf("%s: %s", name, msg)
		case "sleep":
			ms, err := strconv.Atoi(strings.TrimSpace(arg))
			if err != nil {
				continue
			}
			t := time.NewTimer(time.Duration(ms) * time.Millisecond)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-e.interrupt:
				t.Stop()
				return fmt.Errorf("interrupted")
			}
		default:
			emit(Event{Type: EventStream, ParentID: executionID, Content: streamContent("stdout", line+"\n")})
		}
	}
	return nil
}

func (e *InProcessEngine) Interrupt(ctx context.Context) (bool, error) {
	e.mu.Lock()
	executing := e.executing
	e.mu.Unlock()
	if !executing {
		return false, nil
	}
	select {
	case e.interrupt <- struct{}{}:
	default:
	}
	return true, nil
}

func (e *InProcessEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.terminated = true
	e.mu.Unlock()
	return nil
}

func splitTwo(s string) (string, string) {
	parts := strings.SplitN(s, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

func statusBusy() map[string]any { return map[string]any{"execution_state": "busy"} }
func statusIdle() map[string]any { return map[string]any{"execution_state": "idle"} }

func streamContent(name, text string) map[string]any {
	return map[string]any{"name": name, "text": text}
}

func displayContent(mime, val string) map[string]any {
	return map[string]any{"data": map[string]any{mime: val}}
}

func resultContent(count int, val string) map[string]any {
	return map[string]any{"execution_count": count, "data": map[string]any{"text/plain": val}}
}

func errorContent(name, msg string) map[string]any {
	return map[string]any{"ename": name, "evalue": msg, "traceback": []string{name + ": " + msg}}
}

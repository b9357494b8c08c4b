package realtime

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/forgepad/nodeagent/internal/activity"
	"github.com/forgepad/nodeagent/internal/engine"
	"github.com/forgepad/nodeagent/internal/logger"
)

// Envelope is the WebSocket message envelope (spec.md §6).
type Envelope struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// TerminalConfig configures the WebSocket terminal handler's origin check
// (spec.md §4.6, grounded on internal/graph/websocket.go's CheckOrigin).
type TerminalConfig struct {
	AllowedOrigins []string
}

func (c TerminalConfig) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return len(c.AllowedOrigins) == 0
	}
	return slices.Contains(c.AllowedOrigins, origin)
}

// TerminalHandler serves the WebSocket terminal endpoint.
type TerminalHandler struct {
	adapter *engine.Adapter
	tracker *activity.Tracker
	cfg     TerminalConfig
}

// NewTerminalHandler creates a TerminalHandler.
func NewTerminalHandler(adapter *engine.Adapter, tracker *activity.Tracker, cfg TerminalConfig) *TerminalHandler {
	return &TerminalHandler{adapter: adapter, tracker: tracker, cfg: cfg}
}

// execJob tracks a single cancellable `exec` invocation.
type execJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Serve upgrades the request and runs the interactive shell plus
// cancellable exec jobs until the connection closes (spec.md §4.6,
// "WebSocket terminal"). Ownership of userID/appID is verified upstream.
func (h *TerminalHandler) Serve(w http.ResponseWriter, r *http.Request, userID, appID, containerName, appDir string) {
	upgrader := websocket.Upgrader{
		CheckOrigin:     h.cfg.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := logger.Get(ctx).With(zap.String("userId", userID), zap.String("appId", appID))

	var writeMu sync.Mutex
	writeEvent := func(evtType, data string) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteJSON(Envelope{Type: evtType, Data: data})
	}

	stdoutR, stdoutW := io.Pipe()
	shellStdin, stopShell, err := h.startInteractiveShell(ctx, containerName, stdoutW)
	if err != nil {
		writeEvent("error", err.Error())
		return
	}
	defer stopShell()

	go pumpStdout(ctx, stdoutR, func(chunk string) { writeEvent("stdout", chunk) })

	writeEvent("ready", "")

	var jobMu sync.Mutex
	var currentJob *execJob

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		h.tracker.Touch(userID)

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}

		switch env.Type {
		case "stdin":
			_, _ = io.WriteString(shellStdin, env.Data)

		case "ctrl_c":
			jobMu.Lock()
			job := currentJob
			jobMu.Unlock()
			if job != nil {
				job.cancel()
			} else {
				_, _ = io.WriteString(shellStdin, "\x03")
			}

		case "exec":
			jobMu.Lock()
			if currentJob != nil {
				currentJob.cancel()
			}
			jobCtx, jobCancel := context.WithCancel(ctx)
			job := &execJob{cancel: jobCancel, done: make(chan struct{})}
			currentJob = job
			jobMu.Unlock()

			go h.runExecJob(jobCtx, job, containerName, appDir, env.Data, writeEvent)

		case "cancel":
			jobMu.Lock()
			job := currentJob
			jobMu.Unlock()
			if job != nil {
				job.cancel()
			}

		case "resize", "close":
			// acknowledged; no-op without a PTY.
		}
	}

	jobMu.Lock()
	if currentJob != nil {
		currentJob.cancel()
	}
	jobMu.Unlock()

	writeEvent("exit", "")
	log.Info("terminal session closed")
}

// startInteractiveShell launches `exec -i <container> bash` and returns a
// writer for its stdin; stdout is streamed live to out as the shell
// produces it.
func (h *TerminalHandler) startInteractiveShell(ctx context.Context, containerName string, out io.Writer) (io.Writer, func(), error) {
	// The interactive shell has no fixed timeout; it runs for the
	// connection's lifetime and is torn down via ctx cancellation.
	stdinR, stdinW := io.Pipe()
	go func() {
		_ = h.adapter.StreamExec(ctx, containerName, []string{"bash"}, stdinR, out)
		_ = stdinR.Close()
	}()
	return stdinW, func() { _ = stdinW.Close() }, nil
}

// runExecJob runs a cancellable `cd <appDir> && <cmd>` through Adapter.Exec
// (`exec -i <container> bash -c ...`, with the adapter's default timeout),
// emitting exec_start/exec_exit. Output is not streamed while the command
// runs: the bounded captured output is sent as a single exec_stdout event
// after the command exits.
func (h *TerminalHandler) runExecJob(ctx context.Context, job *execJob, containerName, appDir, cmd string, emit func(string, string)) {
	defer close(job.done)
	emit("exec_start", cmd)

	shellCmd := "cd " + shellQuoteTerminal(appDir) + " && " + cmd
	res, err := h.adapter.Exec(ctx, containerName, shellCmd, 0)
	if err != nil {
		emit("error", err.Error())
		emit("exec_exit", "1")
		return
	}
	if len(res.Output) > 0 {
		emit("exec_stdout", string(res.Output))
	}
	emit("exec_exit", strconv.Itoa(res.ExitCode))
}

func pumpStdout(ctx context.Context, r io.Reader, emit func(string)) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := r.Read(buf)
		if n > 0 {
			emit(string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

func shellQuoteTerminal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

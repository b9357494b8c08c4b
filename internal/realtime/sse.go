// Package realtime implements the Realtime Channel (spec.md §4.6, C10): an
// SSE status stream and a bidirectional WebSocket terminal over the
// container engine and the run-state observer.
//
// The WebSocket upgrade/origin-check shape is grounded on the teacher's
// internal/graph/websocket.go (CheckOrigin against an allowlist, empty
// origin tolerated only in dev mode). The SSE side is new — the teacher has
// no SSE transport — built from spec.md §4.6's fixed-delay-timer /
// hash-on-change / keep-alive-comment contract.
package realtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/forgepad/nodeagent/internal/activity"
	"github.com/forgepad/nodeagent/internal/logger"
	"github.com/forgepad/nodeagent/internal/pubsub"
)

// TickDelay is the SSE cooperative timer's fixed delay (spec.md §4.6: "not
// fixed-rate, to avoid pile-up when exec stalls").
const TickDelay = 2 * time.Second

// TouchInterval is how often the SSE loop touches the activity tracker.
const TouchInterval = 30 * time.Second

// KeepAliveInterval is how often a comment-line keep-alive is emitted.
const KeepAliveInterval = 25 * time.Second

// StatusSnapshot is the payload hashed and sent as the `status` SSE event.
type StatusSnapshot struct {
	State      string `json:"state"`
	AppID      string `json:"appId"`
	Type       string `json:"type"`
	PID        *int   `json:"pid"`
	PreviewURL string `json:"previewUrl,omitempty"`
	LogPath    string `json:"logPath,omitempty"`
	Message    string `json:"message,omitempty"`
}

func (s StatusSnapshot) hash() string {
	data, _ := json.Marshal(s)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StatusFetcher computes the current status for a user on demand; it is the
// observer (C7) wired through the controller layer.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, userID string) (StatusSnapshot, error)
}

// SSEHandler serves the GET status stream.
type SSEHandler struct {
	fetcher StatusFetcher
	tracker *activity.Tracker
	events  pubsub.PubSub
}

// NewSSEHandler creates an SSEHandler.
func NewSSEHandler(fetcher StatusFetcher, tracker *activity.Tracker, events pubsub.PubSub) *SSEHandler {
	return &SSEHandler{fetcher: fetcher, tracker: tracker, events: events}
}

// ServeUser streams status events for userID until the client disconnects
// or an unrecoverable error occurs (spec.md §4.6, "SSE status stream").
// Ownership of userID/appID is the upstream controller's responsibility;
// this handler only checks that userID is non-empty.
func (h *SSEHandler) ServeUser(w http.ResponseWriter, r *http.Request, userID string) {
	if userID == "" {
		http.Error(w, "missing userId", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	log := logger.Get(ctx).With(zap.String("userId", userID))

	var wake <-chan []byte
	var wakeCleanup func()
	if h.events != nil {
		wake, wakeCleanup = h.events.Subscribe(ctx, pubsub.RunTopic(userID))
		defer wakeCleanup()
	}

	lastHash := ""
	lastTouch := time.Now()
	lastKeepAlive := time.Now()
	timer := time.NewTimer(0) // fire immediately for the first tick
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			// early-wake: fall through to an immediate tick below.
		case <-timer.C:
		}

		now := time.Now()
		if now.Sub(lastTouch) >= TouchInterval {
			h.tracker.Touch(userID)
			lastTouch = now
		}

		snapshot, err := h.fetcher.FetchStatus(ctx, userID)
		if err != nil {
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", escapeSSEData(err.Error()))
			flusher.Flush()
			log.Warn("sse: status fetch failed, closing stream", zap.Error(err))
			return
		}

		h2 := snapshot.hash()
		if h2 != lastHash {
			data, _ := json.Marshal(snapshot)
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
			flusher.Flush()
			lastHash = h2
		} else if now.Sub(lastKeepAlive) >= KeepAliveInterval {
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
			lastKeepAlive = now
		}

		timer.Reset(TickDelay)
	}
}

func escapeSSEData(s string) string {
	// SSE data lines may not contain a bare newline; callers pass single-line
	// error messages, but guard defensively.
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, ' ')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

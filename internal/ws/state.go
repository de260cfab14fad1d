package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/coreman2200/funtimes-ledgrid/internal/animation"
	"github.com/coreman2200/funtimes-ledgrid/internal/app"
	diag "github.com/coreman2200/funtimes-ledgrid/internal/diagnostics"
	"github.com/coreman2200/funtimes-ledgrid/internal/tests"
)

const writeWait = 200 * time.Millisecond

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// Frame is one brightness snapshot of the whole matrix.
type Frame struct {
	T       int64                  `json:"t"`
	FrameID uint64                 `json:"frame_id"`
	Pixels  []animation.PixelState `json:"pixels"`
}

// Topology is sent once to each new /ws client.
type Topology struct {
	Rows     int          `json:"rows"`
	Cols     int          `json:"cols"`
	Pixels   int          `json:"pixels"`
	Driver   string       `json:"driver"`
	FPS      int          `json:"fps"`
	Patterns []string     `json:"patterns"`
	Tests    []tests.Kind `json:"tests"`
}

// State serves the monitor endpoints for one core.
type State struct {
	core      *app.Core
	fps       int
	startTime time.Time
	frameID   atomic.Uint64

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

func NewState(core *app.Core, fps int) *State {
	return &State{
		core:      core,
		fps:       max(1, fps),
		startTime: time.Now(),
		clients:   map[*websocket.Conn]bool{},
	}
}

// Register mounts the monitor routes on mux.
func (s *State) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.HandleFramesWS)
	mux.HandleFunc("/diag", s.HandleDiagWS)
	mux.HandleFunc("/control", s.HandleControlWS)
	mux.HandleFunc("/health", s.HandleHealth)
}

// RunFrameLoop broadcasts a snapshot to every /ws client at the configured
// rate until ctx is done.
func (s *State) RunFrameLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(s.fps))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.mu.RLock()
		idle := len(s.clients) == 0
		s.mu.RUnlock()
		if idle {
			continue
		}
		s.broadcastFrame(s.snapshot())
	}
}

func (s *State) snapshot() Frame {
	return Frame{
		T:       time.Now().UnixNano(),
		FrameID: s.frameID.Add(1),
		Pixels:  s.core.Coord.Snapshot(),
	}
}

func (s *State) topology() Topology {
	rows, cols := s.core.Coord.Matrix().Bounds()
	return Topology{
		Rows:     rows,
		Cols:     cols,
		Pixels:   s.core.Coord.Matrix().Len(),
		Driver:   s.core.Driver,
		FPS:      s.fps,
		Patterns: s.core.Patterns.List(),
		Tests:    tests.Kinds(),
	}
}

func (s *State) HandleFramesWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if err := writeJSON(conn, s.topology()); err != nil {
		conn.Close()
		return
	}
	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// HandleDiagWS replays recent diagnostics and then streams new ones.
func (s *State) HandleDiagWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	recent, sub, cancel := s.core.Feed.SubscribeWithRecent(32)
	go func() {
		defer conn.Close()
		for _, d := range recent {
			if writeJSON(conn, d) != nil {
				cancel()
				return
			}
		}
		for d := range sub {
			if err := writeJSON(conn, d); err != nil {
				log.Debug().Err(err).Msg("write diag")
				cancel()
				return
			}
		}
	}()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// HandleControlWS runs each JSON command it receives and answers with a
// reply on the same connection.
func (s *State) HandleControlWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd app.Command
		var reply app.Reply
		if err := json.Unmarshal(data, &cmd); err != nil {
			reply = app.Reply{Error: "bad command: " + err.Error()}
		} else if reply, err = s.core.Exec(cmd); err != nil {
			reply.Error = err.Error()
			s.core.Feed.Publish(diag.Diagnostic{
				Severity: diag.Warn, Code: diag.CodeControlFailed,
				Summary:  "Control command failed",
				Detail:   err.Error(),
				Evidence: map[string]any{"op": cmd.Op},
			})
		}
		if err := writeJSON(conn, reply); err != nil {
			return
		}
	}
}

func (s *State) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{
		"frame_id": s.frameID.Load(),
		"uptime_s": time.Since(s.startTime).Seconds(),
		"pixels":   s.core.Coord.Matrix().Len(),
		"fps":      s.fps,
		"driver":   s.core.Driver,
		"player":   s.core.Player.State(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *State) broadcastFrame(f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		log.Error().Err(err).Msg("encode frame")
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Debug().Err(err).Msg("write frame")
		}
	}
}

func writeJSON(c *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.WriteMessage(websocket.TextMessage, b)
}

package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreman2200/funtimes-ledgrid/internal/app"
	"github.com/coreman2200/funtimes-ledgrid/internal/config"
	diag "github.com/coreman2200/funtimes-ledgrid/internal/diagnostics"
)

func newServer(t *testing.T) (*State, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.StepInterval = 2 * time.Millisecond
	cfg.StopTimeout = 200 * time.Millisecond
	core, err := app.InitCore(context.Background(), cfg, app.Options{SimOnly: true})
	require.NoError(t, err)

	s := NewState(core, 50)
	mux := http.NewServeMux()
	s.Register(mux)
	srv := httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	go s.RunFrameLoop(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
		_ = core.Close()
	})
	return s, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func read(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, b, err := c.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, v))
}

func TestControlAndFrames(t *testing.T) {
	_, srv := newServer(t)

	frames := dial(t, srv, "/ws")
	var top Topology
	read(t, frames, &top)
	assert.Equal(t, 4, top.Rows)
	assert.Equal(t, 4, top.Cols)
	assert.Equal(t, 16, top.Pixels)
	assert.Equal(t, "sim", top.Driver)
	assert.Contains(t, top.Patterns, "wave")

	ctl := dial(t, srv, "/control")
	require.NoError(t, ctl.WriteJSON(app.Command{Op: app.OpSet, Row: 1, Col: 2, Target: 0.75}))
	var reply app.Reply
	read(t, ctl, &reply)
	assert.Empty(t, reply.Error)
	assert.Equal(t, 1, reply.Applied)

	deadline := time.Now().Add(2 * time.Second)
	var last uint64
	for {
		var f Frame
		read(t, frames, &f)
		require.Len(t, f.Pixels, 16)
		assert.Greater(t, f.FrameID, last)
		last = f.FrameID
		if f.Pixels[6].Brightness == 0.75 {
			break
		}
		require.True(t, time.Now().Before(deadline), "pixel never reached 0.75")
	}

	require.NoError(t, ctl.WriteJSON(app.Command{Op: "jump"}))
	read(t, ctl, &reply)
	assert.Contains(t, reply.Error, "unknown command")

	require.NoError(t, ctl.WriteMessage(websocket.TextMessage, []byte("{")))
	read(t, ctl, &reply)
	assert.Contains(t, reply.Error, "bad command")
}

func TestDiagStream(t *testing.T) {
	s, srv := newServer(t)
	s.core.Feed.Publish(diag.Diagnostic{Severity: diag.Info, Code: "EARLY"})

	d := dial(t, srv, "/diag")
	var got diag.Diagnostic
	read(t, d, &got)
	assert.Equal(t, "EARLY", got.Code)

	ctl := dial(t, srv, "/control")
	require.NoError(t, ctl.WriteJSON(app.Command{Op: app.OpPattern, Name: "nope"}))
	var reply app.Reply
	read(t, ctl, &reply)
	require.NotEmpty(t, reply.Error)

	read(t, d, &got)
	assert.Equal(t, diag.CodeControlFailed, got.Code)
	assert.Equal(t, "pattern", got.Evidence["op"])
}

func TestHealth(t *testing.T) {
	_, srv := newServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var h map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.EqualValues(t, 16, h["pixels"])
	assert.Equal(t, "sim", h["driver"])
	assert.Equal(t, "idle", h["player"])
}

// Package integration drives the assembled server over real HTTP and websocket
// connections.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"seminar/internal/api"
	"seminar/internal/app"
	"seminar/internal/config"
	"seminar/internal/connection"
	"seminar/internal/dispatcher"
	"seminar/internal/websocket"
	"seminar/pkg/types"
)

const waitTimeout = 5 * time.Second

// server is one running application behind an httptest listener.
type server struct {
	app *app.Application
	srv *httptest.Server
}

func testConfig(dbPath string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.DatabasePath = dbPath
	cfg.WebSocket.PingInterval = time.Second
	cfg.Classroom.SweepInterval = time.Hour
	return cfg
}

func startServer(t *testing.T, dbPath string) *server {
	t.Helper()
	ctx := context.Background()
	application, err := app.NewApplication(ctx, testConfig(dbPath))
	if err != nil {
		t.Fatalf("NewApplication: %v", err)
	}
	if err := application.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s := &server{app: application, srv: httptest.NewServer(application.Handler())}
	t.Cleanup(s.stop)
	return s
}

// stop is idempotent so tests can restart on the same archive.
func (s *server) stop() {
	if s.srv == nil {
		return
	}
	s.srv.CloseClientConnections()
	s.srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_ = s.app.Stop(ctx)
	s.srv = nil
}

func (s *server) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

func (s *server) createClassroom(t *testing.T) *types.ClassroomSession {
	t.Helper()
	resp, err := http.Post(s.srv.URL+"/api/classrooms", "application/json", bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatalf("POST /api/classrooms: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var body api.ClassroomResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body.Classroom
}

func (s *server) getClassroom(t *testing.T, code string) (int, *types.ClassroomSession) {
	t.Helper()
	resp, err := http.Get(s.srv.URL + "/api/classrooms/" + code)
	if err != nil {
		t.Fatalf("GET classroom: %v", err)
	}
	defer resp.Body.Close()
	var body api.ClassroomResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body.Classroom
}

// client is one participant: connection manager plus dispatcher replica.
type client struct {
	conn *connection.Manager
	d    *dispatcher.Dispatcher
}

func dial(t *testing.T, s *server) *client {
	t.Helper()
	cfg := connection.DefaultConfig()
	cfg.Reconnect = false
	cfg.HeartbeatInterval = 0
	cfg.AckTimeout = waitTimeout

	conn := connection.NewManager(websocket.NewDialer(s.wsURL()), cfg, nil)
	d := dispatcher.New(conn, waitTimeout)
	conn.OnEvent(d.Route)
	conn.OnStateChange(d.HandleStateChange)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(conn.Disconnect)
	return &client{conn: conn, d: d}
}

func (c *client) join(t *testing.T, req types.JoinClassroom) *types.JoinResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	result, err := c.d.Join(ctx, req)
	if err != nil {
		t.Fatalf("Join(%+v): %v", req, err)
	}
	return result
}

func (c *client) dispatch(t *testing.T, action types.Event) *types.Ack {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	ack, err := c.d.Dispatch(ctx, action)
	if err != nil {
		t.Fatalf("Dispatch(%s): %v", action.EventName(), err)
	}
	return ack
}

// waitFor polls the replica until cond holds.
func (c *client) waitFor(t *testing.T, what string, cond func(types.ClassroomSession) bool) types.ClassroomSession {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		snap := c.d.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; replica: %+v", what, snap)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func dbPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "seminar.db")
}

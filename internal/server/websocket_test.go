package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readRun reads events until a status arrives and returns the concatenated
// output and the status message.
func readRun(t *testing.T, conn *websocket.Conn) (string, wsOutgoing) {
	t.Helper()
	var out strings.Builder
	runID := ""
	for {
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		var msg wsOutgoing
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v (output so far %q)", err, out.String())
		}
		if runID == "" {
			runID = msg.RunID
		} else if msg.RunID != runID {
			t.Fatalf("run id changed from %s to %s", runID, msg.RunID)
		}
		switch msg.Type {
		case "output":
			out.WriteString(msg.Content)
		case "status":
			return out.String(), msg
		default:
			t.Fatalf("unexpected message %+v", msg)
		}
	}
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for hub.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("hub has %d clients, want %d", hub.Len(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketRunWithInput(t *testing.T) {
	ts, _ := newTestServer(t, "")
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(wsIncoming{Type: "run", Code: "read x\necho \"got $x\"\n", Lang: "sh"}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(wsIncoming{Type: "input", Content: "hello"}); err != nil {
		t.Fatal(err)
	}

	out, status := readRun(t, conn)
	if out != "got hello\r\n" {
		t.Errorf("output = %q", out)
	}
	if status.Status != "finished" {
		t.Errorf("status = %+v", status)
	}
}

func TestWebSocketStop(t *testing.T) {
	ts, _ := newTestServer(t, "")
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(wsIncoming{Type: "run", Code: "sleep 30\n"}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(wsIncoming{Type: "stop"}); err != nil {
		t.Fatal(err)
	}

	out, status := readRun(t, conn)
	if out != "\r\n[program stopped]" {
		t.Errorf("output = %q", out)
	}
	if status.Status != "finished" {
		t.Errorf("status = %+v", status)
	}
}

func TestWebSocketLaunchFailure(t *testing.T) {
	ts, _ := newTestServer(t, "")
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(wsIncoming{Type: "run", Code: "x", Lang: "missing"}); err != nil {
		t.Fatal(err)
	}
	out, status := readRun(t, conn)
	if !strings.Contains(out, "could not find 'galaxy-no-such-tool'") {
		t.Errorf("output = %q", out)
	}
	if status.Status != "error" || status.ExitCode != nil {
		t.Errorf("status = %+v", status)
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	ts, hub := newTestServer(t, "")
	a := dialWS(t, ts)
	b := dialWS(t, ts)
	waitClients(t, hub, 2)

	if err := a.WriteJSON(wsIncoming{Type: "run", Code: "echo hi\n"}); err != nil {
		t.Fatal(err)
	}
	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		out, _ := readRun(t, conn)
		if out != "hi\r\n" {
			t.Errorf("client %s output = %q", name, out)
		}
	}
}

func TestWebSocketUnknownType(t *testing.T) {
	ts, _ := newTestServer(t, "")
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(wsIncoming{Type: "compile"}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wsOutgoing
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "error" || !strings.Contains(msg.Content, "compile") {
		t.Errorf("msg = %+v", msg)
	}
}

func TestHubDropsClosedClients(t *testing.T) {
	ts, hub := newTestServer(t, "")
	conn := dialWS(t, ts)
	waitClients(t, hub, 1)

	conn.Close()
	waitClients(t, hub, 0)

	// Broadcasting with nobody connected is a no-op.
	hub.Output("run", "x")
}

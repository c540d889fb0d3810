package daemon

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.argus.dev/wpdaemon/internal/configstore"
)

// startTestServer runs a server on an ephemeral loopback port and
// returns the server and its bound address.
func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	base := t.TempDir()
	confsDir := filepath.Join(base, "confs")
	logsDir := filepath.Join(base, "logs")
	os.MkdirAll(confsDir, 0o755)
	os.MkdirAll(logsDir, 0o755)

	sessionLog := NewSessionLog(logsDir, confsDir)
	dispatcher := NewDispatcher(sessionLog, configstore.New(confsDir),
		fakeBinary{"/bin/false", "v"}, nil)

	server := NewServer(dispatcher)
	if err := server.Listen(0); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go server.Serve()
	t.Cleanup(server.Shutdown)

	return server, server.Addr().String()
}

func dialServer(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readReply(t *testing.T, conn net.Conn) ClientReply {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read reply: %v", err)
	}
	var reply ClientReply
	if err := json.Unmarshal([]byte(line), &reply); err != nil {
		t.Fatalf("failed to parse reply %q: %v", line, err)
	}
	return reply
}

func TestServer_WhoamiOverTCP(t *testing.T) {
	quietLogger(t)
	_, addr := startTestServer(t)

	conn := dialServer(t, addr)
	if _, err := conn.Write([]byte("whoami:\n")); err != nil {
		t.Fatal(err)
	}

	reply := readReply(t, conn)
	if reply.CMD != "whoami" || reply.Error != nil {
		t.Errorf("unexpected reply: %+v", reply)
	}
	if !strings.Contains(string(reply.Result), `"implementation":"Go"`) {
		t.Errorf("result = %s", reply.Result)
	}
}

func TestServer_PartialLineAccumulated(t *testing.T) {
	quietLogger(t)
	_, addr := startTestServer(t)

	conn := dialServer(t, addr)

	// A command split across writes must still be framed on the \n
	if _, err := conn.Write([]byte("sta")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := conn.Write([]byte("te:\n")); err != nil {
		t.Fatal(err)
	}

	reply := readReply(t, conn)
	if reply.CMD != "state" || reply.Error != nil {
		t.Errorf("unexpected reply: %+v", reply)
	}
}

func TestServer_MultipleCommandsSameConnection(t *testing.T) {
	quietLogger(t)
	_, addr := startTestServer(t)

	conn := dialServer(t, addr)
	reader := bufio.NewReader(conn)

	commands := []string{"whoami:\n", "state:\n", "available_confs:\n"}
	wantCMDs := []string{"whoami", "state", "available_confs"}

	for i, cmd := range commands {
		if _, err := conn.Write([]byte(cmd)); err != nil {
			t.Fatal(err)
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read %d failed: %v", i, err)
		}
		var reply ClientReply
		if err := json.Unmarshal([]byte(line), &reply); err != nil {
			t.Fatalf("parse %d failed: %v", i, err)
		}
		if reply.CMD != wantCMDs[i] {
			t.Errorf("reply %d CMD = %q, want %q", i, reply.CMD, wantCMDs[i])
		}
	}
}

func TestServer_MalformedLine(t *testing.T) {
	quietLogger(t)
	_, addr := startTestServer(t)

	conn := dialServer(t, addr)
	if _, err := conn.Write([]byte("hello world\n")); err != nil {
		t.Fatal(err)
	}

	reply := readReply(t, conn)
	if reply.CMD != "unknown" {
		t.Errorf("CMD = %q, want unknown", reply.CMD)
	}
	if reply.Error == nil || !strings.Contains(*reply.Error, "Parsing error") {
		t.Errorf("unexpected error field: %v", reply.Error)
	}
}

func TestServer_OverlongLineRejected(t *testing.T) {
	quietLogger(t)
	_, addr := startTestServer(t)

	conn := dialServer(t, addr)
	if _, err := conn.Write([]byte(strings.Repeat("x", maxCommandLine+16) + "\n")); err != nil {
		t.Fatal(err)
	}

	reply := readReply(t, conn)
	if reply.Error == nil || !strings.Contains(*reply.Error, "Parsing error") {
		t.Errorf("unexpected reply: %+v", reply)
	}

	// The connection is closed afterwards
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bufio.NewReader(conn).ReadByte(); err == nil {
		t.Error("expected connection to be closed after overflow")
	}
}

func TestServer_PeerCloseEndsWorker(t *testing.T) {
	quietLogger(t)
	_, addr := startTestServer(t)

	conn := dialServer(t, addr)
	conn.Write([]byte("whoami:\n"))
	readReply(t, conn)
	conn.Close()

	// The server must stay healthy for the next client
	conn2 := dialServer(t, addr)
	conn2.Write([]byte("whoami:\n"))
	reply := readReply(t, conn2)
	if reply.CMD != "whoami" {
		t.Errorf("server unhealthy after peer close: %+v", reply)
	}
}

func TestServer_ShutdownClosesListener(t *testing.T) {
	quietLogger(t)
	server, addr := startTestServer(t)

	server.Shutdown()
	time.Sleep(50 * time.Millisecond)

	if _, err := net.DialTimeout("tcp", addr, 500*time.Millisecond); err == nil {
		t.Error("expected dial to fail after shutdown")
	}

	// Shutdown is safe to call again
	server.Shutdown()
}

func TestSendCommand_RoundTrip(t *testing.T) {
	quietLogger(t)
	server, _ := startTestServer(t)

	port := server.Addr().(*net.TCPAddr).Port
	reply, err := SendCommand(port, "state:")
	if err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if reply.CMD != "state" || reply.Error != nil {
		t.Errorf("unexpected reply: %+v", reply)
	}

	if !IsDaemonRunning(port) {
		t.Error("IsDaemonRunning = false against a live server")
	}
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	closedPort := closed.Addr().(*net.TCPAddr).Port
	closed.Close()
	if IsDaemonRunning(closedPort) {
		t.Error("IsDaemonRunning = true against a closed port")
	}
}

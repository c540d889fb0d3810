package daemon

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// maxCommandLine bounds a single control command. Longer lines yield a
// parse error and the connection is dropped.
const maxCommandLine = 64 * 1024

// Server accepts loopback TCP connections and feeds newline-framed
// command lines to the dispatcher, one worker goroutine per connection.
type Server struct {
	dispatcher   *Dispatcher
	listener     net.Listener
	shutdownOnce sync.Once
}

// NewServer wraps the dispatcher in a TCP control server.
func NewServer(dispatcher *Dispatcher) *Server {
	return &Server{dispatcher: dispatcher}
}

// Listen binds 127.0.0.1:port with address reuse enabled.
func (s *Server) Listen(port int) error {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	listener, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("could not bind control port %d: %w", port, err)
	}
	s.listener = listener
	slog.Info("Daemon listening", "address", listener.Addr().String())
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run binds the port, installs signal handling and serves until the
// listener is closed by Shutdown.
func (s *Server) Run(port int) error {
	if err := s.Listen(port); err != nil {
		return err
	}

	// Peer disconnects must not abort the supervisor
	signal.Ignore(syscall.SIGPIPE)

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-shutdownChan
		slog.Info("Shutdown signal received", "signal", sig.String())
		s.Shutdown()
	}()

	s.Serve()
	return nil
}

// Serve accepts connections until the listener is closed. Each accepted
// connection is handled by an independent worker.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !strings.Contains(err.Error(), "use of closed network connection") {
				slog.Info("Error accepting connection", "error", err)
			}
			return
		}
		go s.handleConnection(conn)
	}
}

// Shutdown terminates any live session and closes the listener,
// unblocking the accept loop. Safe to call more than once; live worker
// connections are severed without draining.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.dispatcher.Shutdown()
		if s.listener != nil {
			s.listener.Close()
		}
	})
}

// handleConnection reads newline-framed commands and writes one reply
// line per command. It exits on read error, peer close or write error.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxCommandLine)

	for scanner.Scan() {
		reply := s.dispatcher.Execute(scanner.Text() + "\n")
		if _, err := conn.Write([]byte(reply.ToJSON() + "\n")); err != nil {
			slog.Debug("Failed to write reply", "error", err)
			return
		}
	}

	if err := scanner.Err(); err == bufio.ErrTooLong {
		reply := errorReply("unknown", "Parsing error: command line too long")
		conn.Write([]byte(reply.ToJSON() + "\n"))
	}
}

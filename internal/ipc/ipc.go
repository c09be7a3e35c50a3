// Package ipc implements the daemon's local control plane: a newline
// delimited JSON protocol over a Unix domain socket, used by CLI commands to
// query or stop a running daemon without going through the database.
//
// The wire protocol mirrors the teacher's JSON-over-the-wire conventions
// (plain structs with explicit json tags, one object per line) rather than
// a binary RPC framework — there is exactly one short-lived command per
// connection, so the overhead of a full RPC stack buys nothing.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/varalys/lore/internal/errs"
)

// Command names a request a client can send to the daemon.
type Command string

const (
	CommandStatus Command = "status"
	CommandStop   Command = "stop"
	CommandStats  Command = "stats"
	CommandPing   Command = "ping"
)

// Request is what a client writes to the socket, one JSON object per line.
type Request struct {
	Command Command `json:"command"`
}

// ResponseType tags the variant of a Response.
type ResponseType string

const (
	ResponseTypeStatus   ResponseType = "status"
	ResponseTypeStopping ResponseType = "stopping"
	ResponseTypeStats    ResponseType = "stats"
	ResponseTypePong     ResponseType = "pong"
	ResponseTypeError    ResponseType = "error"
)

// Stats is the runtime counters reported by the Stats command.
type Stats struct {
	FilesWatched     int       `json:"files_watched"`
	SessionsImported uint64    `json:"sessions_imported"`
	MessagesImported uint64    `json:"messages_imported"`
	StartedAt        time.Time `json:"started_at"`
	Errors           uint64    `json:"errors"`
}

// Response is what the daemon writes back, one JSON object per line.
type Response struct {
	Type ResponseType `json:"type"`

	// Status fields.
	Running       bool  `json:"running,omitempty"`
	PID           int   `json:"pid,omitempty"`
	UptimeSeconds int64 `json:"uptime_seconds,omitempty"`

	// Stats field.
	Stats *Stats `json:"stats,omitempty"`

	// Error field.
	Message string `json:"message,omitempty"`
}

// readTimeout bounds how long the server waits for a client to send its
// command line before giving up on the connection.
const readTimeout = 5 * time.Second

// Server answers Request commands over a Unix domain socket. StatsFunc and
// StopFunc are supplied by the daemon; Server itself holds no daemon state.
type Server struct {
	SocketPath string
	StartedAt  time.Time
	StatsFunc  func() Stats
	StopFunc   func()

	listener net.Listener
}

// Listen removes any stale socket file and binds the Unix socket. Callers
// should call Serve afterward and Close on shutdown.
func (s *Server) Listen() error {
	if _, err := os.Stat(s.SocketPath); err == nil {
		if err := os.Remove(s.SocketPath); err != nil {
			return fmt.Errorf("%w: remove stale socket: %v", errs.IoError, err)
		}
	}

	l, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("%w: bind ipc socket: %v", errs.IoError, err)
	}
	s.listener = l
	log.Info().Str("socket", s.SocketPath).Msg("ipc server listening")
	return nil
}

// Close releases the listener and removes the socket file.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	os.Remove(s.SocketPath)
	return err
}

// Serve accepts connections until ctx is canceled or the listener is
// closed. Each connection is handled in its own goroutine and serves
// exactly one command.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn().Err(err).Msg("ipc accept failed")
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(readTimeout))

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}

	var req Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		writeResponse(conn, Response{Type: ResponseTypeError, Message: "invalid command"})
		return
	}

	log.Debug().Str("command", string(req.Command)).Msg("ipc command received")

	resp := s.dispatch(req.Command)
	writeResponse(conn, resp)
}

func (s *Server) dispatch(cmd Command) Response {
	switch cmd {
	case CommandStatus:
		return Response{
			Type:          ResponseTypeStatus,
			Running:       true,
			PID:           os.Getpid(),
			UptimeSeconds: int64(time.Since(s.StartedAt).Seconds()),
		}
	case CommandStop:
		if s.StopFunc != nil {
			go s.StopFunc()
		}
		return Response{Type: ResponseTypeStopping}
	case CommandStats:
		stats := Stats{}
		if s.StatsFunc != nil {
			stats = s.StatsFunc()
		}
		return Response{Type: ResponseTypeStats, Stats: &stats}
	case CommandPing:
		return Response{Type: ResponseTypePong}
	default:
		return Response{Type: ResponseTypeError, Message: fmt.Sprintf("unknown command %q", cmd)}
	}
}

func writeResponse(conn net.Conn, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Warn().Err(err).Msg("failed to encode ipc response")
		return
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		log.Warn().Err(err).Msg("failed to write ipc response")
	}
}

// SendCommand connects to the daemon's socket, sends cmd, and returns the
// daemon's Response.
func SendCommand(socketPath string, cmd Command) (*Response, error) {
	conn, err := net.DialTimeout("unix", socketPath, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to daemon socket: %v", errs.IoError, err)
	}
	defer conn.Close()

	req := Request{Command: cmd}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode command: %v", errs.IoError, err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("%w: send command: %v", errs.IoError, err)
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("%w: read response: %v", errs.IoError, err)
		}
		return nil, fmt.Errorf("%w: daemon closed connection without a response", errs.IoError)
	}

	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", errs.IoError, err)
	}
	return &resp, nil
}

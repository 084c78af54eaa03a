// Package rendersock implements the unix domain socket front end (C6):
// accepting connections, decoding wire packets, admitting them to the
// scheduler and writing back immediate failures.
//
// Grounded on the teacher's internal/server/server.go Server type (a
// struct wrapping a listener with a logger-carrying constructor) and
// its ListenAndServe/Shutdown split used from cmd/commands/serve.go,
// adapted from net/http's listener to a raw net.Listener over a unix
// socket, per original_source/renderd.py's socket.AF_UNIX accept loop.
package rendersock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/renderd/renderd/internal/scheduler"
	"github.com/renderd/renderd/internal/wire"
)

// Server accepts connections on a unix domain socket and feeds decoded
// requests into a Scheduler.
type Server struct {
	SocketPath string
	Scheduler  *scheduler.Scheduler
	Log        *zap.SugaredLogger

	listener net.Listener
}

// Listen binds the unix domain socket, replacing any stale socket file
// left behind by a previous run, and makes it world read/writable
// (§6, matching mod_tile's renderd socket permissions).
func (s *Server) Listen() error {
	if err := os.Remove(s.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rendersock: removing stale socket: %w", err)
	}
	l, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("rendersock: binding %s: %w", s.SocketPath, err)
	}
	if err := os.Chmod(s.SocketPath, 0666); err != nil {
		l.Close()
		return fmt.Errorf("rendersock: chmod socket: %w", err)
	}
	s.listener = l
	return nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. Each connection is handled in its own goroutine which is
// never waited on at shutdown (§5: handler threads "do not prevent
// process exit").
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rendersock: accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

// Close closes the listener without waiting on any in-flight
// connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// connResponder adapts a net.Conn into the scheduler's Responder
// interface, encoding each status as a response packet in the same
// wire variant the originating request used (§4.3 outbound rule).
type connResponder struct {
	conn net.Conn
	req  wire.Packet
}

func (r connResponder) Respond(status wire.Command) error {
	data, err := wire.Encode(r.req, status)
	if err != nil {
		return fmt.Errorf("rendersock: encoding response: %w", err)
	}
	_, err = r.conn.Write(data)
	return err
}

// handleConn implements the §4.6 handler loop. It mirrors the
// reference implementation's single recv(max_len) per iteration: each
// client write carries exactly one packet, so one Read call returns
// one packet's worth of bytes and its length alone selects the variant
// (§4.3's dispatch-by-length rule depends on this one-write-per-packet
// framing).
func (s *Server) handleConn(conn net.Conn) {
	connID := uuid.Must(uuid.NewV4()).String()
	log := s.Log.With("conn_id", connID)
	defer conn.Close()

	buf := make([]byte, wire.MaxPacketSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return // peer closed cleanly (§4.3).
			}
			log.Debugw("socket read failed", zap.Error(err))
			return
		}
		if n == 0 {
			return
		}

		pkt, err := wire.Decode(buf[:n])
		if err != nil {
			log.Infow("closing connection on malformed packet", "length", n, zap.Error(err))
			return
		}

		responder := connResponder{conn: conn, req: pkt}
		if pkt.BadRequest() {
			if pkt.Command == wire.Render {
				if err := responder.Respond(wire.NotDone); err != nil {
					log.Debugw("writing bad-request response failed", zap.Error(err))
					return
				}
			}
			continue // Dirty on a bad request is silently dropped (§3, §7).
		}
		if err := pkt.Validate(); err != nil {
			log.Infow("rejecting packet with invalid fields", "style", pkt.Style, zap.Error(err))
			if pkt.Command == wire.Render {
				if err := responder.Respond(wire.NotDone); err != nil {
					log.Debugw("writing validation-failure response failed", zap.Error(err))
					return
				}
			}
			continue // Dirty with invalid fields is silently dropped, same as a bad request (§3, §7).
		}

		req := &scheduler.Request{
			Packet:    pkt,
			Responder: responder,
		}
		outcome := s.Scheduler.Add(req)
		if outcome == scheduler.OutcomeDropped && pkt.Command == wire.Render {
			if err := req.Responder.Respond(wire.NotDone); err != nil {
				log.Debugw("writing synchronous drop response failed", zap.Error(err))
				return
			}
		}
	}
}

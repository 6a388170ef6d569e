// Package server implements the connection dispatcher: the TCP accept
// loop and the per-connection read/invoke/write cycle that drives the
// protocol engine.
package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pawciobiel/smtpingress/internal/auth"
	"github.com/pawciobiel/smtpingress/internal/config"
	"github.com/pawciobiel/smtpingress/internal/metrics"
	"github.com/pawciobiel/smtpingress/internal/protocol"
	"github.com/pawciobiel/smtpingress/internal/session"
	"github.com/pawciobiel/smtpingress/internal/storage"
)

const (
	unknownClientIP = "unknown"
	readBufferSize  = 4096
)

// Server accepts TCP connections and spawns one goroutine per session,
// sharing only the storage handle, the allow-list and the connection
// counters across sessions.
type Server struct {
	config   *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	listener net.Listener
	wg       sync.WaitGroup
	shutdown chan struct{}

	authenticator auth.Authenticator
	storage       storage.Storage

	totalConnections int64
	ipConnections    sync.Map // map[string]*int64
}

// New builds a Server ready to Start.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, authenticator auth.Authenticator, store storage.Storage) *Server {
	return &Server{
		config:        cfg,
		logger:        logger,
		metrics:       m,
		shutdown:      make(chan struct{}),
		authenticator: authenticator,
		storage:       store,
	}
}

// Start binds the listen address and begins accepting connections in
// the background.
func (srv *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", srv.config.Server.Bind, srv.config.Server.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv.listener = listener

	srv.logger.Info("smtp ingress listening", "address", addr)

	srv.wg.Add(1)
	go srv.acceptLoop(ctx)

	return nil
}

// Stop closes the listener, lets in-flight sessions drain, and returns
// once they finish or ctx is cancelled, whichever comes first.
func (srv *Server) Stop(ctx context.Context) error {
	srv.logger.Info("shutting down smtp ingress")
	close(srv.shutdown)

	if srv.listener != nil {
		srv.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		srv.logger.Info("smtp ingress stopped gracefully")
		return nil
	case <-ctx.Done():
		srv.logger.Warn("smtp ingress shutdown timed out with sessions still draining")
		return ctx.Err()
	}
}

func (srv *Server) acceptLoop(ctx context.Context) {
	defer srv.wg.Done()

	for {
		select {
		case <-srv.shutdown:
			return
		default:
		}

		conn, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-srv.shutdown:
				return
			default:
				srv.logger.Error("failed to accept connection", "error", err)
				continue
			}
		}

		clientIP := remoteIP(conn)
		if !srv.canAcceptConnection(clientIP) {
			conn.Close()
			continue
		}
		srv.trackConnection(clientIP)

		srv.wg.Add(1)
		go srv.handleConnection(ctx, conn, clientIP)
	}
}

func (srv *Server) canAcceptConnection(clientIP string) bool {
	if clientIP == unknownClientIP {
		srv.logger.Warn("connection rejected: unable to determine client IP")
		return false
	}

	if total := atomic.LoadInt64(&srv.totalConnections); total >= int64(srv.config.Server.MaxConnections) {
		srv.logger.Warn("connection rejected: max connections reached", "current", total, "max", srv.config.Server.MaxConnections)
		return false
	}

	if perIP := srv.ipConnectionCount(clientIP); perIP >= srv.config.Server.MaxConnectionsPerIP {
		srv.logger.Warn("connection rejected: max connections per IP reached", "ip", clientIP, "current", perIP, "max", srv.config.Server.MaxConnectionsPerIP)
		return false
	}

	return true
}

func (srv *Server) trackConnection(ip string) {
	atomic.AddInt64(&srv.totalConnections, 1)
	val, _ := srv.ipConnections.LoadOrStore(ip, new(int64))
	atomic.AddInt64(val.(*int64), 1)
}

func (srv *Server) untrackConnection(ip string) {
	atomic.AddInt64(&srv.totalConnections, -1)
	if val, ok := srv.ipConnections.Load(ip); ok {
		if atomic.AddInt64(val.(*int64), -1) <= 0 {
			srv.ipConnections.Delete(ip)
		}
	}
}

func (srv *Server) ipConnectionCount(ip string) int {
	if val, ok := srv.ipConnections.Load(ip); ok {
		return int(atomic.LoadInt64(val.(*int64)))
	}
	return 0
}

func remoteIP(conn net.Conn) string {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	return unknownClientIP
}

// handleConnection runs the read/invoke/write loop for one accepted
// connection until the peer closes or an I/O error occurs. Session
// state is never inspected to decide when to stop reading; only EOF or
// an I/O error ends the loop, matching a peer that lingers past QUIT.
func (srv *Server) handleConnection(ctx context.Context, conn net.Conn, clientIP string) {
	defer srv.wg.Done()
	defer srv.untrackConnection(clientIP)
	defer conn.Close()

	if srv.metrics != nil {
		srv.metrics.SessionsStarted.Inc()
	}
	srv.logger.Info("connection accepted", "client_ip", clientIP)

	if srv.config.Server.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(srv.config.Server.ReadTimeout))
	}
	if srv.config.Server.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(srv.config.Server.WriteTimeout))
	}

	engine := &protocol.Engine{
		Storage:       srv.storage,
		Authenticator: srv.authenticator,
		Metrics:       srv.metrics,
	}
	state := session.NewState()
	metadata := session.NewMetadata()
	var dataBuffer bytes.Buffer

	if err := writeAll(conn, protocol.Banner); err != nil {
		srv.logger.Debug("failed to write greeting", "error", err, "client_ip", clientIP)
		return
	}

	buf := make([]byte, readBufferSize)
	for {
		if srv.config.Server.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(srv.config.Server.ReadTimeout))
		}

		n, err := conn.Read(buf)
		if n > 0 {
			responses := engine.HandleMessage(ctx, buf[:n], state, metadata, &dataBuffer)

			if len(responses) == 0 && state.Kind == session.ProvidingData {
				// No reply yet; keep accumulating the DATA payload.
			} else if len(responses) > 0 {
				if srv.config.Server.WriteTimeout > 0 {
					conn.SetWriteDeadline(time.Now().Add(srv.config.Server.WriteTimeout))
				}
				if werr := writeAll(conn, strings.Join(responses, "\r\n")); werr != nil {
					srv.logger.Debug("write error", "error", werr, "client_ip", clientIP)
					return
				}
			}
		}

		if err != nil {
			if err != io.EOF {
				srv.logger.Debug("read error", "error", err, "client_ip", clientIP)
			}
			return
		}
	}
}

func writeAll(conn net.Conn, line string) error {
	_, err := conn.Write([]byte(line + "\r\n"))
	return err
}

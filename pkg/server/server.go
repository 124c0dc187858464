package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/linechat/pkg/protocol"
	"github.com/sirupsen/logrus"
)

const (
	transportTCP       = "tcp"
	transportWebSocket = "websocket"

	readBufferSize         = 1024
	metricsLoggingInterval = 30 * time.Second
)

// ErrServerClosed is returned by Start after Stop has been called
var ErrServerClosed = errors.New("server closed")

var log = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "server")

// SetLogger replaces the package logger. Call it before starting a server.
func SetLogger(entry *logrus.Entry) {
	log = entry
}

// Server accepts client connections and relays chat lines between them
type Server struct {
	config    ServerConfig
	registry  *Registry
	metrics   *Metrics
	startTime time.Time

	listener      net.Listener
	wsServer      *http.Server
	wsListener    net.Listener
	metricsServer *http.Server
	metricsLn     net.Listener

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Every open client connection, authenticated or not
	connsMu sync.Mutex
	conns   map[*SafeConn]struct{}
	closed  bool

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// NewServer creates a new server instance
func NewServer(config ServerConfig) *Server {
	metrics := NewMetrics()
	registry := NewRegistry()
	registry.SetMetrics(metrics)

	return &Server{
		config:    config,
		registry:  registry,
		metrics:   metrics,
		startTime: time.Now(),
		shutdown:  make(chan struct{}),
		conns:     make(map[*SafeConn]struct{}),
	}
}

// Registry returns the server's session registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server's collectors
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start binds every configured listener and begins accepting connections.
// Nothing is accepted unless all listeners could be bound.
func (s *Server) Start() error {
	select {
	case <-s.shutdown:
		return ErrServerClosed
	default:
	}

	listener, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr(), err)
	}

	if s.config.WSPort > 0 {
		addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.WSPort))
		wsListener, err := net.Listen("tcp", addr)
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.HandleWebSocket)
		s.wsListener = wsListener
		s.wsServer = &http.Server{Handler: mux}
	}

	if s.config.MetricsPort > 0 {
		addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.MetricsPort))
		metricsLn, err := net.Listen("tcp", addr)
		if err != nil {
			listener.Close()
			if s.wsListener != nil {
				s.wsListener.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		mux.HandleFunc("/health", s.HealthHandler)
		s.metricsLn = metricsLn
		s.metricsServer = &http.Server{Handler: mux}
	}

	s.listener = listener
	log.Infof("Listening on %s", listener.Addr())

	if s.wsServer != nil {
		log.Infof("WebSocket endpoint listening on %s (/ws)", s.wsListener.Addr())
		go func() {
			if err := s.wsServer.Serve(s.wsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("WebSocket server error: %v", err)
			}
		}()
	}

	if s.metricsServer != nil {
		log.Infof("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", s.metricsLn.Addr())
		go func() {
			if err := s.metricsServer.Serve(s.metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Metrics server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound TCP address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// WSAddr returns the bound WebSocket address, or nil when disabled
func (s *Server) WSAddr() net.Addr {
	if s.wsListener == nil {
		return nil
	}
	return s.wsListener.Addr()
}

// MetricsAddr returns the bound metrics address, or nil when disabled
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsLn == nil {
		return nil
	}
	return s.metricsLn.Addr()
}

// Stop closes every listener and connection and waits for the connection
// goroutines to finish. It is safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		log.Info("Graceful shutdown initiated...")
		close(s.shutdown)

		if s.listener != nil {
			s.listener.Close()
		}
		if s.wsServer != nil {
			s.wsServer.Close()
		}
		if s.metricsServer != nil {
			s.metricsServer.Close()
		}

		s.connsMu.Lock()
		s.closed = true
		open := len(s.conns)
		for conn := range s.conns {
			conn.Close()
		}
		s.connsMu.Unlock()
		log.Infof("Closed %d client connections", open)

		s.wg.Wait()
		log.Info("Graceful shutdown complete")
	})
	return nil
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Errorf("Accept error: %v", err)
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		go s.handleConnection(conn, conn.RemoteAddr().String(), transportTCP)
	}
}

// trackConn records conn as open. It fails once the server is stopping.
func (s *Server) trackConn(conn *SafeConn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrackConn(conn *SafeConn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
	s.wg.Done()
}

// handleConnection runs the protocol for one client until its transport
// fails or closes. It blocks; callers run it on its own goroutine.
func (s *Server) handleConnection(rwc io.ReadWriteCloser, remote, transport string) {
	conn := NewSafeConn(rwc)
	if !s.trackConn(conn) {
		conn.Close()
		return
	}
	defer s.untrackConn(conn)

	s.metrics.RecordConnection(transport)
	s.connectionsSinceReport.Add(1)

	h := newConnHandler(s.registry, s.metrics, conn, remote, transport)
	h.log.Debug("New connection")

	s.messageLoop(h)

	s.metrics.RecordDisconnection()
	s.disconnectionsSinceReport.Add(1)
	h.log.Debug("Connection closed")
}

// messageLoop reads and dispatches lines until the connection ends, then
// tears the connection down.
func (s *Server) messageLoop(h *connHandler) {
	defer h.teardown()
	defer func() {
		if r := recover(); r != nil {
			h.log.Errorf("Recovered from panic in connection handler: %v", r)
		}
	}()

	if err := h.reply(protocol.Welcome); err != nil {
		h.log.Debugf("Failed to send welcome: %v", err)
		return
	}

	var framer protocol.Framer
	buf := make([]byte, readBufferSize)
	for {
		n, err := h.conn.Read(buf)
		if n > 0 {
			for line := range framer.Feed(buf[:n]) {
				if werr := h.handleLine(line); werr != nil {
					h.log.Debugf("Write failed: %v", werr)
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				h.log.Debugf("Read error: %v", err)
			}
			return
		}
	}
}

// HealthHandler reports liveness and the number of online users
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"sessions":       s.registry.Count(),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(metricsLoggingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			log.WithFields(logrus.Fields{
				"sessions":     s.registry.Count(),
				"connected":    s.connectionsSinceReport.Swap(0),
				"disconnected": s.disconnectionsSinceReport.Swap(0),
				"goroutines":   runtime.NumGoroutine(),
			}).Info("Metrics report")
		}
	}
}

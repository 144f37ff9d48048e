package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"

	"github.com/adred-codev/ws-gateway/internal/monitoring"
	"github.com/adred-codev/ws-gateway/internal/protocol"
)

// Server is the HTTP front of the gateway: the WebSocket endpoint plus
// the health and metrics surfaces.
type Server struct {
	gw   *Gateway
	http *http.Server
}

func NewServer(gw *Gateway) *Server {
	s := &Server{gw: gw}

	mux := http.NewServeMux()
	mux.HandleFunc(gw.cfg.WSPath, s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", monitoring.MetricsHandler())

	s.http = &http.Server{
		Addr:         gw.cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming WebSocket writes manage their own deadlines
	}
	return s
}

// ListenAndServe blocks serving HTTP until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.gw.logger.Info().
		Str("addr", s.gw.cfg.Addr).
		Str("ws_path", s.gw.cfg.WSPath).
		Msg("listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// handleWS performs admission control, upgrades the socket and starts the
// connection's pumps. Admission failures are plain HTTP responses; the
// socket is never upgraded for a connection we will not serve.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	gw := s.gw

	if gw.shuttingDown.Load() {
		monitoring.ConnectionsRejected.WithLabelValues("shutdown").Inc()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if !gw.handshakes.Allow(ip) {
		monitoring.ConnectionsRejected.WithLabelValues("handshake_rate").Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	if gw.active.Load() >= int64(gw.cfg.MaxConnections) {
		monitoring.ConnectionsRejected.WithLabelValues("capacity").Inc()
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	// Identity resolves before the upgrade: session cookie, then token
	// query parameter, else anonymous.
	identity := gw.verifier.VerifyAtConnect(r)
	deviceID := r.Header.Get("x-device-id")

	sock, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.ConnectionsRejected.WithLabelValues("upgrade").Inc()
		gw.logger.Debug().Err(err).Str("ip", ip).Msg("websocket upgrade failed")
		return
	}

	c := gw.newConn(sock, ip, deviceID)
	c.SetIdentity(identity)
	c.state.Store(int32(StateOpen))

	c.SendEnvelope(&protocol.Envelope{
		Type:      protocol.TypeAcknowledgment,
		Operation: "connect",
	})

	gw.logger.Info().
		Int64("conn_id", c.id).
		Str("ip", ip).
		Str("principal", identity.PrincipalID).
		Str("role", string(identity.Role)).
		Msg("connection opened")

	gw.wg.Add(2)
	go c.readPump()
	go c.writePump()
}

// handleHealthz serves a JSON operational snapshot. 503 during drain so
// load balancers stop routing new clients here.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.gw.Stats()
	w.Header().Set("Content-Type", "application/json")
	if stats.ShuttingDown {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(stats)
}

// Shutdown drains gracefully: stop admitting, announce the shutdown to
// every client, wait out the grace period, then force-close stragglers
// with 1013 and stop the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	gw := s.gw
	gw.shuttingDown.Store(true)
	gw.logger.Info().
		Int64("active_connections", gw.active.Load()).
		Dur("grace", gw.cfg.ShutdownGrace).
		Msg("shutdown initiated")

	if notice, err := protocol.Encode(&protocol.Envelope{
		Type:   protocol.TypeSystem,
		Topic:  "system",
		Action: "shutdown",
	}); err == nil {
		gw.eachConn(func(c *Conn) { c.Enqueue(notice) })
	}

	select {
	case <-time.After(gw.cfg.ShutdownGrace):
	case <-ctx.Done():
	}

	gw.eachConn(func(c *Conn) {
		c.Close(protocol.CloseTryAgain, "server shutting down")
	})

	gw.cancel()
	gw.handshakes.Stop()
	gw.pool.Stop()

	err := s.http.Shutdown(ctx)
	gw.wg.Wait()
	gw.logger.Info().Msg("shutdown complete")
	return err
}

// clientIP prefers the first X-Forwarded-For hop; the gateway sits
// behind a trusted proxy in every deployment.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

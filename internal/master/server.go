package master

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"

	"github.com/kettlelinna/shuttle/internal/common"
	"github.com/kettlelinna/shuttle/internal/config"
	"github.com/kettlelinna/shuttle/internal/registry"
)

// Server expone los endpoints HTTP del Master:
//
//	POST /api/v1/workers  -> GetShuffleWorkers
//	POST /heartbeat       -> latidos de workers (modo master)
//	GET  /health          -> sonda de vida
type Server struct {
	cfg       *config.Config
	allocator *Allocator
	heartbeat *registry.HeartbeatRegistry // nil en modo zk
	listener  net.Listener
	srv       *http.Server
}

func NewServer(cfg *config.Config, allocator *Allocator, hb *registry.HeartbeatRegistry) *Server {
	return &Server{cfg: cfg, allocator: allocator, heartbeat: hb}
}

// Start abre el puerto y sirve en segundo plano.
func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("no se pudo abrir el puerto %d: %w", port, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/workers", s.handleGetShuffleWorkers)
	mux.HandleFunc("POST /heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.srv = &http.Server{Handler: mux}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[Master] Servidor terminado: %v", err)
		}
	}()
	log.Printf("[Master] Servidor iniciado en :%d", port)
	return nil
}

func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(context.Background())
}

func (s *Server) handleGetShuffleWorkers(w http.ResponseWriter, r *http.Request) {
	var req common.GetShuffleWorkersRequest
	if err := common.Json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "JSON invalido", http.StatusBadRequest)
		return
	}

	resp := common.GetShuffleWorkersResponse{
		ReplyHeader: common.ReplyHeader{RequestId: req.RequestId},
		ClusterConf: s.cfg.ClusterConf(),
	}
	workers, err := s.allocator.GetShuffleWorkers(req)
	if err != nil {
		resp.ErrorKind = common.KindOf(err)
		resp.ErrorMsg = err.Error()
		log.Printf("[Master] Asignacion fallida para app=%s: %v", req.AppId, err)
	} else {
		resp.Workers = workers
		log.Printf("[Master] Asignados %d workers a app=%s (pedidos=%d)",
			len(workers), req.AppId, req.RequestedCount)
	}
	common.Json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if s.heartbeat == nil {
		// En modo zk la pertenencia viene del servicio de coordinacion.
		http.Error(w, "registro en modo zk", http.StatusConflict)
		return
	}
	var req common.HeartbeatRequest
	if err := common.Json.NewDecoder(r.Body).Decode(&req); err != nil {
		return
	}
	s.heartbeat.UpdateHeartbeat(req.Worker)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	common.Json.NewEncoder(w).Encode(common.HealthCheckResponse{Status: "ok"})
}

package worker

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kettlelinna/shuttle/internal/common"
	"github.com/kettlelinna/shuttle/internal/config"
)

// Cabeceras HTTP del canal de datos: la cabecera del bloque viaja aqui
// y el payload va como cuerpo binario.
const (
	HdrRequestId    = "X-Shuttle-Request"
	HdrToken        = "X-Shuttle-Token"
	HdrApp          = "X-Shuttle-App"
	HdrAppAttempt   = "X-Shuttle-App-Attempt"
	HdrStageAttempt = "X-Shuttle-Stage-Attempt"
	HdrShuffle      = "X-Shuttle-Shuffle"
	HdrMap          = "X-Shuttle-Map"
	HdrMapAttempt   = "X-Shuttle-Map-Attempt"
	HdrPartition    = "X-Shuttle-Partition"
	HdrSeq          = "X-Shuttle-Seq"
	HdrDeadline     = "X-Shuttle-Deadline" // unix millis; vencida, la peticion se descarta
)

// Server expone los dos endpoints del worker: el canal de control
// (emision de tokens) y el canal de datos (subida de bloques, finalize
// y sonda de vida). Son dos listeners en puertos distintos.
type Server struct {
	cfg     *config.Config
	detail  common.WorkerDetail
	storage *Storage
	tokens  *TokenPool

	mu     sync.Mutex
	issued map[string]Token // tokens vivos por id

	controlSrv *http.Server
	dataSrv    *http.Server
	controlLn  net.Listener
	dataLn     net.Listener
}

func NewServer(cfg *config.Config, detail common.WorkerDetail, storage *Storage) *Server {
	return &Server{
		cfg:     cfg,
		detail:  detail,
		storage: storage,
		tokens:  NewTokenPool(cfg.BaseConnections, cfg.TotalConnections),
		issued:  make(map[string]Token),
	}
}

// Start abre ambos puertos y sirve en segundo plano.
func (s *Server) Start() error {
	controlLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.detail.ControlPort))
	if err != nil {
		return fmt.Errorf("puerto de control %d: %w", s.detail.ControlPort, err)
	}
	dataLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.detail.DataPort))
	if err != nil {
		controlLn.Close()
		return fmt.Errorf("puerto de datos %d: %w", s.detail.DataPort, err)
	}
	s.controlLn, s.dataLn = controlLn, dataLn

	control := http.NewServeMux()
	control.HandleFunc("POST /api/v1/open", s.handleOpenConnection)
	control.HandleFunc("POST /api/v1/release", s.handleReleaseConnection)
	control.HandleFunc("GET /health", s.handleHealth)

	data := http.NewServeMux()
	data.HandleFunc("POST /api/v1/blocks", s.handleSendBlock)
	data.HandleFunc("POST /api/v1/finalize", s.handleFinalizeStage)
	data.HandleFunc("GET /health", s.handleHealth)

	s.controlSrv = &http.Server{Handler: control}
	s.dataSrv = &http.Server{Handler: data}
	go s.serve(s.controlSrv, controlLn, "control")
	go s.serve(s.dataSrv, dataLn, "datos")

	log.Printf("[Worker %s] Sirviendo control en :%d y datos en :%d",
		s.detail.Id(), s.detail.ControlPort, s.detail.DataPort)
	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener, name string) {
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		log.Printf("[Worker %s] Servidor de %s terminado: %v", s.detail.Id(), name, err)
	}
}

func (s *Server) Stop() {
	if s.controlSrv != nil {
		s.controlSrv.Shutdown(context.Background())
	}
	if s.dataSrv != nil {
		s.dataSrv.Shutdown(context.Background())
	}
}

// ControlAddr y DataAddr devuelven las direcciones reales (utiles con puerto 0).
func (s *Server) ControlAddr() string { return s.controlLn.Addr().String() }
func (s *Server) DataAddr() string    { return s.dataLn.Addr().String() }

// ==========================================
// CANAL DE CONTROL
// ==========================================

func (s *Server) handleOpenConnection(w http.ResponseWriter, r *http.Request) {
	var req common.OpenConnectionRequest
	if err := common.Json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "JSON invalido", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if deadline, ok := parseDeadline(r); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	resp := common.OpenConnectionResponse{ReplyHeader: common.ReplyHeader{RequestId: req.RequestId}}
	tok, err := s.tokens.Acquire(ctx)
	if err != nil {
		resp.ErrorKind = common.KindOf(err)
		resp.ErrorMsg = err.Error()
		w.WriteHeader(http.StatusTooManyRequests)
	} else {
		s.mu.Lock()
		s.issued[tok.Id] = tok
		s.mu.Unlock()
		resp.Token = tok.Id
	}
	common.Json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleReleaseConnection(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(HdrToken)
	s.mu.Lock()
	tok, ok := s.issued[id]
	if ok {
		delete(s.issued, id)
	}
	s.mu.Unlock()
	if ok {
		s.tokens.Release(tok)
	}
	w.WriteHeader(http.StatusOK)
}

// ==========================================
// CANAL DE DATOS
// ==========================================

func (s *Server) handleSendBlock(w http.ResponseWriter, r *http.Request) {
	requestId := r.Header.Get(HdrRequestId)
	resp := common.SendBlockResponse{ReplyHeader: common.ReplyHeader{RequestId: requestId}}

	if deadline, ok := parseDeadline(r); ok && time.Now().After(deadline) {
		// Peticion ya vencida para el cliente: no tiene sentido procesarla.
		s.reply(w, http.StatusRequestTimeout, &resp.ReplyHeader,
			errors.Wrap(common.ErrNetwork, "deadline vencido al llegar"), &resp)
		return
	}

	if !s.validToken(r.Header.Get(HdrToken)) {
		s.reply(w, http.StatusUnauthorized, &resp.ReplyHeader,
			errors.Wrap(common.ErrProtocol, "token desconocido"), &resp)
		return
	}

	block, err := s.parseBlock(r)
	if err != nil {
		s.reply(w, http.StatusBadRequest, &resp.ReplyHeader, err, &resp)
		return
	}

	duplicate, err := s.storage.AddBlock(block)
	if err != nil {
		status := http.StatusInternalServerError
		if common.KindOf(err) == common.KindBackpressure {
			status = http.StatusServiceUnavailable
		}
		s.reply(w, status, &resp.ReplyHeader, err, &resp)
		return
	}
	resp.Duplicate = duplicate
	common.Json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleFinalizeStage(w http.ResponseWriter, r *http.Request) {
	var req common.FinalizeStageRequest
	if err := common.Json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "JSON invalido", http.StatusBadRequest)
		return
	}
	resp := common.FinalizeStageResponse{ReplyHeader: common.ReplyHeader{RequestId: req.RequestId}}

	if err := s.storage.FinalizeStage(req.Stage, req.Aborted); err != nil {
		s.reply(w, http.StatusInternalServerError, &resp.ReplyHeader, err, &resp)
		return
	}
	if req.WriteMarker {
		if err := s.storage.WriteStageMarker(req.Stage, req.Aborted); err != nil {
			s.reply(w, http.StatusInternalServerError, &resp.ReplyHeader, err, &resp)
			return
		}
	}
	s.storage.ReleaseStage(req.Stage)
	log.Printf("[Worker %s] Etapa %s finalizada (aborted=%v marker=%v)",
		s.detail.Id(), req.Stage.Key(), req.Aborted, req.WriteMarker)
	common.Json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	common.Json.NewEncoder(w).Encode(common.HealthCheckResponse{Status: "ok"})
}

// ==========================================
// HELPERS
// ==========================================

func (s *Server) validToken(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	_, ok := s.issued[id]
	s.mu.Unlock()
	return ok
}

// parseBlock reconstruye el bloque desde las cabeceras y el cuerpo,
// validando la huella (app, shuffle, map, attempt, seq, particion).
func (s *Server) parseBlock(r *http.Request) (*common.Block, error) {
	ints := map[string]int{}
	for _, h := range []string{HdrStageAttempt, HdrShuffle, HdrMap, HdrMapAttempt, HdrPartition, HdrSeq} {
		v, err := strconv.Atoi(r.Header.Get(h))
		if err != nil {
			return nil, errors.Wrapf(common.ErrProtocol, "cabecera %s invalida", h)
		}
		ints[h] = v
	}
	appId := r.Header.Get(HdrApp)
	if appId == "" {
		return nil, errors.Wrap(common.ErrProtocol, "falta el appId")
	}
	if ints[HdrPartition] < 0 || ints[HdrSeq] < 0 {
		return nil, errors.Wrap(common.ErrProtocol, "huella del bloque invalida")
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, int64(s.cfg.MaxRequestSize)+1))
	if err != nil {
		return nil, errors.Wrapf(common.ErrNetwork, "leyendo payload: %v", err)
	}
	if len(payload) > s.cfg.MaxRequestSize {
		return nil, errors.Wrap(common.ErrProtocol, "payload supera max_request_size")
	}

	return &common.Block{
		Stage: common.StageShuffleId{
			AppId:        appId,
			AppAttempt:   r.Header.Get(HdrAppAttempt),
			StageAttempt: ints[HdrStageAttempt],
			ShuffleId:    ints[HdrShuffle],
		},
		MapId:       ints[HdrMap],
		MapAttempt:  ints[HdrMapAttempt],
		PartitionId: ints[HdrPartition],
		SeqNo:       ints[HdrSeq],
		Payload:     payload,
	}, nil
}

func (s *Server) reply(w http.ResponseWriter, status int, hdr *common.ReplyHeader, err error, body interface{}) {
	hdr.ErrorKind = common.KindOf(err)
	hdr.ErrorMsg = err.Error()
	w.WriteHeader(status)
	common.Json.NewEncoder(w).Encode(body)
}

func parseDeadline(r *http.Request) (time.Time, bool) {
	v := r.Header.Get(HdrDeadline)
	if v == "" {
		return time.Time{}, false
	}
	millis, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(millis), true
}

package registry

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/kettlelinna/shuttle/internal/common"
)

// HeartbeatSender es el lado worker del backend de latidos: envia
// periodicamente su WorkerDetail al endpoint /heartbeat del Master.
type HeartbeatSender struct {
	masterURL string
	detail    common.WorkerDetail
	interval  time.Duration
	client    *http.Client
	done      chan struct{}
}

func NewHeartbeatSender(masterURL string, detail common.WorkerDetail) *HeartbeatSender {
	return &HeartbeatSender{
		masterURL: masterURL,
		detail:    detail,
		interval:  WorkerTimeout / 3,
		client:    &http.Client{Timeout: 5 * time.Second},
		done:      make(chan struct{}),
	}
}

// Start lanza el bucle de latidos. El primer envio es inmediato para
// que el Master conozca al worker antes del primer tick.
func (s *HeartbeatSender) Start() {
	go func() {
		s.send()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.send()
			}
		}
	}()
}

func (s *HeartbeatSender) Stop() {
	close(s.done)
}

func (s *HeartbeatSender) send() {
	req := common.HeartbeatRequest{
		RequestId: common.NewRequestId(),
		Worker:    s.detail,
	}
	data, err := common.Json.Marshal(req)
	if err != nil {
		log.Printf("[Worker %s] Error serializando latido: %v", s.detail.Id(), err)
		return
	}
	resp, err := s.client.Post(s.masterURL+"/heartbeat", "application/json", bytes.NewReader(data))
	if err != nil {
		// El Master puede estar en failover; el siguiente tick reintenta.
		log.Printf("[Worker %s] No se pudo enviar latido a %s: %v", s.detail.Id(), s.masterURL, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("[Worker %s] Master devolvio status %d al latido", s.detail.Id(), resp.StatusCode)
	}
}

// MasterURL construye la URL base del Master a partir de su direccion.
func MasterURL(addr string) string {
	return fmt.Sprintf("http://%s", addr)
}

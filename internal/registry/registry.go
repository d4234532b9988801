// Package registry publica la pertenencia de los workers y la eleccion
// del Master activo. Hay dos backends: la tabla de latidos del propio
// Master (service_manager_type=master) y el servicio de coordinacion
// externo via etcd (service_manager_type=zk).
package registry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/kettlelinna/shuttle/internal/common"
)

// WorkerTimeout es la ventana tras la cual un worker sin latido
// se considera muerto en el backend de latidos.
const WorkerTimeout = 10 * time.Second

// Lease representa el registro vivo de un worker; cerrarlo lo da de baja.
type Lease interface {
	Close() error
}

// Registry es el contrato comun de ambos backends.
type Registry interface {
	// RegisterWorker publica el worker; la entrada es efimera y
	// desaparece al perder la vida o cerrar el lease.
	RegisterWorker(ctx context.Context, detail common.WorkerDetail) (Lease, error)
	// ListWorkers devuelve la vista (eventualmente consistente) de workers vivos.
	ListWorkers(ctx context.Context) ([]common.WorkerDetail, error)
	// ElectMaster compite por el liderazgo; bloquea hasta ganar o cancelar.
	ElectMaster(ctx context.Context, candidate string) (bool, error)
	// GetActiveMaster lee el puntero al Master activo (lectura linealizable).
	GetActiveMaster(ctx context.Context) (string, error)
	// WatchWorkers invoca cb con cada cambio de pertenencia.
	WatchWorkers(ctx context.Context, cb func([]common.WorkerDetail))
	// WatchMaster invoca cb con cada cambio de liderazgo.
	WatchMaster(ctx context.Context, cb func(string))
	Close() error
}

// ==========================================
// BACKEND DE LATIDOS (modo master)
// ==========================================

// HeartbeatRegistry es la tabla de workers que mantiene el Master cuando
// no hay servicio de coordinacion: los workers envian latidos HTTP y un
// barrido periodico expulsa a los que callan.
type HeartbeatRegistry struct {
	mu       sync.RWMutex
	workers  map[string]common.WorkerDetail // id -> detalle
	watchers []func([]common.WorkerDetail)
	self     string // direccion del master que aloja la tabla
	done     chan struct{}
	once     sync.Once
}

func NewHeartbeatRegistry(selfAddr string) *HeartbeatRegistry {
	r := &HeartbeatRegistry{
		workers: make(map[string]common.WorkerDetail),
		self:    selfAddr,
		done:    make(chan struct{}),
	}
	go r.evictLoop()
	return r
}

// UpdateHeartbeat registra o refresca un worker. Lo llama el handler
// HTTP de latidos del Master.
func (r *HeartbeatRegistry) UpdateHeartbeat(detail common.WorkerDetail) {
	r.mu.Lock()
	detail.LastHeartbeat = time.Now().UnixMilli()
	old, exists := r.workers[detail.Id()]
	r.workers[detail.Id()] = detail
	changed := !exists || isExpired(old)
	r.mu.Unlock()

	if changed {
		log.Printf("[Registry] Worker %s registrado/recuperado (dc=%s cluster=%s peso=%d)",
			detail.Id(), detail.DataCenter, detail.Cluster, detail.Weight)
		r.notify()
	}
}

func (r *HeartbeatRegistry) RegisterWorker(ctx context.Context, detail common.WorkerDetail) (Lease, error) {
	// El registro en modo master lo hace el propio worker enviando
	// latidos (ver HeartbeatSender); aqui basta con sembrar la entrada.
	r.UpdateHeartbeat(detail)
	return leaseFunc(func() error {
		r.mu.Lock()
		delete(r.workers, detail.Id())
		r.mu.Unlock()
		r.notify()
		return nil
	}), nil
}

func (r *HeartbeatRegistry) ListWorkers(ctx context.Context) ([]common.WorkerDetail, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	alive := make([]common.WorkerDetail, 0, len(r.workers))
	for _, w := range r.workers {
		if !isExpired(w) {
			alive = append(alive, w)
		}
	}
	return alive, nil
}

// ElectMaster en modo master es trivial: el proceso que aloja la tabla es el lider.
func (r *HeartbeatRegistry) ElectMaster(ctx context.Context, candidate string) (bool, error) {
	return true, nil
}

func (r *HeartbeatRegistry) GetActiveMaster(ctx context.Context) (string, error) {
	return r.self, nil
}

func (r *HeartbeatRegistry) WatchWorkers(ctx context.Context, cb func([]common.WorkerDetail)) {
	r.mu.Lock()
	r.watchers = append(r.watchers, cb)
	r.mu.Unlock()
}

func (r *HeartbeatRegistry) WatchMaster(ctx context.Context, cb func(string)) {
	cb(r.self) // el lider nunca cambia en este backend
}

func (r *HeartbeatRegistry) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

// evictLoop expulsa workers sin latido y avisa a los observadores.
func (r *HeartbeatRegistry) evictLoop() {
	ticker := time.NewTicker(WorkerTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}
		r.mu.Lock()
		evicted := 0
		for id, w := range r.workers {
			if isExpired(w) {
				delete(r.workers, id)
				evicted++
				log.Printf("[Registry] ALERTA: Worker %s declarado MUERTO (timeout)", id)
			}
		}
		r.mu.Unlock()
		if evicted > 0 {
			r.notify()
		}
	}
}

func (r *HeartbeatRegistry) notify() {
	alive, _ := r.ListWorkers(context.Background())
	r.mu.RLock()
	watchers := make([]func([]common.WorkerDetail), len(r.watchers))
	copy(watchers, r.watchers)
	r.mu.RUnlock()
	for _, cb := range watchers {
		cb(alive)
	}
}

func isExpired(w common.WorkerDetail) bool {
	return time.Now().UnixMilli()-w.LastHeartbeat >= WorkerTimeout.Milliseconds()
}

type leaseFunc func() error

func (f leaseFunc) Close() error { return f() }

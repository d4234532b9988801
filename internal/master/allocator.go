package master

import (
	"context"
	"log"
	"math/rand"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/kettlelinna/shuttle/internal/common"
	"github.com/kettlelinna/shuttle/internal/config"
	"github.com/kettlelinna/shuttle/internal/registry"
)

// Allocator responde GetShuffleWorkers sobre una instantanea copy-on-write
// de la tabla de workers vivos: las lecturas del camino caliente nunca
// bloquean a los registros.
type Allocator struct {
	cfg      *config.Config
	snapshot atomic.Value // []common.WorkerDetail
}

func NewAllocator(cfg *config.Config, reg registry.Registry) *Allocator {
	a := &Allocator{cfg: cfg}
	a.snapshot.Store([]common.WorkerDetail{})

	// Sembrar la tabla y refrescarla con cada cambio de pertenencia.
	if ws, err := reg.ListWorkers(context.Background()); err == nil {
		a.snapshot.Store(ws)
	}
	reg.WatchWorkers(context.Background(), func(ws []common.WorkerDetail) {
		a.snapshot.Store(ws)
		log.Printf("[Master] Tabla de workers actualizada: %d vivos", len(ws))
	})
	return a
}

// UpdateWorkers reemplaza la instantanea de workers.
func (a *Allocator) UpdateWorkers(ws []common.WorkerDetail) {
	a.snapshot.Store(ws)
}

// GetShuffleWorkers selecciona los workers para un shuffle nuevo.
//
// 1. Filtra la instantanea por datacenter+cluster.
// 2. Sin candidatos -> NoShuffleWorkersError.
// 3. count = clamp(requested, min, max), acotado por los vivos.
// 4. Muestreo aleatorio ponderado sin reemplazo por Weight sobre los
//    candidatos ordenados por (latido mas fresco, host:puerto
//    lexicografico); ese orden no cambia la probabilidad de ninguno.
func (a *Allocator) GetShuffleWorkers(req common.GetShuffleWorkersRequest) ([]common.WorkerDetail, error) {
	all := a.snapshot.Load().([]common.WorkerDetail)

	candidates := make([]common.WorkerDetail, 0, len(all))
	for _, w := range all {
		if w.DataCenter == req.DataCenter && w.Cluster == req.Cluster {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return nil, errors.Wrapf(common.ErrNoShuffleWorkers,
			"dc=%s cluster=%s app=%s", req.DataCenter, req.Cluster, req.AppId)
	}

	count := req.RequestedCount
	if count < a.cfg.MinServerCount {
		count = a.cfg.MinServerCount
	}
	if count > a.cfg.MaxServerCount {
		count = a.cfg.MaxServerCount
	}
	if count > len(candidates) {
		count = len(candidates)
	}

	// El orden solo fija como recorre el sorteo la lista: la probabilidad
	// de cada candidato depende unicamente de su Weight, y a pesos iguales
	// ninguno tiene prioridad.
	common.SortWorkers(candidates)
	return weightedSample(candidates, count), nil
}

// weightedSample hace muestreo ponderado sin reemplazo: en cada ronda la
// probabilidad de un worker es proporcional a su Weight dentro de los
// restantes. Entrada ya ordenada por el criterio de desempate.
func weightedSample(candidates []common.WorkerDetail, count int) []common.WorkerDetail {
	pool := make([]common.WorkerDetail, len(candidates))
	copy(pool, candidates)
	selected := make([]common.WorkerDetail, 0, count)

	for len(selected) < count && len(pool) > 0 {
		total := 0
		for _, w := range pool {
			weight := w.Weight
			if weight < 1 {
				weight = 1
			}
			total += weight
		}
		pick := rand.Intn(total)
		idx := 0
		for i, w := range pool {
			weight := w.Weight
			if weight < 1 {
				weight = 1
			}
			pick -= weight
			if pick < 0 {
				idx = i
				break
			}
		}
		selected = append(selected, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return selected
}

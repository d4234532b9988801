package client

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/kettlelinna/shuttle/internal/common"
)

// ShuffleHandle es el objeto que el driver construye al registrar una
// etapa y reparte a los ejecutores: la asignacion de grupos, el mapa
// particion->grupo y la configuracion de cluster. Inmutable; el enrutado
// en el camino caliente no hace ninguna RPC.
type ShuffleHandle struct {
	Stage         common.StageShuffleId `json:"stage"`
	NumPartitions int                   `json:"num_partitions"`
	PartitionMap  []int                 `json:"partition_map"` // particion -> indice de grupo
	Groups        []common.ServerGroup  `json:"groups"`
	ClusterConf   common.ClusterConf    `json:"cluster_conf"`
}

// NewShuffleHandle construye los grupos y el mapa de particiones:
//
//  1. Baraja la lista de workers uniformemente.
//  2. Construye numWorkers grupos con ventana deslizante de tamano
//     workersPerGroup sobre la lista barajada (con vuelta), deduplicando
//     dentro de cada grupo.
//  3. Asigna la particion p al grupo p mod len(grupos).
//
// La ventana deslizante da grupos solapados pero distintos, repartiendo
// la carga, y la asignacion modular equilibra a ±1 sin coordinacion.
func NewShuffleHandle(stage common.StageShuffleId, numPartitions int,
	workers []common.WorkerDetail, workersPerGroup int,
	conf common.ClusterConf, rng *rand.Rand) (*ShuffleHandle, error) {

	if len(workers) == 0 {
		return nil, errors.Wrap(common.ErrNoShuffleWorkers, "handle sin workers")
	}
	if workersPerGroup > len(workers) {
		workersPerGroup = len(workers)
	}

	shuffled := make([]common.WorkerDetail, len(workers))
	copy(shuffled, workers)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	groups := make([]common.ServerGroup, 0, len(shuffled))
	for i := range shuffled {
		members := make([]common.WorkerDetail, 0, workersPerGroup)
		seen := make(map[string]struct{}, workersPerGroup)
		for j := 0; j < workersPerGroup; j++ {
			w := shuffled[(i+j)%len(shuffled)]
			if _, dup := seen[w.Id()]; dup {
				continue
			}
			seen[w.Id()] = struct{}{}
			members = append(members, w)
		}
		groups = append(groups, common.ServerGroup{Workers: members})
	}

	partitionMap := make([]int, numPartitions)
	for p := 0; p < numPartitions; p++ {
		partitionMap[p] = p % len(groups)
	}

	return &ShuffleHandle{
		Stage:         stage,
		NumPartitions: numPartitions,
		PartitionMap:  partitionMap,
		Groups:        groups,
		ClusterConf:   conf,
	}, nil
}

// GroupFor devuelve el grupo asignado a una particion.
func (h *ShuffleHandle) GroupFor(partitionId int) common.ServerGroup {
	return h.Groups[h.PartitionMap[partitionId]]
}

// MemberFor devuelve el worker concreto de una particion: todos los
// intentos de map de una particion hablan siempre con el mismo miembro.
func (h *ShuffleHandle) MemberFor(partitionId int) common.WorkerDetail {
	return h.GroupFor(partitionId).MemberFor(partitionId)
}

// AllWorkers devuelve los workers del handle sin duplicados, para el
// fan-out de FinalizeStage.
func (h *ShuffleHandle) AllWorkers() []common.WorkerDetail {
	seen := make(map[string]struct{})
	var out []common.WorkerDetail
	for _, g := range h.Groups {
		for _, w := range g.Workers {
			if _, dup := seen[w.Id()]; dup {
				continue
			}
			seen[w.Id()] = struct{}{}
			out = append(out, w)
		}
	}
	return out
}

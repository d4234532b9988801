package client

import (
	"math/rand"
	"testing"

	"github.com/kettlelinna/shuttle/internal/common"
)

func makeWorkers(n int) []common.WorkerDetail {
	ws := make([]common.WorkerDetail, n)
	for i := range ws {
		ws[i] = common.WorkerDetail{
			Host:     "host" + string(rune('a'+i)),
			DataPort: 19190, ControlPort: 19191,
			Weight: 1, DataCenter: "dc1", Cluster: "default",
		}
	}
	return ws
}

func TestShuffleHandle_Construccion(t *testing.T) {
	stage := common.StageShuffleId{AppId: "app-h", AppAttempt: "1"}
	rng := rand.New(rand.NewSource(42))

	handle, err := NewShuffleHandle(stage, 16, makeWorkers(4), 2, common.ClusterConf{}, rng)
	if err != nil {
		t.Fatalf("NewShuffleHandle fallo: %v", err)
	}

	// 1. Un grupo por worker, cada grupo con el tamano pedido y sin duplicados
	t.Run("Grupos", func(t *testing.T) {
		if len(handle.Groups) != 4 {
			t.Fatalf("Esperaba 4 grupos, obtuvo %d", len(handle.Groups))
		}
		for i, g := range handle.Groups {
			if len(g.Workers) != 2 {
				t.Errorf("Grupo %d con %d miembros, esperaba 2", i, len(g.Workers))
			}
			seen := make(map[string]struct{})
			for _, w := range g.Workers {
				if _, dup := seen[w.Id()]; dup {
					t.Errorf("Grupo %d con miembro duplicado %s", i, w.Id())
				}
				seen[w.Id()] = struct{}{}
			}
		}
	})

	// 2. Todo el mapa de particiones apunta a grupos validos
	t.Run("MapaValido", func(t *testing.T) {
		if len(handle.PartitionMap) != 16 {
			t.Fatalf("Mapa de %d particiones, esperaba 16", len(handle.PartitionMap))
		}
		for p, g := range handle.PartitionMap {
			if g < 0 || g >= len(handle.Groups) {
				t.Errorf("Particion %d apunta al grupo invalido %d", p, g)
			}
		}
	})

	// 3. Asignacion equilibrada a ±1
	t.Run("Equilibrio", func(t *testing.T) {
		counts := make(map[int]int)
		for _, g := range handle.PartitionMap {
			counts[g]++
		}
		min, max := 1<<30, 0
		for g := 0; g < len(handle.Groups); g++ {
			c := counts[g]
			if c < min {
				min = c
			}
			if c > max {
				max = c
			}
		}
		if max-min > 1 {
			t.Errorf("Asignacion desequilibrada: min=%d max=%d", min, max)
		}
	})

	// 4. El miembro de una particion es estable
	t.Run("MiembroEstable", func(t *testing.T) {
		for p := 0; p < 16; p++ {
			a := handle.MemberFor(p)
			b := handle.MemberFor(p)
			if a.Id() != b.Id() {
				t.Errorf("El miembro de la particion %d no es estable", p)
			}
		}
	})
}

func TestShuffleHandle_GrupoMayorQueWorkers(t *testing.T) {
	stage := common.StageShuffleId{AppId: "app-h", AppAttempt: "1"}
	rng := rand.New(rand.NewSource(7))

	// workersPerGroup mayor que la lista: se recorta al total disponible
	handle, err := NewShuffleHandle(stage, 4, makeWorkers(2), 5, common.ClusterConf{}, rng)
	if err != nil {
		t.Fatalf("NewShuffleHandle fallo: %v", err)
	}
	for i, g := range handle.Groups {
		if len(g.Workers) != 2 {
			t.Errorf("Grupo %d con %d miembros, esperaba 2", i, len(g.Workers))
		}
	}
}

func TestShuffleHandle_SinWorkers(t *testing.T) {
	stage := common.StageShuffleId{AppId: "app-h", AppAttempt: "1"}
	rng := rand.New(rand.NewSource(7))
	if _, err := NewShuffleHandle(stage, 4, nil, 2, common.ClusterConf{}, rng); common.KindOf(err) != common.KindNoShuffleWorkers {
		t.Errorf("Esperaba NoShuffleWorkersError sin workers, obtuvo %v", err)
	}
}

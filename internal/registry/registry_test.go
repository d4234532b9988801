package registry

import (
	"context"
	"testing"
	"time"

	"github.com/kettlelinna/shuttle/internal/common"
)

func TestHeartbeatRegistry(t *testing.T) {
	r := NewHeartbeatRegistry("master:19189")
	defer r.Close()

	detail := common.WorkerDetail{
		Host: "localhost", DataPort: 19190, ControlPort: 19191,
		Weight: 1, DataCenter: "dc1", Cluster: "default",
	}

	// 1. Primer latido registra al worker
	t.Run("PrimerLatido", func(t *testing.T) {
		r.UpdateHeartbeat(detail)
		alive, err := r.ListWorkers(context.Background())
		if err != nil {
			t.Fatalf("ListWorkers fallo: %v", err)
		}
		if len(alive) != 1 {
			t.Fatalf("Esperaba 1 worker vivo, obtuvo %d", len(alive))
		}
		if alive[0].LastHeartbeat == 0 {
			t.Errorf("El registro debe sellar el latido")
		}
	})

	// 2. Un latido viejo no cuenta como vivo
	t.Run("LatidoExpirado", func(t *testing.T) {
		stale := detail
		stale.Host = "expirado"
		r.mu.Lock()
		stale.LastHeartbeat = time.Now().UnixMilli() - WorkerTimeout.Milliseconds() - 1
		r.workers[stale.Id()] = stale
		r.mu.Unlock()

		alive, _ := r.ListWorkers(context.Background())
		for _, w := range alive {
			if w.Host == "expirado" {
				t.Errorf("Un worker expirado no debe listarse como vivo")
			}
		}
	})

	// 3. Los observadores reciben los cambios de pertenencia
	t.Run("Watch", func(t *testing.T) {
		got := make(chan int, 4)
		r.WatchWorkers(context.Background(), func(ws []common.WorkerDetail) {
			got <- len(ws)
		})

		nuevo := detail
		nuevo.Host = "nuevo"
		r.UpdateHeartbeat(nuevo)

		select {
		case <-got:
		case <-time.After(time.Second):
			t.Errorf("El observador no recibio el alta")
		}
	})

	// 4. Cerrar el lease da de baja
	t.Run("LeaseClose", func(t *testing.T) {
		baja := detail
		baja.Host = "baja"
		lease, err := r.RegisterWorker(context.Background(), baja)
		if err != nil {
			t.Fatalf("RegisterWorker fallo: %v", err)
		}
		lease.Close()
		alive, _ := r.ListWorkers(context.Background())
		for _, w := range alive {
			if w.Host == "baja" {
				t.Errorf("El worker dado de baja sigue listado")
			}
		}
	})

	// 5. En este backend el proceso que aloja la tabla es el lider
	t.Run("Eleccion", func(t *testing.T) {
		isLeader, err := r.ElectMaster(context.Background(), "yo")
		if err != nil || !isLeader {
			t.Errorf("El backend de latidos siempre elige al anfitrion")
		}
		addr, _ := r.GetActiveMaster(context.Background())
		if addr != "master:19189" {
			t.Errorf("GetActiveMaster devolvio %s", addr)
		}
	})
}

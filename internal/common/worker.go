package common

import (
	"fmt"
	"sort"
)

// Estados de un Worker en el registro.
const (
	WorkerStatusAlive = "ALIVE"
	WorkerStatusDead  = "DEAD"
)

// WorkerDetail describe un Shuffle Worker vivo tal como lo publica el registro.
// (Host, DataPort) es unico dentro de un cluster.
type WorkerDetail struct {
	Host          string `json:"host"`
	DataPort      int    `json:"data_port"`
	ControlPort   int    `json:"control_port"`
	Weight        int    `json:"weight"` // peso de carga, >= 1
	DataCenter    string `json:"data_center"`
	Cluster       string `json:"cluster"`
	LastHeartbeat int64  `json:"last_heartbeat"` // unix millis
}

// Id devuelve el identificador host:dataPort usado en el registro
// y en los nombres de archivo part-*.
func (w WorkerDetail) Id() string {
	return fmt.Sprintf("%s:%d", w.Host, w.DataPort)
}

// DataAddr es la direccion del canal de datos.
func (w WorkerDetail) DataAddr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.DataPort)
}

// ControlAddr es la direccion del canal de control.
func (w WorkerDetail) ControlAddr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.ControlPort)
}

// ServerGroup es la lista ordenada y sin duplicados de workers
// a la que se enrutan las particiones de un shuffle. Inmutable
// una vez construido el handle.
type ServerGroup struct {
	Workers []WorkerDetail `json:"workers"`
}

// MemberFor elige el miembro del grupo para una particion.
// Una misma particion siempre va al mismo miembro.
func (g ServerGroup) MemberFor(partitionId int) WorkerDetail {
	return g.Workers[partitionId%len(g.Workers)]
}

// SortWorkers ordena por (heartbeat mas reciente, host:port lexicografico).
// Se usa como desempate en la seleccion ponderada del Master.
func SortWorkers(ws []WorkerDetail) {
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].LastHeartbeat != ws[j].LastHeartbeat {
			return ws[i].LastHeartbeat > ws[j].LastHeartbeat
		}
		return ws[i].Id() < ws[j].Id()
	})
}

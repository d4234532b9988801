package client

import (
	"context"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kettlelinna/shuttle/internal/common"
	"github.com/kettlelinna/shuttle/internal/config"
	"github.com/kettlelinna/shuttle/internal/dfs"
	"github.com/kettlelinna/shuttle/internal/registry"
)

// ServiceManager es la superficie estrecha que el host engine adapta:
// registrar un shuffle, obtener escritor y lector, y dar de baja.
// Es un singleton por driver con Init/Close explicitos; no se filtra
// entre vidas de aplicacion.
type ServiceManager struct {
	cfg *config.Config
	fs  dfs.FileSystem
	net *netClient
	reg *registry.EtcdRegistry // solo en modo zk

	mu     sync.Mutex
	rng    *rand.Rand
	closed bool
}

var (
	globalMu sync.Mutex
	global   *ServiceManager
)

// Init crea el singleton del driver. Llamar dos veces sin Close es un error.
func Init(cfg *config.Config, fs dfs.FileSystem) (*ServiceManager, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		return nil, errors.Wrap(common.ErrConfig, "ServiceManager ya inicializado")
	}
	m, err := newServiceManager(cfg, fs)
	if err != nil {
		return nil, err
	}
	global = m
	return m, nil
}

// Get devuelve el singleton, o nil si no hay Init previo.
func Get() *ServiceManager {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

func newServiceManager(cfg *config.Config, fs dfs.FileSystem) (*ServiceManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &ServiceManager{
		cfg: cfg,
		fs:  fs,
		net: newNetClient(cfg),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if cfg.ServiceManagerType == config.ServiceManagerZk {
		reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, cfg.DataCenter, cfg.Cluster)
		if err != nil {
			return nil, err
		}
		m.reg = reg
	}
	return m, nil
}

// masterAddr resuelve el Master activo. En modo zk se relee el puntero
// del registro en cada intento, de modo que un failover redirige solo.
func (m *ServiceManager) masterAddr(ctx context.Context) (string, error) {
	if m.reg == nil {
		return m.cfg.MasterAddr, nil
	}
	addr, err := m.reg.GetActiveMaster(ctx)
	if err != nil {
		return "", err
	}
	if addr == "" {
		return "", errors.Wrap(common.ErrNetwork, "sin Master activo en el registro")
	}
	return addr, nil
}

// RegisterShuffle pide workers al Master y construye el handle que el
// driver reparte a los ejecutores. Los errores de asignacion suben
// sincronos: la etapa aborta en el registro.
func (m *ServiceManager) RegisterShuffle(ctx context.Context, stage common.StageShuffleId, numPartitions int) (*ShuffleHandle, error) {
	requested := int(math.Ceil(float64(numPartitions) / float64(m.cfg.PartitionCountPerShuffleWorker)))
	req := common.GetShuffleWorkersRequest{
		DataCenter:     m.cfg.DataCenter,
		Cluster:        m.cfg.Cluster,
		AppId:          stage.AppId,
		AppName:        stage.AppId,
		RequestedCount: requested,
	}

	var resp *common.GetShuffleWorkersResponse
	var err error
	for attempt := 0; attempt <= m.cfg.NetworkRetries; attempt++ {
		var addr string
		addr, err = m.masterAddr(ctx)
		if err == nil {
			resp, err = m.net.GetShuffleWorkers(addr, req)
		}
		if err == nil {
			break
		}
		// Perdida de lider o red: se relee el puntero y se reintenta.
		if !common.IsRetryable(err) {
			return nil, err
		}
		log.Printf("[Client] Reintentando asignacion (%d/%d): %v", attempt+1, m.cfg.NetworkRetries, err)
		time.Sleep(m.cfg.InputReadyQueryInterval())
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	rng := rand.New(rand.NewSource(m.rng.Int63()))
	m.mu.Unlock()
	handle, err := NewShuffleHandle(stage, numPartitions, resp.Workers, m.cfg.WorkersPerGroup, resp.ClusterConf, rng)
	if err != nil {
		return nil, err
	}
	log.Printf("[Client] Shuffle %s registrado: %d particiones sobre %d grupos",
		stage.Key(), numPartitions, len(handle.Groups))
	return handle, nil
}

// GetWriter crea el escritor de un intento de map segun la forma de la
// dependencia y la configuracion.
func (m *ServiceManager) GetWriter(handle *ShuffleHandle, mapId, mapAttempt int, dep DependencyShape) ShuffleWriter {
	return NewShuffleWriter(m.cfg, handle, mapId, mapAttempt, dep)
}

// GetReader crea el lector de un rango de particiones y maps.
func (m *ServiceManager) GetReader(handle *ShuffleHandle, startPartition, endPartition, startMap, endMap int) *ShuffleReader {
	return NewShuffleReader(m.cfg, handle, m.fs, startPartition, endPartition, startMap, endMap)
}

// Finalizer devuelve el gancho de fin de etapa del driver.
func (m *ServiceManager) Finalizer() *StageFinalizer {
	return NewStageFinalizer(m.cfg, m.fs)
}

// UnregisterShuffle da de baja el shuffle; con deleteShuffleDir activo
// borra tambien su arbol del DFS.
func (m *ServiceManager) UnregisterShuffle(handle *ShuffleHandle) error {
	if !m.cfg.DeleteShuffleDir {
		return nil
	}
	return NewStageFinalizer(m.cfg, m.fs).DeleteShuffleData(handle)
}

// Close cierra el singleton y sus conexiones.
func (m *ServiceManager) Close() error {
	globalMu.Lock()
	if global == m {
		global = nil
	}
	globalMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.reg != nil {
		return m.reg.Close()
	}
	return nil
}

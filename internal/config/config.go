package config

import (
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/kettlelinna/shuttle/internal/common"
)

// Tipos de escritor del cliente.
const (
	WriterTypeAuto   = "auto"
	WriterTypeBypass = "bypass"
	WriterTypeUnsafe = "unsafe"
	WriterTypeSort   = "sort"
)

// Fuente del asignador de workers.
const (
	ServiceManagerMaster = "master"
	ServiceManagerZk     = "zk"
)

// Config reune toda la superficie de configuracion del servicio.
// Los tamanos son bytes y los intervalos milisegundos.
type Config struct {
	// Cliente -> Worker
	BlockSize           int   `json:"block_size"`             // tamano objetivo de paquete
	MaxRequestSize      int   `json:"max_request_size"`       // tope duro de un payload de red
	MaxFlyingPackageNum int   `json:"max_flying_package_num"` // ventana de bloques en vuelo
	NetworkRetries      int   `json:"network_retries"`
	NetworkTimeoutMs    int64 `json:"network_timeout_ms"`
	NetworkIOThreads    int   `json:"network_io_threads"`

	// Escritor
	WriterType        string `json:"writer_type"`
	MemoryThreshold   int    `json:"memory_threshold"`    // tope de buffer off-heap del cliente
	WriterBufferSpill int    `json:"writer_buffer_spill"` // umbral en memoria del sort-writer
	BypassThreshold   int    `json:"bypass_threshold"`    // maximo de particiones para bypass

	// Lector
	ReadIOThreads             int   `json:"read_io_threads"`
	ReadMaxSize               int   `json:"read_max_size"`
	ReadMergeSize             int   `json:"read_merge_size"`
	InputReadyQueryIntervalMs int64 `json:"input_ready_query_interval_ms"`
	InputReadyMaxWaitTimeMs   int64 `json:"input_ready_max_wait_time_ms"`
	DeleteShuffleDir          bool  `json:"delete_shuffle_dir"`

	// Asignacion
	ServiceManagerType             string `json:"service_manager_type"`
	PartitionCountPerShuffleWorker int    `json:"partition_count_per_shuffle_worker"`
	WorkersPerGroup                int    `json:"workers_per_group"`
	MinServerCount                 int    `json:"min_server_count"`
	MaxServerCount                 int    `json:"max_server_count"`

	// Worker
	BaseConnections            int   `json:"base_connections"`
	TotalConnections           int   `json:"total_connections"`
	DumperThreads              int   `json:"dumper_threads"`
	DumperQueueSize            int   `json:"dumper_queue_size"`
	MemoryControlSizeThreshold int64 `json:"memory_control_size_threshold"`
	PartitionIdleTimeoutMs     int64 `json:"partition_idle_timeout_ms"`
	AppStorageRetentionMillis  int64 `json:"app_storage_retention_millis"`
	AppObjRetentionMillis      int64 `json:"app_obj_retention_millis"`

	// Registro / cluster
	MasterAddr    string   `json:"master_addr"` // direccion fija del Master en modo "master"
	EtcdEndpoints []string `json:"etcd_endpoints"`
	DataCenter    string   `json:"data_center"`
	Cluster       string   `json:"cluster"`
	RootDir       string   `json:"root_dir"`
}

// Default devuelve la configuracion con los valores por defecto.
func Default() *Config {
	return &Config{
		BlockSize:           256 * 1024,
		MaxRequestSize:      4 * 1024 * 1024,
		MaxFlyingPackageNum: 16,
		NetworkRetries:      3,
		NetworkTimeoutMs:    30_000,
		NetworkIOThreads:    4,

		WriterType:        WriterTypeAuto,
		MemoryThreshold:   64 * 1024 * 1024,
		WriterBufferSpill: 16 * 1024 * 1024,
		BypassThreshold:   200,

		ReadIOThreads:             4,
		ReadMaxSize:               32 * 1024 * 1024,
		ReadMergeSize:             4 * 1024 * 1024,
		InputReadyQueryIntervalMs: 500,
		InputReadyMaxWaitTimeMs:   120_000,

		ServiceManagerType:             ServiceManagerMaster,
		PartitionCountPerShuffleWorker: 100,
		WorkersPerGroup:                2,
		MinServerCount:                 1,
		MaxServerCount:                 32,

		BaseConnections:            64,
		TotalConnections:           128,
		DumperThreads:              4,
		DumperQueueSize:            64,
		MemoryControlSizeThreshold: 256 * 1024 * 1024,
		PartitionIdleTimeoutMs:     60_000,
		AppStorageRetentionMillis:  36 * 3600 * 1000,
		AppObjRetentionMillis:      2 * 3600 * 1000,

		MasterAddr:    "localhost:19189",
		EtcdEndpoints: []string{"localhost:2379"},
		DataCenter:    "dc1",
		Cluster:       "default",
		RootDir:       "/tmp/shuttle",
	}
}

// Load lee un archivo JSON de configuracion sobre los defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(common.ErrConfig, "no se pudo leer %s: %v", path, err)
	}
	if err := common.Json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(common.ErrConfig, "JSON invalido en %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate comprueba los invariantes entre opciones.
func (c *Config) Validate() error {
	switch {
	case c.BlockSize <= 0:
		return errors.Wrap(common.ErrConfig, "block_size debe ser > 0")
	case c.MaxRequestSize < c.BlockSize:
		return errors.Wrap(common.ErrConfig, "max_request_size no puede ser menor que block_size")
	case c.MaxFlyingPackageNum <= 0:
		return errors.Wrap(common.ErrConfig, "max_flying_package_num debe ser > 0")
	case c.TotalConnections < c.BaseConnections:
		return errors.Wrap(common.ErrConfig, "total_connections no puede ser menor que base_connections")
	case c.DumperThreads <= 0 || c.DumperQueueSize <= 0:
		return errors.Wrap(common.ErrConfig, "dumper_threads y dumper_queue_size deben ser > 0")
	case c.WorkersPerGroup <= 0:
		return errors.Wrap(common.ErrConfig, "workers_per_group debe ser > 0")
	case c.MinServerCount <= 0 || c.MaxServerCount < c.MinServerCount:
		return errors.Wrap(common.ErrConfig, "rango min/max_server_count invalido")
	case c.MemoryControlSizeThreshold <= 0:
		return errors.Wrap(common.ErrConfig, "memory_control_size_threshold debe ser > 0")
	}
	switch c.WriterType {
	case WriterTypeAuto, WriterTypeBypass, WriterTypeUnsafe, WriterTypeSort:
	default:
		return errors.Wrapf(common.ErrConfig, "writer_type desconocido: %s", c.WriterType)
	}
	switch c.ServiceManagerType {
	case ServiceManagerMaster, ServiceManagerZk:
	default:
		return errors.Wrapf(common.ErrConfig, "service_manager_type desconocido: %s", c.ServiceManagerType)
	}
	return nil
}

func (c *Config) NetworkTimeout() time.Duration {
	return time.Duration(c.NetworkTimeoutMs) * time.Millisecond
}

func (c *Config) InputReadyQueryInterval() time.Duration {
	return time.Duration(c.InputReadyQueryIntervalMs) * time.Millisecond
}

func (c *Config) InputReadyMaxWaitTime() time.Duration {
	return time.Duration(c.InputReadyMaxWaitTimeMs) * time.Millisecond
}

func (c *Config) PartitionIdleTimeout() time.Duration {
	return time.Duration(c.PartitionIdleTimeoutMs) * time.Millisecond
}

// ClusterConf construye el blob que el Master entrega a los clientes.
func (c *Config) ClusterConf() common.ClusterConf {
	return common.ClusterConf{
		RootDir:    c.RootDir,
		DataCenter: c.DataCenter,
		Cluster:    c.Cluster,
	}
}

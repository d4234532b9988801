package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kettlelinna/shuttle/internal/common"
	"github.com/kettlelinna/shuttle/internal/config"
	"github.com/kettlelinna/shuttle/internal/dfs"
	"github.com/kettlelinna/shuttle/internal/registry"
	"github.com/kettlelinna/shuttle/internal/worker"
)

// Codigos de salida del binario.
const (
	exitOk             = 0
	exitConfigInvalid  = 2
	exitRegistryFailed = 3
	exitPortInUse      = 4
	exitDfsFailed      = 5
)

func main() {
	configPath := flag.String("config", "", "Ruta del archivo JSON de configuracion")
	dataPort := flag.Int("data-port", 19190, "Puerto del canal de datos")
	controlPort := flag.Int("control-port", 19191, "Puerto del canal de control")
	weight := flag.Int("weight", 1, "Peso de carga del worker")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[Worker] Configuracion invalida: %v", err)
		os.Exit(exitConfigInvalid)
	}

	fs := dfs.NewLocal()
	if err := fs.MkdirAll(cfg.RootDir); err != nil {
		log.Printf("[Worker] DFS inaccesible en %s: %v", cfg.RootDir, err)
		os.Exit(exitDfsFailed)
	}

	host, _ := os.Hostname()
	detail := common.WorkerDetail{
		Host:        host,
		DataPort:    *dataPort,
		ControlPort: *controlPort,
		Weight:      *weight,
		DataCenter:  cfg.DataCenter,
		Cluster:     cfg.Cluster,
	}

	storage := worker.NewStorage(cfg, fs, detail.Id())
	server := worker.NewServer(cfg, detail, storage)
	if err := server.Start(); err != nil {
		if strings.Contains(err.Error(), "address already in use") {
			log.Printf("[Worker] Puerto en uso: %v", err)
			os.Exit(exitPortInUse)
		}
		log.Printf("[Worker] No se pudo iniciar: %v", err)
		os.Exit(exitPortInUse)
	}

	// Publicar la pertenencia: entrada efimera en etcd o latidos al Master.
	var lease registry.Lease
	var sender *registry.HeartbeatSender
	if cfg.ServiceManagerType == config.ServiceManagerZk {
		reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, cfg.DataCenter, cfg.Cluster)
		if err != nil {
			log.Printf("[Worker] Registro inaccesible: %v", err)
			os.Exit(exitRegistryFailed)
		}
		defer reg.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		lease, err = reg.RegisterWorker(ctx, detail)
		cancel()
		if err != nil {
			log.Printf("[Worker] Registro fallido: %v", err)
			os.Exit(exitRegistryFailed)
		}
	} else {
		sender = registry.NewHeartbeatSender(registry.MasterURL(cfg.MasterAddr), detail)
		sender.Start()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("[Worker] Apagando...")
	if lease != nil {
		lease.Close()
	}
	if sender != nil {
		sender.Stop()
	}
	server.Stop()
	storage.Close()
	os.Exit(exitOk)
}

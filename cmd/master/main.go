package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kettlelinna/shuttle/internal/config"
	"github.com/kettlelinna/shuttle/internal/master"
	"github.com/kettlelinna/shuttle/internal/registry"
)

// Codigos de salida del binario.
const (
	exitOk             = 0
	exitConfigInvalid  = 2
	exitRegistryFailed = 3
	exitPortInUse      = 4
)

func main() {
	configPath := flag.String("config", "", "Ruta del archivo JSON de configuracion")
	port := flag.Int("port", 19189, "Puerto del Master")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[Master] Configuracion invalida: %v", err)
		os.Exit(exitConfigInvalid)
	}

	host, _ := os.Hostname()
	selfAddr := fmt.Sprintf("%s:%d", host, *port)

	var reg registry.Registry
	var hb *registry.HeartbeatRegistry
	if cfg.ServiceManagerType == config.ServiceManagerZk {
		etcdReg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, cfg.DataCenter, cfg.Cluster)
		if err != nil {
			log.Printf("[Master] Registro inaccesible: %v", err)
			os.Exit(exitRegistryFailed)
		}
		// Bloquea hasta ganar la eleccion: los contendientes esperan aqui
		// observando al titular y compiten cuando desaparece.
		if _, err := etcdReg.ElectMaster(context.Background(), selfAddr); err != nil {
			log.Printf("[Master] Eleccion fallida: %v", err)
			os.Exit(exitRegistryFailed)
		}
		reg = etcdReg
	} else {
		hb = registry.NewHeartbeatRegistry(selfAddr)
		reg = hb
	}
	defer reg.Close()

	allocator := master.NewAllocator(cfg, reg)
	server := master.NewServer(cfg, allocator, hb)
	if err := server.Start(*port); err != nil {
		if strings.Contains(err.Error(), "address already in use") {
			log.Printf("[Master] Puerto en uso: %v", err)
			os.Exit(exitPortInUse)
		}
		log.Printf("[Master] No se pudo iniciar: %v", err)
		os.Exit(exitPortInUse)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("[Master] Apagando...")
	server.Stop()
	os.Exit(exitOk)
}

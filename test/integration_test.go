package integration_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/kettlelinna/shuttle/internal/client"
	"github.com/kettlelinna/shuttle/internal/common"
	"github.com/kettlelinna/shuttle/internal/config"
	"github.com/kettlelinna/shuttle/internal/dfs"
	"github.com/kettlelinna/shuttle/internal/master"
	"github.com/kettlelinna/shuttle/internal/registry"
	"github.com/kettlelinna/shuttle/internal/worker"
)

// ==========================================================
// SETUP DEL CLUSTER DE PRUEBA
// ==========================================================

type testCluster struct {
	cfg       *config.Config
	masterSrv *master.Server
	workers   []*worker.Server
	details   []common.WorkerDetail
	storages  []*worker.Storage
	hb        *registry.HeartbeatRegistry
}

// startCluster levanta un Master en modo latidos y n workers en puertos
// efimeros, y publica su pertenencia directamente en la tabla.
func startCluster(t *testing.T, n int) *testCluster {
	t.Helper()

	cfg := config.Default()
	cfg.RootDir = t.TempDir()
	cfg.NetworkTimeoutMs = 5000
	cfg.InputReadyQueryIntervalMs = 50
	cfg.InputReadyMaxWaitTimeMs = 5000
	cfg.PartitionCountPerShuffleWorker = 2 // repartir entre todos los workers del test

	hb := registry.NewHeartbeatRegistry("master-test")
	allocator := master.NewAllocator(cfg, hb)
	masterSrv := master.NewServer(cfg, allocator, hb)
	if err := masterSrv.Start(0); err != nil {
		t.Fatalf("No se pudo iniciar el Master: %v", err)
	}
	_, masterPort, _ := net.SplitHostPort(masterSrv.Addr())
	cfg.MasterAddr = "127.0.0.1:" + masterPort

	c := &testCluster{cfg: cfg, masterSrv: masterSrv, hb: hb}
	fs := dfs.NewLocal()
	for i := 0; i < n; i++ {
		detail := common.WorkerDetail{
			Host: "127.0.0.1", DataPort: 0, ControlPort: 0,
			Weight: 1, DataCenter: cfg.DataCenter, Cluster: cfg.Cluster,
		}
		storage := worker.NewStorage(cfg, fs, fmt.Sprintf("w%d", i))
		srv := worker.NewServer(cfg, detail, storage)
		if err := srv.Start(); err != nil {
			t.Fatalf("No se pudo iniciar el worker %d: %v", i, err)
		}
		// Publicar la pertenencia con los puertos reales asignados
		_, dataPort, _ := net.SplitHostPort(srv.DataAddr())
		_, controlPort, _ := net.SplitHostPort(srv.ControlAddr())
		detail.DataPort = atoi(t, dataPort)
		detail.ControlPort = atoi(t, controlPort)
		hb.UpdateHeartbeat(detail)

		c.workers = append(c.workers, srv)
		c.details = append(c.details, detail)
		c.storages = append(c.storages, storage)
	}

	t.Cleanup(func() {
		for _, w := range c.workers {
			w.Stop()
		}
		for _, s := range c.storages {
			s.Close()
		}
		masterSrv.Stop()
		hb.Close()
	})
	return c
}

func atoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	if err != nil {
		t.Fatalf("Puerto ilegible %q: %v", s, err)
	}
	return n
}

// runShuffle escribe numMappers x recordsPerMap registros repartidos en
// numPartitions, finaliza la etapa y devuelve el handle.
func runShuffle(t *testing.T, cluster *testCluster, m *client.ServiceManager, cfg *config.Config,
	stage common.StageShuffleId, numPartitions, numMappers, recordsPerMap int) *client.ShuffleHandle {
	t.Helper()

	// Refrescar la pertenencia por si el test anterior consumio la ventana
	for _, d := range cluster.details {
		cluster.hb.UpdateHeartbeat(d)
	}
	handle, err := m.RegisterShuffle(context.Background(), stage, numPartitions)
	if err != nil {
		t.Fatalf("RegisterShuffle fallo: %v", err)
	}
	for mapId := 0; mapId < numMappers; mapId++ {
		w := client.NewShuffleWriter(cfg, handle, mapId, 0, client.DependencyShape{})
		for i := 0; i < recordsPerMap; i++ {
			rec := []byte(fmt.Sprintf("map%d-registro%04d", mapId, i))
			if err := w.Write(i%numPartitions, rec); err != nil {
				t.Fatalf("Write fallo (map=%d, i=%d): %v", mapId, i, err)
			}
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close del escritor %d fallo: %v", mapId, err)
		}
	}
	if err := m.Finalizer().OnStageComplete(handle); err != nil {
		t.Fatalf("OnStageComplete fallo: %v", err)
	}
	return handle
}

// readAll consume el iterador completo y cuenta los registros.
func readAll(t *testing.T, r *client.ShuffleReader) map[string]int {
	t.Helper()
	it, err := r.Open()
	if err != nil {
		t.Fatalf("Open del lector fallo: %v", err)
	}
	defer it.Close()

	counts := make(map[string]int)
	for {
		rec, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next fallo: %v", err)
		}
		counts[string(rec)]++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("El lector termino con error: %v", err)
	}
	return counts
}

// ==========================================================
// ESCENARIOS END-TO-END
// ==========================================================

func TestE2E_ShuffleCompleto(t *testing.T) {
	cluster := startCluster(t, 2)

	m, err := client.Init(cluster.cfg, dfs.NewLocal())
	if err != nil {
		t.Fatalf("Init del ServiceManager fallo: %v", err)
	}
	defer m.Close()

	// Round-trip con las tres estrategias: el multiconjunto de registros
	// escrito debe volver exacto.
	strategies := []string{config.WriterTypeBypass, config.WriterTypeSort, config.WriterTypeUnsafe}
	for i, strategy := range strategies {
		t.Run("RoundTrip_"+strategy, func(t *testing.T) {
			cfg := *cluster.cfg
			cfg.WriterType = strategy
			cfg.WriterBufferSpill = 2048 // provocar spills en el sort
			cfg.MemoryThreshold = 4096   // y drenajes en el unsafe

			stage := common.StageShuffleId{
				AppId: "app-e2e", AppAttempt: "1", StageAttempt: 0, ShuffleId: i,
			}
			const numPartitions, numMappers, recordsPerMap = 4, 3, 1000
			handle := runShuffle(t, cluster, m, &cfg, stage, numPartitions, numMappers, recordsPerMap)

			counts := readAll(t, m.GetReader(handle, 0, numPartitions, 0, numMappers))

			total := 0
			for _, c := range counts {
				total += c
			}
			if total != numMappers*recordsPerMap {
				t.Fatalf("Esperaba %d registros, obtuvo %d", numMappers*recordsPerMap, total)
			}
			for rec, c := range counts {
				if c != 1 {
					t.Errorf("El registro %q aparece %d veces", rec, c)
				}
			}
		})
	}

	// Un rango parcial de particiones devuelve solo su porcion
	t.Run("RangoParcial", func(t *testing.T) {
		cfg := *cluster.cfg
		stage := common.StageShuffleId{AppId: "app-rango", AppAttempt: "1", ShuffleId: 9}
		handle := runShuffle(t, cluster, m, &cfg, stage, 4, 2, 400)

		counts := readAll(t, m.GetReader(handle, 0, 1, 0, 2))
		// 400 registros por map, modulo 4 -> 100 por particion y map
		if total := len(counts); total != 200 {
			t.Errorf("Esperaba 200 registros de la particion 0, obtuvo %d", total)
		}
	})
}

func TestE2E_BloqueDuplicado(t *testing.T) {
	cluster := startCluster(t, 1)
	stage := common.StageShuffleId{AppId: "app-dup", AppAttempt: "1", ShuffleId: 0}

	// Token por el canal de control
	controlAddr := cluster.details[0].ControlAddr()
	openBody := []byte(`{"request_id":"req-1","app_id":"app-dup"}`)
	httpResp, err := http.Post("http://"+controlAddr+"/api/v1/open", "application/json", bytes.NewReader(openBody))
	if err != nil {
		t.Fatalf("OpenConnection fallo: %v", err)
	}
	var open common.OpenConnectionResponse
	common.Json.NewDecoder(httpResp.Body).Decode(&open)
	httpResp.Body.Close()
	if open.Token == "" {
		t.Fatalf("No se obtuvo token: %+v", open)
	}

	send := func() common.SendBlockResponse {
		req, _ := http.NewRequest(http.MethodPost,
			"http://"+cluster.details[0].DataAddr()+"/api/v1/blocks",
			bytes.NewReader([]byte("payload repetido")))
		req.Header.Set(worker.HdrRequestId, "req-2")
		req.Header.Set(worker.HdrToken, open.Token)
		req.Header.Set(worker.HdrApp, stage.AppId)
		req.Header.Set(worker.HdrAppAttempt, stage.AppAttempt)
		req.Header.Set(worker.HdrStageAttempt, "0")
		req.Header.Set(worker.HdrShuffle, "0")
		req.Header.Set(worker.HdrMap, "7")
		req.Header.Set(worker.HdrMapAttempt, "0")
		req.Header.Set(worker.HdrPartition, "0")
		req.Header.Set(worker.HdrSeq, "3")
		httpResp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("SendBlock fallo: %v", err)
		}
		defer httpResp.Body.Close()
		var resp common.SendBlockResponse
		common.Json.NewDecoder(httpResp.Body).Decode(&resp)
		return resp
	}

	// El mismo bloque (m=7, a=0, seq=3) dos veces
	first := send()
	if first.Duplicate || first.ErrorKind != common.KindNone {
		t.Fatalf("El primer envio no debe ser duplicado: %+v", first)
	}
	second := send()
	if !second.Duplicate {
		t.Fatalf("El segundo envio debe marcarse duplicado: %+v", second)
	}

	// El archivo lo contiene una sola vez
	if err := cluster.storages[0].FinalizeStage(stage, false); err != nil {
		t.Fatalf("FinalizeStage fallo: %v", err)
	}
	records := cluster.storages[0].FlushRecords(common.PartitionShuffleId{Stage: stage, PartitionId: 0})
	var total int64
	for _, r := range records {
		total += r.Length
	}
	b := &common.Block{Stage: stage, MapId: 7, MapAttempt: 0, PartitionId: 0, SeqNo: 3,
		Payload: []byte("payload repetido")}
	if expected := int64(len(b.EncodeFrame())); total != expected {
		t.Errorf("El archivo debe contener el bloque una vez: %d bytes != %d", total, expected)
	}
}

func TestE2E_LectorAntesDeFinalize(t *testing.T) {
	cluster := startCluster(t, 1)

	m, err := client.Init(cluster.cfg, dfs.NewLocal())
	if err != nil {
		t.Fatalf("Init del ServiceManager fallo: %v", err)
	}
	defer m.Close()

	stage := common.StageShuffleId{AppId: "app-espera", AppAttempt: "1", ShuffleId: 0}
	handle, err := m.RegisterShuffle(context.Background(), stage, 2)
	if err != nil {
		t.Fatalf("RegisterShuffle fallo: %v", err)
	}

	// 1. Sin marcador y con espera corta: InputNotReadyError
	t.Run("Timeout", func(t *testing.T) {
		cfg := *cluster.cfg
		cfg.InputReadyMaxWaitTimeMs = 200
		r := client.NewShuffleReader(&cfg, handle, dfs.NewLocal(), 0, 2, 0, 1)
		if _, err := r.Open(); common.KindOf(err) != common.KindInputNotReady {
			t.Errorf("Esperaba InputNotReadyError, obtuvo %v", err)
		}
	})

	// 2. El sondeo engancha el marcador cuando aparece
	t.Run("MarcadorTardio", func(t *testing.T) {
		w := client.NewShuffleWriter(cluster.cfg, handle, 0, 0, client.DependencyShape{})
		for i := 0; i < 10; i++ {
			if err := w.Write(i%2, []byte(fmt.Sprintf("r%d", i))); err != nil {
				t.Fatalf("Write fallo: %v", err)
			}
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close fallo: %v", err)
		}

		go func() {
			time.Sleep(300 * time.Millisecond)
			if err := m.Finalizer().OnStageComplete(handle); err != nil {
				t.Errorf("OnStageComplete fallo: %v", err)
			}
		}()

		counts := readAll(t, m.GetReader(handle, 0, 2, 0, 1))
		total := 0
		for _, c := range counts {
			total += c
		}
		if total != 10 {
			t.Errorf("Esperaba 10 registros tras el marcador tardio, obtuvo %d", total)
		}
	})
}

package worker

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"log"
	"path"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/kettlelinna/shuttle/internal/common"
	"github.com/kettlelinna/shuttle/internal/config"
	"github.com/kettlelinna/shuttle/internal/dfs"
)

// ==========================================
// 1. ESTADO POR (ETAPA, PARTICION)
// ==========================================

type partitionState int

const (
	stateEmpty partitionState = iota
	stateBuffering
	stateFlushing
	stateClosed
	stateAborted
)

// FlushRecord deja constancia de cada volcado al DFS.
type FlushRecord struct {
	Path   string
	Length int64
	Crc    uint32
}

// dumpBatchBlocks multiplica blockSize para decidir el volcado por tamano.
const dumpBatchBlocks = 4

var fileCrcTable = crc32.MakeTable(crc32.Castagnoli)

// partitionBuffer acumula bloques enmarcados de una particion hasta que
// la politica de volcado los manda al DFS. Cada buffer tiene su propio
// mutex: particiones independientes nunca contienden.
type partitionBuffer struct {
	mu         sync.Mutex
	id         common.PartitionShuffleId
	state      partitionState
	pending    []byte              // bloques enmarcados pendientes de volcar
	seen       map[string]struct{} // supresion de duplicados por (mapId, mapAttempt, seqNo)
	flushSeq   int
	records    []FlushRecord
	lastActive time.Time
	queued     bool // ya hay un volcado encolado en su dumper

	acceptedBytes int64 // bytes aceptados en total, cuadra con los volcados
}

type stageState struct {
	mu         sync.Mutex
	stage      common.StageShuffleId
	partitions map[int]*partitionBuffer
	lastActive time.Time
	closed     bool
}

// ==========================================
// 2. ALMACEN DEL WORKER
// ==========================================

// Storage convierte buffers de particion en escrituras secuenciales al
// DFS mediante un pool de dumpers con colas acotadas. Una particion es
// pegajosa a su dumper (hash del partitionId): un solo hilo escribe
// cada archivo de particion.
type Storage struct {
	cfg      *config.Config
	fs       dfs.FileSystem
	workerId string
	governor *MemoryGovernor

	mu     sync.RWMutex
	stages map[string]*stageState
	// Etapas ya cerradas cuyo estado se libero: la re-llegada con el
	// mismo stageAttempt se sigue rechazando hasta que la retencion
	// purga la entrada.
	closedStages map[string]int64

	dumpers []chan flushTask
	done    chan struct{}
	wg      sync.WaitGroup
}

type flushTask struct {
	pb   *partitionBuffer
	done chan error // nil en volcados asincronos
}

func NewStorage(cfg *config.Config, fs dfs.FileSystem, workerId string) *Storage {
	s := &Storage{
		cfg:          cfg,
		fs:           fs,
		workerId:     workerId,
		governor:     NewMemoryGovernor(cfg.MemoryControlSizeThreshold),
		stages:       make(map[string]*stageState),
		closedStages: make(map[string]int64),
		done:         make(chan struct{}),
	}
	s.dumpers = make([]chan flushTask, cfg.DumperThreads)
	for i := range s.dumpers {
		s.dumpers[i] = make(chan flushTask, cfg.DumperQueueSize)
		s.wg.Add(1)
		go s.dumperLoop(i)
	}
	s.wg.Add(2)
	go s.idleFlushLoop()
	go s.retentionLoop()
	log.Printf("[Storage] Pool de %d dumpers iniciado (cola=%d)", cfg.DumperThreads, cfg.DumperQueueSize)
	return s
}

func (s *Storage) Governor() *MemoryGovernor { return s.governor }

// AddBlock valida, deduplica y acumula un bloque. Devuelve duplicate=true
// si el bloque ya se habia visto (se responde ack sin re-bufferizar).
func (s *Storage) AddBlock(b *common.Block) (duplicate bool, err error) {
	// Gobernador global: bajo presion se rechaza antes de tocar estado.
	if s.governor.Overloaded() {
		return false, errors.Wrapf(common.ErrBackpressure,
			"%d bytes residentes", s.governor.Resident())
	}
	if len(b.Payload) > s.cfg.MaxRequestSize {
		return false, errors.Wrapf(common.ErrProtocol,
			"payload de %d bytes supera max_request_size", len(b.Payload))
	}

	ss := s.stageFor(b.Stage)
	if ss == nil {
		return false, errors.Wrapf(common.ErrStageAborted,
			"la etapa %s ya fue cerrada", b.Stage.Key())
	}

	pb := s.partitionFor(ss, b.PartitionId)

	pb.mu.Lock()
	switch pb.state {
	case stateClosed:
		pb.mu.Unlock()
		return false, errors.Wrapf(common.ErrStageAborted,
			"particion %d cerrada para %s", b.PartitionId, b.Stage.Key())
	case stateAborted:
		pb.mu.Unlock()
		return false, errors.Wrapf(common.ErrDfs,
			"particion %d abortada por fallo de volcado", b.PartitionId)
	}

	key := b.DedupKey()
	if _, dup := pb.seen[key]; dup {
		pb.mu.Unlock()
		log.Printf("[Storage] DuplicateBlock %s en %s", key, pb.id.Key())
		return true, nil
	}
	pb.seen[key] = struct{}{}

	frame := b.EncodeFrame()
	pb.pending = append(pb.pending, frame...)
	pb.acceptedBytes += int64(len(frame))
	pb.state = stateBuffering
	pb.lastActive = time.Now()
	s.governor.Reserve(int64(len(frame)))

	shouldFlush := len(pb.pending) >= s.cfg.BlockSize*dumpBatchBlocks || s.governor.OverHighWater()
	needEnqueue := shouldFlush && !pb.queued
	if needEnqueue {
		pb.queued = true
	}
	pb.mu.Unlock()

	if needEnqueue {
		// Si la cola del dumper esta llena, esto bloquea: la contrapresion
		// sube hacia el gobernador porque los bytes siguen residentes.
		s.enqueueFlush(pb, nil)
	}
	return false, nil
}

// FinalizeStage vuelca todas las particiones de la etapa, marca el estado
// y libera la memoria. Es idempotente. Con aborted=true los buffers se
// descartan y se intenta limpiar los parciales del DFS.
func (s *Storage) FinalizeStage(stage common.StageShuffleId, aborted bool) error {
	s.mu.Lock()
	ss, ok := s.stages[stage.Key()]
	if ok {
		ss.closed = true
	}
	s.closedStages[stage.Key()] = time.Now().UnixMilli()
	s.mu.Unlock()
	if !ok {
		return nil // nada bufferizado aqui para esa etapa
	}

	ss.mu.Lock()
	partitions := make([]*partitionBuffer, 0, len(ss.partitions))
	for _, pb := range ss.partitions {
		partitions = append(partitions, pb)
	}
	ss.mu.Unlock()

	if aborted {
		for _, pb := range partitions {
			s.discard(pb)
		}
		// Mejor esfuerzo: retirar los parciales ya escritos.
		for _, pb := range partitions {
			dir := dfs.PartitionDir(s.cfg.RootDir, pb.id)
			if err := s.fs.Delete(dir); err != nil {
				log.Printf("[Storage] No se pudo limpiar %s: %v", dir, err)
			}
		}
		log.Printf("[Storage] Etapa %s abortada: %d particiones descartadas", stage.Key(), len(partitions))
		return nil
	}

	// Volcado final en paralelo, cada particion a traves de su dumper
	// pegajoso para conservar la escritura mono-hilo por archivo.
	g := new(errgroup.Group)
	for _, pb := range partitions {
		pb := pb
		g.Go(func() error {
			done := make(chan error, 1)
			s.enqueueFlush(pb, done)
			if err := <-done; err != nil {
				return err
			}
			pb.mu.Lock()
			pb.state = stateClosed
			pb.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Printf("[Storage] Etapa %s finalizada (%d particiones)", stage.Key(), len(partitions))
	return nil
}

// ReleaseStage expulsa el estado en memoria de una etapa ya finalizada.
func (s *Storage) ReleaseStage(stage common.StageShuffleId) {
	s.mu.Lock()
	delete(s.stages, stage.Key())
	s.mu.Unlock()
}

// FlushRecords expone los registros de volcado de una particion (tests).
func (s *Storage) FlushRecords(p common.PartitionShuffleId) []FlushRecord {
	s.mu.RLock()
	ss, ok := s.stages[p.Stage.Key()]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	ss.mu.Lock()
	pb, ok := ss.partitions[p.PartitionId]
	ss.mu.Unlock()
	if !ok {
		return nil
	}
	pb.mu.Lock()
	defer pb.mu.Unlock()
	out := make([]FlushRecord, len(pb.records))
	copy(out, pb.records)
	return out
}

func (s *Storage) Close() {
	close(s.done)
	for _, ch := range s.dumpers {
		close(ch)
	}
	s.wg.Wait()
}

// ==========================================
// 3. TABLA DE ESTADOS
// ==========================================

// stageFor devuelve el estado de la etapa, creandolo si procede.
// Una etapa cerrada devuelve nil: la re-llegada se rechaza salvo que
// traiga un stageAttempt posterior, que por llevar otra clave abre
// un estado nuevo.
func (s *Storage) stageFor(stage common.StageShuffleId) *stageState {
	key := stage.Key()
	s.mu.RLock()
	_, wasClosed := s.closedStages[key]
	ss, ok := s.stages[key]
	s.mu.RUnlock()
	if wasClosed {
		return nil
	}
	if ok {
		if ss.closed {
			return nil
		}
		ss.mu.Lock()
		ss.lastActive = time.Now()
		ss.mu.Unlock()
		return ss
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ss, ok = s.stages[key]; ok {
		if ss.closed {
			return nil
		}
		return ss
	}
	ss = &stageState{
		stage:      stage,
		partitions: make(map[int]*partitionBuffer),
		lastActive: time.Now(),
	}
	s.stages[key] = ss
	return ss
}

func (s *Storage) partitionFor(ss *stageState, partitionId int) *partitionBuffer {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	pb, ok := ss.partitions[partitionId]
	if !ok {
		pb = &partitionBuffer{
			id:         common.PartitionShuffleId{Stage: ss.stage, PartitionId: partitionId},
			state:      stateEmpty,
			seen:       make(map[string]struct{}),
			lastActive: time.Now(),
		}
		ss.partitions[partitionId] = pb
	}
	return pb
}

// ==========================================
// 4. POOL DE DUMPERS
// ==========================================

func (s *Storage) enqueueFlush(pb *partitionBuffer, done chan error) {
	idx := pb.id.PartitionId % len(s.dumpers)
	if idx < 0 {
		idx = -idx
	}
	s.dumpers[idx] <- flushTask{pb: pb, done: done}
}

func (s *Storage) dumperLoop(idx int) {
	defer s.wg.Done()
	for task := range s.dumpers[idx] {
		err := s.flush(task.pb)
		if task.done != nil {
			task.done <- err
		}
	}
}

// flush escribe los bytes pendientes de la particion en un archivo
// part-* nuevo. Reintenta con backoff exponencial acotado; el fallo
// persistente aborta la particion.
func (s *Storage) flush(pb *partitionBuffer) error {
	pb.mu.Lock()
	pb.queued = false
	if len(pb.pending) == 0 || pb.state == stateAborted {
		pb.mu.Unlock()
		return nil
	}
	data := pb.pending
	pb.pending = nil
	pb.state = stateFlushing
	seq := pb.flushSeq
	pb.flushSeq++
	pb.mu.Unlock()

	target := path.Join(dfs.PartitionDir(s.cfg.RootDir, pb.id), dfs.PartFileName(s.workerId, seq))

	var err error
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt <= s.cfg.NetworkRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		err = s.writeFile(target, data)
		if err == nil {
			break
		}
		log.Printf("[Dumper] Fallo escribiendo %s (intento %d): %v", target, attempt+1, err)
	}
	s.governor.Release(int64(len(data)))

	pb.mu.Lock()
	defer pb.mu.Unlock()
	if err != nil {
		pb.state = stateAborted
		log.Printf("[Dumper] Particion %s ABORTADA tras agotar reintentos", pb.id.Key())
		return errors.Wrapf(common.ErrDfs, "volcado de %s: %v", pb.id.Key(), err)
	}
	pb.records = append(pb.records, FlushRecord{
		Path:   target,
		Length: int64(len(data)),
		Crc:    crc32.Checksum(data, fileCrcTable),
	})
	if pb.state == stateFlushing {
		pb.state = stateBuffering
	}
	return nil
}

func (s *Storage) writeFile(target string, data []byte) error {
	w, err := s.fs.Create(target)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// discard libera los bytes pendientes sin escribirlos.
func (s *Storage) discard(pb *partitionBuffer) {
	pb.mu.Lock()
	released := int64(len(pb.pending))
	pb.pending = nil
	pb.state = stateClosed
	pb.mu.Unlock()
	if released > 0 {
		s.governor.Release(released)
	}
}

// ==========================================
// 5. VOLCADO POR INACTIVIDAD Y RETENCION
// ==========================================

func (s *Storage) idleFlushLoop() {
	defer s.wg.Done()
	interval := s.cfg.PartitionIdleTimeout() / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		cutoff := time.Now().Add(-s.cfg.PartitionIdleTimeout())
		for _, pb := range s.allPartitions() {
			pb.mu.Lock()
			idle := len(pb.pending) > 0 && pb.lastActive.Before(cutoff) && !pb.queued
			if idle {
				pb.queued = true
			}
			pb.mu.Unlock()
			if idle {
				s.enqueueFlush(pb, nil)
			}
		}
	}
}

func (s *Storage) allPartitions() []*partitionBuffer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*partitionBuffer
	for _, ss := range s.stages {
		ss.mu.Lock()
		for _, pb := range ss.partitions {
			out = append(out, pb)
		}
		ss.mu.Unlock()
	}
	return out
}

// retentionLoop borra arboles de aplicacion viejos del DFS y expulsa el
// estado en memoria de etapas inactivas.
func (s *Storage) retentionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		s.sweepStorage()
		s.sweepStageObjects()
	}
}

func (s *Storage) sweepStorage() {
	entries, err := s.fs.List(s.cfg.RootDir)
	if err != nil {
		log.Printf("[Storage] Barrido de retencion fallido: %v", err)
		return
	}
	cutoff := time.Now().UnixMilli() - s.cfg.AppStorageRetentionMillis
	for _, e := range entries {
		if e.IsDir && e.ModTime < cutoff {
			if err := s.fs.Delete(e.Path); err != nil {
				log.Printf("[Storage] No se pudo borrar %s: %v", e.Path, err)
				continue
			}
			log.Printf("[Storage] Retencion: borrado el arbol de app %s", e.Name)
		}
	}
}

func (s *Storage) sweepStageObjects() {
	cutoff := time.Now().Add(-time.Duration(s.cfg.AppObjRetentionMillis) * time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, ss := range s.stages {
		ss.mu.Lock()
		expired := ss.lastActive.Before(cutoff)
		ss.mu.Unlock()
		if expired {
			delete(s.stages, key)
			log.Printf("[Storage] Retencion: expulsado el estado de %s", key)
		}
	}
	cutoffMillis := time.Now().UnixMilli() - s.cfg.AppObjRetentionMillis
	for key, closedAt := range s.closedStages {
		if closedAt < cutoffMillis {
			delete(s.closedStages, key)
		}
	}
}

// DumpPendingSummary describe lo bufferizado, para logs de diagnostico.
func (s *Storage) DumpPendingSummary() string {
	var buf bytes.Buffer
	for _, pb := range s.allPartitions() {
		pb.mu.Lock()
		fmt.Fprintf(&buf, "%s: %d bytes pendientes, %d volcados\n",
			pb.id.Key(), len(pb.pending), len(pb.records))
		pb.mu.Unlock()
	}
	return buf.String()
}

// WriteStageMarker escribe el marcador de la etapa en el DFS.
func (s *Storage) WriteStageMarker(stage common.StageShuffleId, aborted bool) error {
	marker := dfs.SuccessMarker
	if aborted {
		marker = dfs.FailedMarker
	}
	return dfs.WriteMarker(s.fs, s.cfg.RootDir, stage, marker)
}

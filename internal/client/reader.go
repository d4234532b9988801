package client

import (
	"context"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/kettlelinna/shuttle/internal/common"
	"github.com/kettlelinna/shuttle/internal/config"
	"github.com/kettlelinna/shuttle/internal/dfs"
)

// ==========================================
// 1. LECTOR DE SHUFFLE
// ==========================================

// ShuffleReader consume un rango de particiones [startPartition,
// endPartition) restringido a los maps [startMap, endMap). Espera el
// marcador de exito de la etapa, lista los archivos part-* de cada
// particion y reconstruye el flujo de registros deduplicado.
type ShuffleReader struct {
	cfg    *config.Config
	handle *ShuffleHandle
	fs     dfs.FileSystem

	startPartition int
	endPartition   int
	startMap       int
	endMap         int
}

func NewShuffleReader(cfg *config.Config, handle *ShuffleHandle, fs dfs.FileSystem,
	startPartition, endPartition, startMap, endMap int) *ShuffleReader {
	return &ShuffleReader{
		cfg:            cfg,
		handle:         handle,
		fs:             fs,
		startPartition: startPartition,
		endPartition:   endPartition,
		startMap:       startMap,
		endMap:         endMap,
	}
}

// waitReady sondea el marcador de etapa hasta inputReadyMaxWaitTime.
func (r *ShuffleReader) waitReady() error {
	root := r.handle.ClusterConf.RootDir
	deadline := time.Now().Add(r.cfg.InputReadyMaxWaitTime())
	for {
		if failed, err := dfs.MarkerExists(r.fs, root, r.handle.Stage, dfs.FailedMarker); err == nil && failed {
			return errors.Wrapf(common.ErrStageAborted, "etapa %s marcada como fallida", r.handle.Stage.Key())
		}
		ok, err := dfs.MarkerExists(r.fs, root, r.handle.Stage, dfs.SuccessMarker)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(common.ErrInputNotReady,
				"sin marcador de %s tras %s", r.handle.Stage.Key(), r.cfg.InputReadyMaxWaitTime())
		}
		time.Sleep(r.cfg.InputReadyQueryInterval())
	}
}

// Open espera la entrada y devuelve el iterador de registros.
func (r *ShuffleReader) Open() (*RecordIterator, error) {
	if err := r.waitReady(); err != nil {
		return nil, err
	}

	queueCap := r.cfg.ReadMaxSize / r.cfg.ReadMergeSize
	if queueCap < 1 {
		queueCap = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	it := &RecordIterator{
		ch:     make(chan [][]byte, queueCap),
		cancel: cancel,
	}

	go func() {
		defer close(it.ch)
		for p := r.startPartition; p < r.endPartition; p++ {
			blocks, err := r.readPartition(ctx, p)
			if err != nil {
				it.setErr(err)
				return
			}
			if !r.emit(ctx, it, blocks) {
				return
			}
		}
	}()
	return it, nil
}

// emit agrupa bloques en lotes de ~read.merge.size y los pone en la cola
// acotada del iterador. Devuelve false si el iterador se cerro.
func (r *ShuffleReader) emit(ctx context.Context, it *RecordIterator, blocks []*common.Block) bool {
	var batch [][]byte
	batchBytes := 0
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		select {
		case it.ch <- batch:
			batch, batchBytes = nil, 0
			return true
		case <-ctx.Done():
			return false
		}
	}
	for _, b := range blocks {
		records, err := SplitRecords(b.Payload)
		if err != nil {
			it.setErr(err)
			return false
		}
		for _, rec := range records {
			batch = append(batch, rec)
			batchBytes += len(rec)
			if batchBytes >= r.cfg.ReadMergeSize {
				if !flush() {
					return false
				}
			}
		}
	}
	return flush()
}

// ==========================================
// 2. LECTURA DE UNA PARTICION
// ==========================================

// readPartition lista los part-*, los lee con read.io.threads fetchers en
// paralelo y resuelve el intento ganador de cada map.
func (r *ShuffleReader) readPartition(ctx context.Context, partitionId int) ([]*common.Block, error) {
	dir := dfs.PartitionDir(r.handle.ClusterConf.RootDir, common.PartitionShuffleId{
		Stage:       r.handle.Stage,
		PartitionId: partitionId,
	})
	entries, err := r.fs.List(dir)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var all []*common.Block
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ReadIOThreads)
	for _, e := range entries {
		if e.IsDir || !dfs.IsPartFile(e.Name) {
			continue
		}
		e := e
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			blocks, err := r.readPartFile(e.Path)
			if err != nil {
				return err
			}
			mu.Lock()
			all = append(all, blocks...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resolveWinners(all, r.startMap, r.endMap), nil
}

// readPartFile decodifica los bloques enmarcados de un archivo. Un
// archivo truncado a mitad de bloque se tolera: los bloques completos
// anteriores se conservan y el lector depende de la deduplicacion.
func (r *ShuffleReader) readPartFile(path string) ([]*common.Block, error) {
	f, err := r.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var blocks []*common.Block
	for {
		b, err := common.DecodeFrame(f)
		if err == io.EOF {
			return blocks, nil
		}
		if err != nil {
			if common.KindOf(err) == common.KindProtocol {
				log.Printf("[Reader] Archivo parcial tolerado en %s: %v", path, err)
				return blocks, nil
			}
			return nil, err
		}
		blocks = append(blocks, b)
	}
}

// ==========================================
// 3. INTENTO GANADOR Y DEDUPLICACION
// ==========================================

// resolveWinners elige, por cada mapId del rango, el intento ganador:
// el de mayor attemptNumber con bloque terminador; sin terminador
// alguno, el de mayor attempt con seqNos contiguos desde cero. Los
// bloques del ganador se deduplican por seqNo y se ordenan por seqNo,
// preservando el orden de envio dentro del intento.
func resolveWinners(all []*common.Block, startMap, endMap int) []*common.Block {
	byMap := make(map[int]map[int][]*common.Block) // mapId -> attempt -> bloques
	for _, b := range all {
		if b.MapId < startMap || b.MapId >= endMap {
			continue
		}
		attempts, ok := byMap[b.MapId]
		if !ok {
			attempts = make(map[int][]*common.Block)
			byMap[b.MapId] = attempts
		}
		attempts[b.MapAttempt] = append(attempts[b.MapAttempt], b)
	}

	mapIds := make([]int, 0, len(byMap))
	for id := range byMap {
		mapIds = append(mapIds, id)
	}
	sort.Ints(mapIds)

	var out []*common.Block
	for _, mapId := range mapIds {
		attempts := byMap[mapId]
		ids := make([]int, 0, len(attempts))
		for a := range attempts {
			ids = append(ids, a)
		}
		sort.Sort(sort.Reverse(sort.IntSlice(ids)))

		winner := -1
		for _, a := range ids {
			if hasTerminator(attempts[a]) {
				winner = a
				break
			}
		}
		if winner < 0 {
			for _, a := range ids {
				if contiguous(attempts[a]) {
					winner = a
					break
				}
			}
		}
		if winner < 0 {
			log.Printf("[Reader] Sin intento ganador para map=%d; descartado", mapId)
			continue
		}
		out = append(out, orderedPayloadBlocks(attempts[winner])...)
	}
	return out
}

func hasTerminator(blocks []*common.Block) bool {
	for _, b := range blocks {
		if b.IsTerminator() {
			return true
		}
	}
	return false
}

// contiguous comprueba seqNos 0..n-1 sin huecos (tras deduplicar).
func contiguous(blocks []*common.Block) bool {
	seen := make(map[int]struct{}, len(blocks))
	max := -1
	for _, b := range blocks {
		seen[b.SeqNo] = struct{}{}
		if b.SeqNo > max {
			max = b.SeqNo
		}
	}
	return len(seen) == max+1
}

// orderedPayloadBlocks deduplica por seqNo, ordena y excluye el terminador.
func orderedPayloadBlocks(blocks []*common.Block) []*common.Block {
	seen := make(map[int]struct{}, len(blocks))
	out := make([]*common.Block, 0, len(blocks))
	for _, b := range blocks {
		if _, dup := seen[b.SeqNo]; dup {
			continue
		}
		seen[b.SeqNo] = struct{}{}
		if !b.IsTerminator() {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeqNo < out[j].SeqNo })
	return out
}

// ==========================================
// 4. ITERADOR DE REGISTROS
// ==========================================

// RecordIterator entrega los registros reconstruidos. Next devuelve
// io.EOF al agotarse el flujo.
type RecordIterator struct {
	ch     chan [][]byte
	cancel context.CancelFunc

	mu  sync.Mutex
	err error

	cur [][]byte
	idx int
}

func (it *RecordIterator) Next() ([]byte, error) {
	for it.idx >= len(it.cur) {
		batch, ok := <-it.ch
		if !ok {
			if err := it.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		it.cur, it.idx = batch, 0
	}
	rec := it.cur[it.idx]
	it.idx++
	return rec, nil
}

// Close cancela los fetchers en curso.
func (it *RecordIterator) Close() {
	it.cancel()
}

func (it *RecordIterator) Err() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.err
}

func (it *RecordIterator) setErr(err error) {
	it.mu.Lock()
	if it.err == nil {
		it.err = err
	}
	it.mu.Unlock()
}

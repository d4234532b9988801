package client

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kettlelinna/shuttle/internal/common"
	"github.com/kettlelinna/shuttle/internal/config"
)

// ==========================================
// 1. CONTRATO DEL ESCRITOR Y SELECCION
// ==========================================

// ShuffleWriter es el contrato comun de las tres estrategias. Un registro
// escrito no es durable hasta que Close devuelve sin error (todos los
// bloques con ack y terminadores enviados).
type ShuffleWriter interface {
	Write(partitionId int, record []byte) error
	Close() error
	// Abort descarta lo no enviado; la cancelacion no es un error.
	Abort()
}

// DependencyShape describe la dependencia del host engine que decide
// la estrategia de escritura.
type DependencyShape struct {
	MapSideCombine        bool
	Aggregation           bool
	SerializerRelocatable bool
}

// ChooseWriterType es una funcion pura de la forma de la dependencia
// y la configuracion.
func ChooseWriterType(cfg *config.Config, numPartitions int, dep DependencyShape) string {
	if cfg.WriterType != config.WriterTypeAuto {
		return cfg.WriterType
	}
	if numPartitions <= cfg.BypassThreshold && !dep.MapSideCombine {
		return config.WriterTypeBypass
	}
	if dep.SerializerRelocatable && !dep.Aggregation {
		return config.WriterTypeUnsafe
	}
	return config.WriterTypeSort
}

// NewShuffleWriter instancia la estrategia elegida para un intento de map.
func NewShuffleWriter(cfg *config.Config, handle *ShuffleHandle, mapId, mapAttempt int, dep DependencyShape) ShuffleWriter {
	s := newSender(cfg, handle, mapId, mapAttempt)
	switch ChooseWriterType(cfg, handle.NumPartitions, dep) {
	case config.WriterTypeBypass:
		return newBypassWriter(cfg, handle, s)
	case config.WriterTypeUnsafe:
		return newUnsafeWriter(cfg, handle, s)
	default:
		return newSortWriter(cfg, handle, s)
	}
}

// ==========================================
// 2. ENMARCADO DE REGISTROS EN EL PAYLOAD
// ==========================================

// Dentro del payload de un bloque, cada registro va como [u32 len][bytes]
// en big-endian, para que el lector reconstruya el flujo de registros.

func appendRecord(payload, record []byte) []byte {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(record)))
	payload = append(payload, hdr[:]...)
	return append(payload, record...)
}

// SplitRecords separa los registros de un payload de bloque.
func SplitRecords(payload []byte) ([][]byte, error) {
	var records [][]byte
	for len(payload) > 0 {
		if len(payload) < 4 {
			return nil, errors.Wrap(common.ErrProtocol, "registro truncado en el payload")
		}
		n := int(binary.BigEndian.Uint32(payload[:4]))
		payload = payload[4:]
		if n > len(payload) {
			return nil, errors.Wrap(common.ErrProtocol, "longitud de registro invalida")
		}
		records = append(records, payload[:n:n])
		payload = payload[n:]
	}
	return records, nil
}

// ==========================================
// 3. EMISOR DE RED (comun a las estrategias)
// ==========================================

// sender empaqueta bloques hacia el miembro de grupo de cada particion.
// Cada miembro tiene un canal acotado (ventana de bloques en vuelo) y
// una unica goroutine de envio, de modo que los bloques de una particion
// llegan en orden de envio.
type sender struct {
	cfg    *config.Config
	handle *ShuffleHandle
	net    *netClient

	mapId      int
	mapAttempt int

	mu      sync.Mutex
	chans   map[string]chan *common.Block
	tokens  map[string]string
	seq     []int  // siguiente seqNo por particion
	touched []bool // particiones con datos enviados
	wg      sync.WaitGroup
	sendErr error
}

func newSender(cfg *config.Config, handle *ShuffleHandle, mapId, mapAttempt int) *sender {
	return &sender{
		cfg:        cfg,
		handle:     handle,
		net:        newNetClient(cfg),
		mapId:      mapId,
		mapAttempt: mapAttempt,
		chans:      make(map[string]chan *common.Block),
		tokens:     make(map[string]string),
		seq:        make([]int, handle.NumPartitions),
		touched:    make([]bool, handle.NumPartitions),
	}
}

// Send encola un bloque hacia el miembro de su particion. Bloquea si la
// ventana de vuelo del miembro esta llena.
func (s *sender) Send(partitionId int, payload []byte) error {
	if err := s.failure(); err != nil {
		return err
	}
	s.mu.Lock()
	block := &common.Block{
		Stage:       s.handle.Stage,
		MapId:       s.mapId,
		MapAttempt:  s.mapAttempt,
		PartitionId: partitionId,
		SeqNo:       s.seq[partitionId],
		Payload:     payload,
	}
	s.seq[partitionId]++
	if len(payload) > 0 {
		s.touched[partitionId] = true
	}
	ch := s.channelFor(s.handle.MemberFor(partitionId))
	s.mu.Unlock()

	ch <- block
	return nil
}

// channelFor arranca bajo demanda la goroutine de envio de un miembro.
// Se llama con s.mu tomado.
func (s *sender) channelFor(member common.WorkerDetail) chan *common.Block {
	ch, ok := s.chans[member.Id()]
	if !ok {
		ch = make(chan *common.Block, s.cfg.MaxFlyingPackageNum)
		s.chans[member.Id()] = ch
		s.wg.Add(1)
		go s.sendLoop(member, ch)
	}
	return ch
}

func (s *sender) sendLoop(member common.WorkerDetail, ch chan *common.Block) {
	defer s.wg.Done()

	// Canal de control primero: sin token no hay subida.
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NetworkTimeout())
	token, err := s.net.OpenConnection(ctx, member, s.handle.Stage.AppId, "")
	cancel()
	if err != nil {
		s.setFailure(errors.Wrapf(err, "abriendo conexion con %s", member.Id()))
		for range ch {
		}
		return
	}
	s.mu.Lock()
	s.tokens[member.Id()] = token
	s.mu.Unlock()

	for block := range ch {
		if err := s.sendWithRetry(member, token, block); err != nil {
			s.setFailure(err)
			for range ch {
			}
			return
		}
	}
}

// sendWithRetry aplica backoff exponencial acotado por networkRetries a
// los errores transitorios (backpressure y red); protocolo nunca se reintenta.
func (s *sender) sendWithRetry(member common.WorkerDetail, token string, block *common.Block) error {
	backoff := s.cfg.NetworkTimeout() / 64
	var err error
	for attempt := 0; attempt <= s.cfg.NetworkRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		var duplicate bool
		duplicate, err = s.net.SendBlock(member, token, block)
		if err == nil {
			if duplicate {
				log.Printf("[Writer] Bloque duplicado aceptado: map=%d attempt=%d seq=%d",
					block.MapId, block.MapAttempt, block.SeqNo)
			}
			return nil
		}
		if !common.IsRetryable(err) {
			break
		}
	}
	return errors.Wrapf(err, "bloque (map=%d, particion=%d, seq=%d) sin ack tras %d reintentos",
		block.MapId, block.PartitionId, block.SeqNo, s.cfg.NetworkRetries)
}

// CloseSend emite los terminadores, espera los acks y libera tokens.
func (s *sender) CloseSend() error {
	// Terminador por cada (mapAttempt, particion) con datos: hace
	// determinista la eleccion del intento ganador en el lector.
	s.mu.Lock()
	touched := make([]int, 0)
	for p, t := range s.touched {
		if t {
			touched = append(touched, p)
		}
	}
	s.mu.Unlock()
	for _, p := range touched {
		if err := s.Send(p, nil); err != nil {
			break
		}
	}

	s.mu.Lock()
	for _, ch := range s.chans {
		close(ch)
	}
	s.chans = make(map[string]chan *common.Block)
	s.mu.Unlock()
	s.wg.Wait()

	s.releaseTokens()
	return s.failure()
}

// AbortSend descarta lo pendiente sin esperar acks.
func (s *sender) AbortSend() {
	s.mu.Lock()
	for _, ch := range s.chans {
		close(ch)
	}
	s.chans = make(map[string]chan *common.Block)
	s.mu.Unlock()
	s.wg.Wait()
	s.releaseTokens()
}

func (s *sender) releaseTokens() {
	members := make(map[string]common.WorkerDetail)
	for _, w := range s.handle.AllWorkers() {
		members[w.Id()] = w
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, token := range s.tokens {
		if w, ok := members[id]; ok {
			s.net.ReleaseConnection(w, token)
		}
	}
	s.tokens = make(map[string]string)
}

func (s *sender) setFailure(err error) {
	s.mu.Lock()
	if s.sendErr == nil {
		s.sendErr = err
	}
	s.mu.Unlock()
}

func (s *sender) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendErr
}

// ==========================================
// 4. ESTRATEGIA BYPASS
// ==========================================

// bypassWriter bufferiza bytes por particion directamente, sin ordenar.
// Es la via rapida cuando hay pocas particiones y no hay combine.
type bypassWriter struct {
	cfg     *config.Config
	s       *sender
	buffers [][]byte
}

func newBypassWriter(cfg *config.Config, handle *ShuffleHandle, s *sender) *bypassWriter {
	return &bypassWriter{
		cfg:     cfg,
		s:       s,
		buffers: make([][]byte, handle.NumPartitions),
	}
}

func (w *bypassWriter) Write(partitionId int, record []byte) error {
	if partitionId < 0 || partitionId >= len(w.buffers) {
		return errors.Wrapf(common.ErrProtocol, "particion %d fuera de rango", partitionId)
	}
	w.buffers[partitionId] = appendRecord(w.buffers[partitionId], record)
	if len(w.buffers[partitionId]) >= w.cfg.BlockSize {
		return w.flush(partitionId)
	}
	return nil
}

func (w *bypassWriter) flush(partitionId int) error {
	payload := w.buffers[partitionId]
	if len(payload) == 0 {
		return nil
	}
	w.buffers[partitionId] = nil
	return w.s.Send(partitionId, payload)
}

func (w *bypassWriter) Close() error {
	for p := range w.buffers {
		if err := w.flush(p); err != nil {
			w.s.AbortSend()
			return err
		}
	}
	return w.s.CloseSend()
}

func (w *bypassWriter) Abort() {
	w.buffers = nil
	w.s.AbortSend()
}

// ==========================================
// 5. ESTRATEGIA SORT
// ==========================================

// sortWriter acumula registros en memoria y, al superar el umbral de
// spill, los vuelca ordenados por particion a un anillo local de staging.
// Close hace el merge-emit: spills en orden de creacion y memoria al final,
// particion a particion, conservando el orden de produccion.
type sortWriter struct {
	cfg    *config.Config
	handle *ShuffleHandle
	s      *sender

	records  []sortEntry
	memBytes int
	spills   []string
}

type sortEntry struct {
	partition int
	data      []byte
}

func newSortWriter(cfg *config.Config, handle *ShuffleHandle, s *sender) *sortWriter {
	return &sortWriter{cfg: cfg, handle: handle, s: s}
}

func (w *sortWriter) Write(partitionId int, record []byte) error {
	if partitionId < 0 || partitionId >= w.handle.NumPartitions {
		return errors.Wrapf(common.ErrProtocol, "particion %d fuera de rango", partitionId)
	}
	buf := make([]byte, len(record))
	copy(buf, record)
	w.records = append(w.records, sortEntry{partition: partitionId, data: buf})
	w.memBytes += len(record) + 16
	if w.memBytes > w.cfg.WriterBufferSpill {
		return w.spill()
	}
	return nil
}

// spill escribe los registros en memoria, ordenados por particion de
// forma estable, a un archivo de staging local.
func (w *sortWriter) spill() error {
	sort.SliceStable(w.records, func(i, j int) bool {
		return w.records[i].partition < w.records[j].partition
	})

	f, err := os.CreateTemp("", "shuttle-spill-*")
	if err != nil {
		return errors.Wrapf(common.ErrDfs, "creando spill local: %v", err)
	}
	bw := bufio.NewWriter(f)
	var hdr [8]byte
	for _, e := range w.records {
		binary.BigEndian.PutUint32(hdr[0:4], uint32(e.partition))
		binary.BigEndian.PutUint32(hdr[4:8], uint32(len(e.data)))
		if _, err := bw.Write(hdr[:]); err == nil {
			_, err = bw.Write(e.data)
		}
		if err != nil {
			f.Close()
			return errors.Wrapf(common.ErrDfs, "escribiendo spill: %v", err)
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return errors.Wrapf(common.ErrDfs, "cerrando spill: %v", err)
	}
	f.Close()

	w.spills = append(w.spills, f.Name())
	w.records = nil
	w.memBytes = 0
	log.Printf("[Writer] Spill local #%d: %s", len(w.spills), f.Name())
	return nil
}

func (w *sortWriter) Close() error {
	defer w.cleanup()

	sort.SliceStable(w.records, func(i, j int) bool {
		return w.records[i].partition < w.records[j].partition
	})

	// Cursores sobre cada spill, en orden de creacion.
	cursors := make([]*spillCursor, 0, len(w.spills))
	for _, path := range w.spills {
		c, err := openSpillCursor(path)
		if err != nil {
			w.s.AbortSend()
			return err
		}
		defer c.Close()
		cursors = append(cursors, c)
	}

	memIdx := 0
	for p := 0; p < w.handle.NumPartitions; p++ {
		var payload []byte
		emit := func(record []byte) error {
			payload = appendRecord(payload, record)
			if len(payload) >= w.cfg.BlockSize {
				err := w.s.Send(p, payload)
				payload = nil
				return err
			}
			return nil
		}

		// Primero los spills (mas antiguos primero), luego la memoria:
		// conserva el orden de produccion dentro de la particion.
		for _, c := range cursors {
			for c.current != nil && c.currentPartition == p {
				if err := emit(c.current); err != nil {
					w.s.AbortSend()
					return err
				}
				if err := c.advance(); err != nil {
					w.s.AbortSend()
					return err
				}
			}
		}
		for memIdx < len(w.records) && w.records[memIdx].partition == p {
			if err := emit(w.records[memIdx].data); err != nil {
				w.s.AbortSend()
				return err
			}
			memIdx++
		}
		if len(payload) > 0 {
			if err := w.s.Send(p, payload); err != nil {
				w.s.AbortSend()
				return err
			}
		}
	}
	return w.s.CloseSend()
}

func (w *sortWriter) Abort() {
	w.cleanup()
	w.s.AbortSend()
}

func (w *sortWriter) cleanup() {
	for _, p := range w.spills {
		os.Remove(p)
	}
	w.spills = nil
	w.records = nil
}

// spillCursor recorre secuencialmente un archivo de spill.
type spillCursor struct {
	f                *os.File
	r                *bufio.Reader
	current          []byte
	currentPartition int
}

func openSpillCursor(path string) (*spillCursor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(common.ErrDfs, "abriendo spill %s: %v", path, err)
	}
	c := &spillCursor{f: f, r: bufio.NewReader(f)}
	if err := c.advance(); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *spillCursor) advance() error {
	var hdr [8]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		if err == io.EOF {
			c.current = nil
			return nil
		}
		return errors.Wrapf(common.ErrDfs, "leyendo spill: %v", err)
	}
	c.currentPartition = int(binary.BigEndian.Uint32(hdr[0:4]))
	n := int(binary.BigEndian.Uint32(hdr[4:8]))
	c.current = make([]byte, n)
	if _, err := io.ReadFull(c.r, c.current); err != nil {
		return errors.Wrapf(common.ErrDfs, "registro de spill truncado: %v", err)
	}
	return nil
}

func (c *spillCursor) Close() { c.f.Close() }

// ==========================================
// 6. ESTRATEGIA UNSAFE
// ==========================================

// unsafeWriter empaqueta los registros serializados en una arena continua
// y un indice compacto, y los reparte por particion con una pasada de
// conteo (radix de un digito). Requiere serializador relocalizable.
type unsafeWriter struct {
	cfg    *config.Config
	handle *ShuffleHandle
	s      *sender

	arena   []byte
	entries []arenaEntry
}

type arenaEntry struct {
	partition int32
	offset    int32
	length    int32
}

func newUnsafeWriter(cfg *config.Config, handle *ShuffleHandle, s *sender) *unsafeWriter {
	return &unsafeWriter{
		cfg:    cfg,
		handle: handle,
		s:      s,
		arena:  make([]byte, 0, cfg.MemoryThreshold),
	}
}

func (w *unsafeWriter) Write(partitionId int, record []byte) error {
	if partitionId < 0 || partitionId >= w.handle.NumPartitions {
		return errors.Wrapf(common.ErrProtocol, "particion %d fuera de rango", partitionId)
	}
	if len(w.arena)+len(record) > w.cfg.MemoryThreshold && len(w.entries) > 0 {
		if err := w.drain(); err != nil {
			return err
		}
	}
	offset := len(w.arena)
	w.arena = append(w.arena, record...)
	w.entries = append(w.entries, arenaEntry{
		partition: int32(partitionId),
		offset:    int32(offset),
		length:    int32(len(record)),
	})
	return nil
}

// drain reparte la arena por particion con una pasada de conteo y la envia.
func (w *unsafeWriter) drain() error {
	counts := make([]int, w.handle.NumPartitions)
	for _, e := range w.entries {
		counts[e.partition]++
	}
	// Orden estable por particion sin comparaciones: posiciones por prefijo.
	starts := make([]int, w.handle.NumPartitions)
	total := 0
	for p, c := range counts {
		starts[p] = total
		total += c
	}
	ordered := make([]arenaEntry, len(w.entries))
	for _, e := range w.entries {
		ordered[starts[e.partition]] = e
		starts[e.partition]++
	}

	idx := 0
	for p := 0; p < w.handle.NumPartitions; p++ {
		var payload []byte
		for ; idx < len(ordered) && int(ordered[idx].partition) == p; idx++ {
			e := ordered[idx]
			payload = appendRecord(payload, w.arena[e.offset:e.offset+e.length])
			if len(payload) >= w.cfg.BlockSize {
				if err := w.s.Send(p, payload); err != nil {
					return err
				}
				payload = nil
			}
		}
		if len(payload) > 0 {
			if err := w.s.Send(p, payload); err != nil {
				return err
			}
		}
	}
	w.arena = w.arena[:0]
	w.entries = w.entries[:0]
	return nil
}

func (w *unsafeWriter) Close() error {
	if len(w.entries) > 0 {
		if err := w.drain(); err != nil {
			w.s.AbortSend()
			return err
		}
	}
	return w.s.CloseSend()
}

func (w *unsafeWriter) Abort() {
	w.arena = nil
	w.entries = nil
	w.s.AbortSend()
}

package client

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/kettlelinna/shuttle/internal/config"
)

func TestChooseWriterType(t *testing.T) {
	cfg := config.Default()
	cfg.BypassThreshold = 10

	cases := []struct {
		name       string
		partitions int
		dep        DependencyShape
		expect     string
	}{
		{"PocasParticionesSinCombine", 5, DependencyShape{}, config.WriterTypeBypass},
		{"PocasParticionesConCombine", 5, DependencyShape{MapSideCombine: true}, config.WriterTypeSort},
		{"RelocalizableSinAgregacion", 100, DependencyShape{SerializerRelocatable: true}, config.WriterTypeUnsafe},
		{"RelocalizableConAgregacion", 100, DependencyShape{SerializerRelocatable: true, Aggregation: true}, config.WriterTypeSort},
		{"CasoGeneral", 100, DependencyShape{}, config.WriterTypeSort},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ChooseWriterType(cfg, c.partitions, c.dep); got != c.expect {
				t.Errorf("Esperaba %s, obtuvo %s", c.expect, got)
			}
		})
	}

	// La configuracion explicita manda sobre la forma de la dependencia
	t.Run("ForzadoPorConfig", func(t *testing.T) {
		cfg := config.Default()
		cfg.WriterType = config.WriterTypeUnsafe
		if got := ChooseWriterType(cfg, 2, DependencyShape{}); got != config.WriterTypeUnsafe {
			t.Errorf("writer_type explicito debe mandar, obtuvo %s", got)
		}
	})
}

func TestRecordFraming(t *testing.T) {
	var payload []byte
	records := [][]byte{[]byte("uno"), []byte(""), []byte("tres con espacios")}
	for _, r := range records {
		payload = appendRecord(payload, r)
	}

	out, err := SplitRecords(payload)
	if err != nil {
		t.Fatalf("SplitRecords fallo: %v", err)
	}
	if len(out) != len(records) {
		t.Fatalf("Esperaba %d registros, obtuvo %d", len(records), len(out))
	}
	for i := range records {
		if !bytes.Equal(out[i], records[i]) {
			t.Errorf("Registro %d corrupto: %q != %q", i, out[i], records[i])
		}
	}

	// Un payload truncado debe detectarse
	if _, err := SplitRecords(payload[:len(payload)-3]); err == nil {
		t.Errorf("Un payload truncado debe fallar")
	}
}

func TestSortWriter_SpillYMerge(t *testing.T) {
	cfg := config.Default()
	cfg.WriterBufferSpill = 64 // forzar el spill enseguida

	handle := &ShuffleHandle{NumPartitions: 3}
	w := newSortWriter(cfg, handle, nil)

	// 1. Escribir registros intercalados por particion hasta provocar spills
	for i := 0; i < 12; i++ {
		p := i % 3
		rec := []byte(fmt.Sprintf("registro-%02d-de-la-particion-%d", i, p))
		buf := make([]byte, len(rec))
		copy(buf, rec)
		w.records = append(w.records, sortEntry{partition: p, data: buf})
		w.memBytes += len(rec) + 16
		if w.memBytes > cfg.WriterBufferSpill {
			if err := w.spill(); err != nil {
				t.Fatalf("spill fallo: %v", err)
			}
		}
	}
	if len(w.spills) == 0 {
		t.Fatalf("Con umbral de 64 bytes debia haber spills")
	}

	// 2. Los cursores recorren cada spill ordenado por particion
	for _, path := range w.spills {
		c, err := openSpillCursor(path)
		if err != nil {
			t.Fatalf("openSpillCursor fallo: %v", err)
		}
		last := -1
		for c.current != nil {
			if c.currentPartition < last {
				t.Errorf("Spill desordenado: particion %d tras %d", c.currentPartition, last)
			}
			last = c.currentPartition
			if err := c.advance(); err != nil {
				t.Fatalf("advance fallo: %v", err)
			}
		}
		c.Close()
	}

	w.cleanup()
	if len(w.spills) != 0 {
		t.Errorf("cleanup debe retirar los archivos de staging")
	}
}

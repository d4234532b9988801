package client

import (
	"testing"

	"github.com/kettlelinna/shuttle/internal/common"
)

func block(mapId, attempt, seq int, payload string) *common.Block {
	return &common.Block{MapId: mapId, MapAttempt: attempt, SeqNo: seq, Payload: []byte(payload)}
}

func terminator(mapId, attempt, seq int) *common.Block {
	return &common.Block{MapId: mapId, MapAttempt: attempt, SeqNo: seq}
}

func TestResolveWinners(t *testing.T) {
	// 1. El intento mas alto con terminador gana
	t.Run("TerminadorGana", func(t *testing.T) {
		all := []*common.Block{
			block(1, 0, 0, "a0"), block(1, 0, 1, "a1"), terminator(1, 0, 2),
			block(1, 1, 0, "b0"), block(1, 1, 1, "b1"), terminator(1, 1, 2),
		}
		out := resolveWinners(all, 0, 10)
		if len(out) != 2 {
			t.Fatalf("Esperaba 2 bloques del ganador, obtuvo %d", len(out))
		}
		for _, b := range out {
			if b.MapAttempt != 1 {
				t.Errorf("Debe ganar el intento 1, aparecio el %d", b.MapAttempt)
			}
		}
	})

	// 2. Un intento alto sin terminador ni contiguidad pierde contra uno completo
	t.Run("IncompletoPierde", func(t *testing.T) {
		all := []*common.Block{
			block(1, 0, 0, "a0"), block(1, 0, 1, "a1"), terminator(1, 0, 2),
			block(1, 1, 0, "b0"), block(1, 1, 3, "b3"), // hueco en seq: intento a medias
		}
		out := resolveWinners(all, 0, 10)
		for _, b := range out {
			if b.MapAttempt != 0 {
				t.Errorf("Debe ganar el intento 0 completo, aparecio el %d", b.MapAttempt)
			}
		}
		if len(out) != 2 {
			t.Errorf("Esperaba los 2 bloques del intento 0, obtuvo %d", len(out))
		}
	})

	// 3. Sin terminadores, gana el intento mas alto con seqNos contiguos
	t.Run("ContiguoSinTerminador", func(t *testing.T) {
		all := []*common.Block{
			block(1, 0, 0, "a0"),
			block(1, 1, 0, "b0"), block(1, 1, 1, "b1"),
		}
		out := resolveWinners(all, 0, 10)
		if len(out) != 2 || out[0].MapAttempt != 1 {
			t.Errorf("Debe ganar el intento 1 contiguo: %d bloques", len(out))
		}
	})

	// 4. Deduplicacion por (mapId, mapAttempt, seqNo) y orden por seq
	t.Run("DedupYOrden", func(t *testing.T) {
		all := []*common.Block{
			block(1, 0, 1, "r1"), block(1, 0, 0, "r0"),
			block(1, 0, 1, "r1-repetido"), terminator(1, 0, 2),
		}
		out := resolveWinners(all, 0, 10)
		if len(out) != 2 {
			t.Fatalf("El duplicado debe aparecer una sola vez: %d bloques", len(out))
		}
		if out[0].SeqNo != 0 || out[1].SeqNo != 1 {
			t.Errorf("Los bloques deben salir ordenados por seq: %d, %d", out[0].SeqNo, out[1].SeqNo)
		}
	})

	// 5. El rango de maps filtra a los ajenos
	t.Run("RangoDeMaps", func(t *testing.T) {
		all := []*common.Block{
			block(0, 0, 0, "m0"), terminator(0, 0, 1),
			block(5, 0, 0, "m5"), terminator(5, 0, 1),
		}
		out := resolveWinners(all, 0, 3)
		if len(out) != 1 || out[0].MapId != 0 {
			t.Errorf("Solo los maps del rango deben salir: %d bloques", len(out))
		}
	})

	// 6. Varios maps salen en orden ascendente de mapId
	t.Run("OrdenDeMaps", func(t *testing.T) {
		all := []*common.Block{
			block(3, 0, 0, "m3"), terminator(3, 0, 1),
			block(1, 0, 0, "m1"), terminator(1, 0, 1),
		}
		out := resolveWinners(all, 0, 10)
		if len(out) != 2 || out[0].MapId != 1 || out[1].MapId != 3 {
			t.Errorf("Los maps deben salir ordenados por id")
		}
	})
}

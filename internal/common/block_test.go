package common

import (
	"bytes"
	"io"
	"testing"
)

func TestBlock_FrameRoundTrip(t *testing.T) {
	stage := StageShuffleId{AppId: "app-1", AppAttempt: "1", StageAttempt: 0, ShuffleId: 3}

	// 1. Codificar y decodificar un bloque normal
	t.Run("RoundTrip", func(t *testing.T) {
		b := &Block{
			Stage:       stage,
			MapId:       7,
			MapAttempt:  1,
			PartitionId: 2,
			SeqNo:       5,
			Payload:     []byte("datos del shuffle"),
		}
		decoded, err := DecodeFrame(bytes.NewReader(b.EncodeFrame()))
		if err != nil {
			t.Fatalf("DecodeFrame fallo: %v", err)
		}
		if decoded.MapId != 7 || decoded.MapAttempt != 1 || decoded.SeqNo != 5 {
			t.Errorf("Huella incorrecta tras decodificar: %+v", decoded)
		}
		if !bytes.Equal(decoded.Payload, b.Payload) {
			t.Errorf("Payload corrupto tras decodificar")
		}
	})

	// 2. Varios bloques consecutivos en el mismo archivo
	t.Run("Secuencia", func(t *testing.T) {
		var buf bytes.Buffer
		for seq := 0; seq < 3; seq++ {
			b := &Block{Stage: stage, MapId: 1, PartitionId: 0, SeqNo: seq, Payload: []byte{byte(seq)}}
			buf.Write(b.EncodeFrame())
		}
		for seq := 0; seq < 3; seq++ {
			b, err := DecodeFrame(&buf)
			if err != nil {
				t.Fatalf("Bloque %d ilegible: %v", seq, err)
			}
			if b.SeqNo != seq {
				t.Errorf("Esperaba seq %d, obtuvo %d", seq, b.SeqNo)
			}
		}
		if _, err := DecodeFrame(&buf); err != io.EOF {
			t.Errorf("Esperaba EOF limpio al final, obtuvo %v", err)
		}
	})

	// 3. Un payload vacio es el terminador
	t.Run("Terminador", func(t *testing.T) {
		b := &Block{Stage: stage, MapId: 1, PartitionId: 0, SeqNo: 9}
		if !b.IsTerminator() {
			t.Errorf("Un bloque sin payload debe ser terminador")
		}
		decoded, err := DecodeFrame(bytes.NewReader(b.EncodeFrame()))
		if err != nil {
			t.Fatalf("Terminador ilegible: %v", err)
		}
		if !decoded.IsTerminator() {
			t.Errorf("El terminador perdio su condicion al decodificar")
		}
	})

	// 4. CRC invalido
	t.Run("CrcInvalido", func(t *testing.T) {
		b := &Block{Stage: stage, MapId: 1, PartitionId: 0, SeqNo: 0, Payload: []byte("abc")}
		frame := b.EncodeFrame()
		frame[len(frame)-1] ^= 0xFF // corromper el payload
		if _, err := DecodeFrame(bytes.NewReader(frame)); KindOf(err) != KindProtocol {
			t.Errorf("Esperaba ProtocolError con crc corrupto, obtuvo %v", err)
		}
	})

	// 5. Cabecera truncada
	t.Run("CabeceraTruncada", func(t *testing.T) {
		b := &Block{Stage: stage, MapId: 1, PartitionId: 0, SeqNo: 0, Payload: []byte("abc")}
		frame := b.EncodeFrame()
		if _, err := DecodeFrame(bytes.NewReader(frame[:10])); KindOf(err) != KindProtocol {
			t.Errorf("Esperaba ProtocolError con cabecera truncada, obtuvo %v", err)
		}
	})
}

func TestIds_Equality(t *testing.T) {
	a := StageShuffleId{AppId: "app", AppAttempt: "1", StageAttempt: 0, ShuffleId: 2}
	b := StageShuffleId{AppId: "app", AppAttempt: "1", StageAttempt: 0, ShuffleId: 2}
	if a != b {
		t.Errorf("La igualdad de StageShuffleId debe ser por tupla")
	}
	if a.Key() != b.Key() {
		t.Errorf("Claves canonicas distintas para ids iguales")
	}
	p1 := PartitionShuffleId{Stage: a, PartitionId: 4}
	p2 := PartitionShuffleId{Stage: b, PartitionId: 4}
	if p1 != p2 {
		t.Errorf("La igualdad de PartitionShuffleId debe ser por tupla")
	}
	c := StageShuffleId{AppId: "app", AppAttempt: "1", StageAttempt: 1, ShuffleId: 2}
	if a == c || a.Key() == c.Key() {
		t.Errorf("Un stageAttempt distinto debe producir un id distinto")
	}
}

func TestErrors_Kinds(t *testing.T) {
	t.Run("KindRoundTrip", func(t *testing.T) {
		if KindOf(ErrBackpressure) != KindBackpressure {
			t.Errorf("KindOf no reconoce el error sentinela")
		}
		rebuilt := ErrorForKind(KindBackpressure, "contexto")
		if KindOf(rebuilt) != KindBackpressure {
			t.Errorf("El error reconstruido perdio su tipo")
		}
	})

	t.Run("Retryable", func(t *testing.T) {
		if !IsRetryable(ErrBackpressure) || !IsRetryable(ErrNetwork) {
			t.Errorf("Backpressure y red deben reintentarse")
		}
		if IsRetryable(ErrProtocol) || IsRetryable(ErrNoShuffleWorkers) {
			t.Errorf("Protocolo y asignacion nunca se reintentan")
		}
	})
}

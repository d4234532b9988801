package common

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// ErrorKind es el enum de tipos de error que viaja en las respuestas
// del protocolo. El cliente decide reintentar o abortar segun el tipo.
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindNoShuffleWorkers ErrorKind = "NO_SHUFFLE_WORKERS"
	KindNoToken          ErrorKind = "NO_TOKEN"
	KindBackpressure     ErrorKind = "BACKPRESSURE"
	KindDuplicateBlock   ErrorKind = "DUPLICATE_BLOCK"
	KindInputNotReady    ErrorKind = "INPUT_NOT_READY"
	KindDfs              ErrorKind = "DFS"
	KindStageAborted     ErrorKind = "STAGE_ABORTED"
	KindConfig           ErrorKind = "CONFIG"
	KindProtocol         ErrorKind = "PROTOCOL"
	KindNetwork          ErrorKind = "NETWORK"
)

// Errores sentinela. Se envuelven con errors.Wrap para agregar contexto
// sin perder el tipo (errors.Is sigue funcionando).
var (
	ErrNoShuffleWorkers = stderrors.New("no hay shuffle workers vivos")
	ErrNoToken          = stderrors.New("canal de control agotado: sin tokens")
	ErrBackpressure     = stderrors.New("presion de memoria en el worker, reintentar")
	ErrDuplicateBlock   = stderrors.New("bloque duplicado")
	ErrInputNotReady    = stderrors.New("la entrada del shuffle no esta lista")
	ErrDfs              = stderrors.New("error de DFS")
	ErrStageAborted     = stderrors.New("etapa abortada")
	ErrConfig           = stderrors.New("configuracion invalida")
	ErrProtocol         = stderrors.New("error de protocolo")
	ErrNetwork          = stderrors.New("error de red")
)

var kindToErr = map[ErrorKind]error{
	KindNoShuffleWorkers: ErrNoShuffleWorkers,
	KindNoToken:          ErrNoToken,
	KindBackpressure:     ErrBackpressure,
	KindDuplicateBlock:   ErrDuplicateBlock,
	KindInputNotReady:    ErrInputNotReady,
	KindDfs:              ErrDfs,
	KindStageAborted:     ErrStageAborted,
	KindConfig:           ErrConfig,
	KindProtocol:         ErrProtocol,
	KindNetwork:          ErrNetwork,
}

// KindOf clasifica un error para ponerlo en la respuesta de red.
func KindOf(err error) ErrorKind {
	for kind, sentinel := range kindToErr {
		if stderrors.Is(err, sentinel) {
			return kind
		}
	}
	if err != nil {
		return KindNetwork
	}
	return KindNone
}

// ErrorForKind reconstruye el error sentinela en el lado cliente.
func ErrorForKind(kind ErrorKind, msg string) error {
	sentinel, ok := kindToErr[kind]
	if !ok {
		if msg == "" {
			return nil
		}
		return errors.Wrap(ErrNetwork, msg)
	}
	if msg == "" {
		return sentinel
	}
	return errors.Wrap(sentinel, msg)
}

// IsRetryable decide si el cliente debe reintentar localmente.
// Backpressure y errores de red se reintentan; protocolo nunca.
func IsRetryable(err error) bool {
	switch {
	case stderrors.Is(err, ErrBackpressure), stderrors.Is(err, ErrNetwork):
		return true
	default:
		return false
	}
}

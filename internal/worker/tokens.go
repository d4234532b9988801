package worker

import (
	"context"
	"log"

	"github.com/pkg/errors"

	"github.com/kettlelinna/shuttle/internal/common"
)

// TokenPool controla cuantas conexiones de subida acepta un worker.
// Hay un fondo compartido de tokens base y una reserva de rafaga que
// solo se entrega si esta libre en el momento de pedirla; agotadas
// ambas, la peticion espera un token base hasta su deadline.
type TokenPool struct {
	base  chan token
	burst chan token
}

type token struct {
	fromBurst bool
}

// Token es el recibo que el cliente presenta en el canal de datos.
type Token struct {
	Id        string
	fromBurst bool
}

func NewTokenPool(baseConnections, totalConnections int) *TokenPool {
	p := &TokenPool{
		base:  make(chan token, baseConnections),
		burst: make(chan token, totalConnections-baseConnections),
	}
	for i := 0; i < baseConnections; i++ {
		p.base <- token{}
	}
	for i := 0; i < totalConnections-baseConnections; i++ {
		p.burst <- token{fromBurst: true}
	}
	return p
}

// Acquire entrega un token o falla con NoTokenError al vencer el deadline
// del contexto.
func (p *TokenPool) Acquire(ctx context.Context) (Token, error) {
	// Primero sin esperar: base y luego rafaga.
	select {
	case t := <-p.base:
		return Token{Id: common.NewRequestId(), fromBurst: t.fromBurst}, nil
	default:
	}
	select {
	case t := <-p.burst:
		return Token{Id: common.NewRequestId(), fromBurst: t.fromBurst}, nil
	default:
	}
	// Fondo agotado: esperar un token base o el deadline del cliente.
	select {
	case t := <-p.base:
		return Token{Id: common.NewRequestId(), fromBurst: t.fromBurst}, nil
	case <-ctx.Done():
		return Token{}, errors.Wrap(common.ErrNoToken, "deadline vencido esperando token")
	}
}

// Release devuelve el token a su fondo de origen.
func (p *TokenPool) Release(t Token) {
	if t.fromBurst {
		select {
		case p.burst <- token{fromBurst: true}:
		default:
			log.Printf("[Worker] Token de rafaga devuelto con el fondo lleno")
		}
		return
	}
	select {
	case p.base <- token{}:
	default:
		log.Printf("[Worker] Token base devuelto con el fondo lleno")
	}
}

// Available informa cuantos tokens quedan (para tests y metricas).
func (p *TokenPool) Available() int {
	return len(p.base) + len(p.burst)
}

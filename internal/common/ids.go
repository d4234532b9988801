package common

import "fmt"

// StageShuffleId identifica la salida logica de un shuffle:
// una combinacion unica de aplicacion, intento de aplicacion,
// intento de etapa y shuffle.
type StageShuffleId struct {
	AppId        string `json:"app_id"`
	AppAttempt   string `json:"app_attempt"`
	StageAttempt int    `json:"stage_attempt"`
	ShuffleId    int    `json:"shuffle_id"`
}

// Key devuelve la forma canonica usada como clave de mapa y en logs.
func (s StageShuffleId) Key() string {
	return fmt.Sprintf("%s/%s/%d/%d", s.AppId, s.AppAttempt, s.StageAttempt, s.ShuffleId)
}

func (s StageShuffleId) String() string {
	return fmt.Sprintf("StageShuffleId{app=%s, attempt=%s, stageAttempt=%d, shuffleId=%d}",
		s.AppId, s.AppAttempt, s.StageAttempt, s.ShuffleId)
}

// PartitionShuffleId identifica una particion concreta dentro de un shuffle.
type PartitionShuffleId struct {
	Stage       StageShuffleId `json:"stage"`
	PartitionId int            `json:"partition_id"`
}

func (p PartitionShuffleId) Key() string {
	return fmt.Sprintf("%s/%d", p.Stage.Key(), p.PartitionId)
}

func (p PartitionShuffleId) String() string {
	return fmt.Sprintf("PartitionShuffleId{stage=%s, partition=%d}", p.Stage.Key(), p.PartitionId)
}

package common

import (
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

// Codec JSON del plano de control, compatible con la libreria estandar.
var Json = jsoniter.ConfigCompatibleWithStandardLibrary

// NewRequestId genera el id de 16 bytes que lleva cada mensaje.
func NewRequestId() string {
	return uuid.New().String()
}

// ReplyHeader es la parte comun de toda respuesta: el id de la peticion
// que responde y un tipo de error (vacio si todo fue bien).
type ReplyHeader struct {
	RequestId string    `json:"request_id"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	ErrorMsg  string    `json:"error_msg,omitempty"`
}

// Err materializa el error de la respuesta, o nil.
func (r ReplyHeader) Err() error {
	if r.ErrorKind == KindNone {
		return nil
	}
	return ErrorForKind(r.ErrorKind, r.ErrorMsg)
}

// --- Canal de control del Worker ---

type OpenConnectionRequest struct {
	RequestId string `json:"request_id"`
	AppId     string `json:"app_id"`
	AppName   string `json:"app_name"`
}

type OpenConnectionResponse struct {
	ReplyHeader
	Token string `json:"token,omitempty"`
}

// --- Canal de datos del Worker ---

// La cabecera del bloque viaja como cabeceras HTTP y el payload como
// cuerpo binario; SendBlockResponse es la respuesta JSON.
type SendBlockResponse struct {
	ReplyHeader
	Duplicate bool `json:"duplicate,omitempty"`
}

type FinalizeStageRequest struct {
	RequestId string         `json:"request_id"`
	Stage     StageShuffleId `json:"stage"`
	Aborted   bool           `json:"aborted,omitempty"`
	// WriteMarker pide a este worker escribir el marcador de etapa tras
	// el volcado. El finalizador del driver lo activa solo en la ultima
	// llamada del fan-out para que el marcador nunca preceda a un volcado.
	WriteMarker bool `json:"write_marker,omitempty"`
}

type FinalizeStageResponse struct {
	ReplyHeader
}

type HealthCheckResponse struct {
	ReplyHeader
	Status string `json:"status"`
}

// --- Master ---

type GetShuffleWorkersRequest struct {
	RequestId      string `json:"request_id"`
	DataCenter     string `json:"data_center"`
	Cluster        string `json:"cluster"`
	AppId          string `json:"app_id"`
	DagId          string `json:"dag_id"`
	Priority       int    `json:"priority"`
	TaskId         string `json:"task_id"`
	AppName        string `json:"app_name"`
	RequestedCount int    `json:"requested_count"`
}

type GetShuffleWorkersResponse struct {
	ReplyHeader
	Workers     []WorkerDetail `json:"workers"`
	ClusterConf ClusterConf    `json:"cluster_conf"`
}

// ClusterConf es el blob de configuracion de cluster que el Master
// devuelve junto a la asignacion y que viaja dentro del handle.
type ClusterConf struct {
	RootDir    string            `json:"root_dir"`
	DataCenter string            `json:"data_center"`
	Cluster    string            `json:"cluster"`
	DfsSite    map[string]string `json:"dfs_site,omitempty"` // blob opaco del DFS
}

// HeartbeatRequest es el latido que los workers envian al Master
// cuando el registro funciona en modo "master".
type HeartbeatRequest struct {
	RequestId string       `json:"request_id"`
	Worker    WorkerDetail `json:"worker"`
}

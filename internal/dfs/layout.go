package dfs

import (
	"fmt"
	"path"
	"strings"

	"github.com/kettlelinna/shuttle/internal/common"
)

// Disposicion en el DFS (sensible a compatibilidad):
//
//	{root}/{appId}/{appAttempt}/{shuffleId}/stage-{stageAttempt}/
//	    partition-{p}/part-{workerId}-{seqNo}
//	    _SUCCESS
//	    _FAILED
const (
	SuccessMarker = "_SUCCESS"
	FailedMarker  = "_FAILED"
	partPrefix    = "part-"
)

// AppDir es la raiz de una aplicacion, base del barrido de retencion.
func AppDir(root, appId string) string {
	return path.Join(root, appId)
}

// StageDir es el directorio de una etapa de shuffle.
func StageDir(root string, s common.StageShuffleId) string {
	return path.Join(root, s.AppId, s.AppAttempt,
		fmt.Sprintf("%d", s.ShuffleId),
		fmt.Sprintf("stage-%d", s.StageAttempt))
}

// PartitionDir es el directorio de una particion.
func PartitionDir(root string, p common.PartitionShuffleId) string {
	return path.Join(StageDir(root, p.Stage), fmt.Sprintf("partition-%d", p.PartitionId))
}

// PartFileName nombra el archivo de un volcado. workerId usa host:puerto;
// los dos puntos se sustituyen para que el nombre sea portable.
func PartFileName(workerId string, flushSeq int) string {
	return fmt.Sprintf("%s%s-%d", partPrefix, strings.ReplaceAll(workerId, ":", "_"), flushSeq)
}

// IsPartFile reconoce los archivos de datos dentro de una particion.
func IsPartFile(name string) bool {
	return strings.HasPrefix(name, partPrefix)
}

// WriteMarker escribe un marcador de etapa via temp + rename para que
// un lector en polling nunca vea un marcador parcial.
func WriteMarker(fs FileSystem, root string, s common.StageShuffleId, marker string) error {
	dir := StageDir(root, s)
	if err := fs.MkdirAll(dir); err != nil {
		return err
	}
	tmp := path.Join(dir, "."+marker+".tmp")
	w, err := fs.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(s.Key() + "\n")); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return fs.Rename(tmp, path.Join(dir, marker))
}

// MarkerExists comprueba un marcador de etapa.
func MarkerExists(fs FileSystem, root string, s common.StageShuffleId, marker string) (bool, error) {
	return fs.Exists(path.Join(StageDir(root, s), marker))
}

// DeleteMarker borra un marcador de etapa (reintento de etapa).
func DeleteMarker(fs FileSystem, root string, s common.StageShuffleId, marker string) error {
	return fs.Delete(path.Join(StageDir(root, s), marker))
}

package client

import (
	"log"
	"path"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/kettlelinna/shuttle/internal/common"
	"github.com/kettlelinna/shuttle/internal/config"
	"github.com/kettlelinna/shuttle/internal/dfs"
)

// StageFinalizer es el gancho del driver al terminar una etapa: manda
// FinalizeStage a todos los workers del handle y hace que el ultimo
// escriba el marcador, de modo que el marcador nunca precede a un
// volcado pendiente. En reintentos de etapa borra los marcadores viejos.
type StageFinalizer struct {
	cfg *config.Config
	fs  dfs.FileSystem
	net *netClient
}

func NewStageFinalizer(cfg *config.Config, fs dfs.FileSystem) *StageFinalizer {
	return &StageFinalizer{cfg: cfg, fs: fs, net: newNetClient(cfg)}
}

// OnStageComplete finaliza la etapa con exito: volcado en todos los
// workers y marcador _SUCCESS al final.
func (f *StageFinalizer) OnStageComplete(handle *ShuffleHandle) error {
	return f.finalize(handle, false)
}

// OnStageAbort descarta los buffers y deja el marcador _FAILED.
func (f *StageFinalizer) OnStageAbort(handle *ShuffleHandle) error {
	return f.finalize(handle, true)
}

func (f *StageFinalizer) finalize(handle *ShuffleHandle, aborted bool) error {
	workers := handle.AllWorkers()
	if len(workers) == 0 {
		return nil
	}
	last := workers[len(workers)-1]
	rest := workers[:len(workers)-1]

	g := new(errgroup.Group)
	for _, w := range rest {
		w := w
		g.Go(func() error {
			return f.net.FinalizeStage(w, handle.Stage, aborted, false)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := f.net.FinalizeStage(last, handle.Stage, aborted, true); err != nil {
		return err
	}
	log.Printf("[Finalizer] Etapa %s finalizada en %d workers (aborted=%v)",
		handle.Stage.Key(), len(workers), aborted)
	return nil
}

// OnStageReRun borra los marcadores de la ejecucion anterior antes de
// que el host engine relance la etapa con otro stageAttempt.
func (f *StageFinalizer) OnStageReRun(previous common.StageShuffleId) error {
	root := f.cfg.RootDir
	if err := dfs.DeleteMarker(f.fs, root, previous, dfs.SuccessMarker); err != nil {
		return err
	}
	return dfs.DeleteMarker(f.fs, root, previous, dfs.FailedMarker)
}

// DeleteShuffleData borra el arbol del shuffle al cerrar la etapa
// (opcion deleteShuffleDir).
func (f *StageFinalizer) DeleteShuffleData(handle *ShuffleHandle) error {
	s := handle.Stage
	dir := path.Join(handle.ClusterConf.RootDir, s.AppId, s.AppAttempt, strconv.Itoa(s.ShuffleId))
	return f.fs.Delete(dir)
}

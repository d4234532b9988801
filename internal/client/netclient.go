package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/kettlelinna/shuttle/internal/common"
	"github.com/kettlelinna/shuttle/internal/config"
	"github.com/kettlelinna/shuttle/internal/worker"
)

// netClient habla los protocolos HTTP del Master y de los Workers.
// Toda llamada lleva deadline (networkTimeout, el timeout del cliente
// HTTP); GetShuffleWorkers, OpenConnection, SendBlock y FinalizeStage
// llevan ademas un request id propio.
type netClient struct {
	cfg  *config.Config
	http *http.Client
}

func newNetClient(cfg *config.Config) *netClient {
	return &netClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.NetworkTimeout()},
	}
}

// ==========================================
// MASTER
// ==========================================

func (c *netClient) GetShuffleWorkers(masterAddr string, req common.GetShuffleWorkersRequest) (*common.GetShuffleWorkersResponse, error) {
	req.RequestId = common.NewRequestId()
	data, err := common.Json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpResp, err := c.http.Post(fmt.Sprintf("http://%s/api/v1/workers", masterAddr),
		"application/json", bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(common.ErrNetwork, "GetShuffleWorkers a %s: %v", masterAddr, err)
	}
	defer httpResp.Body.Close()

	var resp common.GetShuffleWorkersResponse
	if err := common.Json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, errors.Wrapf(common.ErrProtocol, "respuesta de asignacion ilegible: %v", err)
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ==========================================
// WORKER: CANAL DE CONTROL
// ==========================================

func (c *netClient) OpenConnection(ctx context.Context, w common.WorkerDetail, appId, appName string) (string, error) {
	req := common.OpenConnectionRequest{
		RequestId: common.NewRequestId(),
		AppId:     appId,
		AppName:   appName,
	}
	data, _ := common.Json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://%s/api/v1/open", w.ControlAddr()), bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setDeadline(httpReq)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return "", errors.Wrapf(common.ErrNetwork, "OpenConnection a %s: %v", w.ControlAddr(), err)
	}
	defer httpResp.Body.Close()

	var resp common.OpenConnectionResponse
	if err := common.Json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", errors.Wrapf(common.ErrProtocol, "respuesta de open ilegible: %v", err)
	}
	if err := resp.Err(); err != nil {
		return "", err
	}
	return resp.Token, nil
}

func (c *netClient) ReleaseConnection(w common.WorkerDetail, token string) {
	httpReq, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("http://%s/api/v1/release", w.ControlAddr()), nil)
	if err != nil {
		return
	}
	httpReq.Header.Set(worker.HdrToken, token)
	if resp, err := c.http.Do(httpReq); err == nil {
		resp.Body.Close()
	}
}

// ==========================================
// WORKER: CANAL DE DATOS
// ==========================================

func (c *netClient) SendBlock(w common.WorkerDetail, token string, b *common.Block) (duplicate bool, err error) {
	httpReq, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("http://%s/api/v1/blocks", w.DataAddr()), bytes.NewReader(b.Payload))
	if err != nil {
		return false, err
	}
	httpReq.Header.Set(worker.HdrRequestId, common.NewRequestId())
	httpReq.Header.Set(worker.HdrToken, token)
	httpReq.Header.Set(worker.HdrApp, b.Stage.AppId)
	httpReq.Header.Set(worker.HdrAppAttempt, b.Stage.AppAttempt)
	httpReq.Header.Set(worker.HdrStageAttempt, strconv.Itoa(b.Stage.StageAttempt))
	httpReq.Header.Set(worker.HdrShuffle, strconv.Itoa(b.Stage.ShuffleId))
	httpReq.Header.Set(worker.HdrMap, strconv.Itoa(b.MapId))
	httpReq.Header.Set(worker.HdrMapAttempt, strconv.Itoa(b.MapAttempt))
	httpReq.Header.Set(worker.HdrPartition, strconv.Itoa(b.PartitionId))
	httpReq.Header.Set(worker.HdrSeq, strconv.Itoa(b.SeqNo))
	c.setDeadline(httpReq)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return false, errors.Wrapf(common.ErrNetwork, "SendBlock a %s: %v", w.DataAddr(), err)
	}
	defer httpResp.Body.Close()

	var resp common.SendBlockResponse
	if err := common.Json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return false, errors.Wrapf(common.ErrProtocol, "respuesta de bloque ilegible: %v", err)
	}
	if err := resp.Err(); err != nil {
		return false, err
	}
	return resp.Duplicate, nil
}

func (c *netClient) FinalizeStage(w common.WorkerDetail, stage common.StageShuffleId, aborted, writeMarker bool) error {
	req := common.FinalizeStageRequest{
		RequestId:   common.NewRequestId(),
		Stage:       stage,
		Aborted:     aborted,
		WriteMarker: writeMarker,
	}
	data, _ := common.Json.Marshal(req)
	httpResp, err := c.http.Post(fmt.Sprintf("http://%s/api/v1/finalize", w.DataAddr()),
		"application/json", bytes.NewReader(data))
	if err != nil {
		return errors.Wrapf(common.ErrNetwork, "FinalizeStage a %s: %v", w.DataAddr(), err)
	}
	defer httpResp.Body.Close()

	var resp common.FinalizeStageResponse
	if err := common.Json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return errors.Wrapf(common.ErrProtocol, "respuesta de finalize ilegible: %v", err)
	}
	return resp.Err()
}

func (c *netClient) HealthCheck(addr string) error {
	httpResp, err := c.http.Get(fmt.Sprintf("http://%s/health", addr))
	if err != nil {
		return errors.Wrapf(common.ErrNetwork, "health de %s: %v", addr, err)
	}
	io.Copy(io.Discard, httpResp.Body)
	httpResp.Body.Close()
	return nil
}

func (c *netClient) setDeadline(req *http.Request) {
	deadline := time.Now().Add(c.cfg.NetworkTimeout()).UnixMilli()
	req.Header.Set(worker.HdrDeadline, strconv.FormatInt(deadline, 10))
}

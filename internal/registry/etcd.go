package registry

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/kettlelinna/shuttle/internal/common"
)

// Rutas en el servicio de coordinacion:
//
//	/rss/{dc}/{cluster}/workers/{hostPort}  entradas efimeras de workers
//	/rss/{dc}/{cluster}/master              eleccion del Master activo
//	/rss/use_cluster                        puntero al cluster activo
const (
	useClusterKey  = "/rss/use_cluster"
	sessionTTLSecs = 10
)

// EtcdRegistry implementa Registry sobre etcd: leases con keepalive para
// la pertenencia efimera y concurrency.Election para el liderazgo.
type EtcdRegistry struct {
	cli        *clientv3.Client
	dataCenter string
	cluster    string
	session    *concurrency.Session
	election   *concurrency.Election
}

func NewEtcdRegistry(endpoints []string, dataCenter, cluster string) (*EtcdRegistry, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrapf(common.ErrNetwork, "registro inaccesible en %v: %v", endpoints, err)
	}
	return &EtcdRegistry{cli: cli, dataCenter: dataCenter, cluster: cluster}, nil
}

func (r *EtcdRegistry) workersPrefix() string {
	return fmt.Sprintf("/rss/%s/%s/workers/", r.dataCenter, r.cluster)
}

func (r *EtcdRegistry) masterPrefix() string {
	return fmt.Sprintf("/rss/%s/%s/master", r.dataCenter, r.cluster)
}

// RegisterWorker publica el worker bajo un lease con keepalive; si el
// proceso muere, la entrada desaparece en un timeout de sesion.
func (r *EtcdRegistry) RegisterWorker(ctx context.Context, detail common.WorkerDetail) (Lease, error) {
	grant, err := r.cli.Grant(ctx, sessionTTLSecs)
	if err != nil {
		return nil, errors.Wrapf(common.ErrNetwork, "grant de lease: %v", err)
	}
	value, err := common.Json.Marshal(detail)
	if err != nil {
		return nil, err
	}
	key := r.workersPrefix() + detail.Id()
	if _, err := r.cli.Put(ctx, key, string(value), clientv3.WithLease(grant.ID)); err != nil {
		return nil, errors.Wrapf(common.ErrNetwork, "put de %s: %v", key, err)
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.cli.KeepAlive(keepCtx, grant.ID)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(common.ErrNetwork, "keepalive: %v", err)
	}
	// Drenar el canal de keepalive; si se cierra, el lease expiro.
	go func() {
		for range ch {
		}
		log.Printf("[Registry] Keepalive de %s terminado", detail.Id())
	}()

	return leaseFunc(func() error {
		cancel()
		_, err := r.cli.Revoke(context.Background(), grant.ID)
		return err
	}), nil
}

func (r *EtcdRegistry) ListWorkers(ctx context.Context) ([]common.WorkerDetail, error) {
	resp, err := r.cli.Get(ctx, r.workersPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(common.ErrNetwork, "listado de workers: %v", err)
	}
	workers := make([]common.WorkerDetail, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var d common.WorkerDetail
		if err := common.Json.Unmarshal(kv.Value, &d); err != nil {
			log.Printf("[Registry] Entrada de worker corrupta en %s: %v", string(kv.Key), err)
			continue
		}
		workers = append(workers, d)
	}
	return workers, nil
}

// ElectMaster compite por el liderazgo y bloquea hasta ganarlo.
// Los contendientes observan al titular y compiten cuando desaparece.
func (r *EtcdRegistry) ElectMaster(ctx context.Context, candidate string) (bool, error) {
	session, err := concurrency.NewSession(r.cli, concurrency.WithTTL(sessionTTLSecs))
	if err != nil {
		return false, errors.Wrapf(common.ErrNetwork, "sesion de eleccion: %v", err)
	}
	election := concurrency.NewElection(session, r.masterPrefix())
	if err := election.Campaign(ctx, candidate); err != nil {
		session.Close()
		return false, errors.Wrapf(common.ErrNetwork, "campania de eleccion: %v", err)
	}
	r.session = session
	r.election = election
	log.Printf("[Registry] Eleccion ganada por %s", candidate)
	return true, nil
}

// GetActiveMaster hace una lectura linealizable del titular actual.
func (r *EtcdRegistry) GetActiveMaster(ctx context.Context) (string, error) {
	session, err := concurrency.NewSession(r.cli, concurrency.WithTTL(sessionTTLSecs))
	if err != nil {
		return "", errors.Wrapf(common.ErrNetwork, "sesion de consulta: %v", err)
	}
	defer session.Close()
	resp, err := concurrency.NewElection(session, r.masterPrefix()).Leader(ctx)
	if err != nil {
		if err == concurrency.ErrElectionNoLeader {
			return "", nil
		}
		return "", errors.Wrapf(common.ErrNetwork, "consulta de lider: %v", err)
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}

func (r *EtcdRegistry) WatchWorkers(ctx context.Context, cb func([]common.WorkerDetail)) {
	go func() {
		watch := r.cli.Watch(ctx, r.workersPrefix(), clientv3.WithPrefix())
		for range watch {
			workers, err := r.ListWorkers(ctx)
			if err != nil {
				continue
			}
			cb(workers)
		}
	}()
}

func (r *EtcdRegistry) WatchMaster(ctx context.Context, cb func(string)) {
	go func() {
		watch := r.cli.Watch(ctx, r.masterPrefix(), clientv3.WithPrefix())
		for range watch {
			leader, err := r.GetActiveMaster(ctx)
			if err != nil {
				continue
			}
			cb(leader)
		}
	}()
}

// SetActiveCluster escribe el puntero /rss/use_cluster.
func (r *EtcdRegistry) SetActiveCluster(ctx context.Context, name string) error {
	_, err := r.cli.Put(ctx, useClusterKey, name)
	if err != nil {
		return errors.Wrapf(common.ErrNetwork, "put de %s: %v", useClusterKey, err)
	}
	return nil
}

// GetActiveCluster lee el puntero /rss/use_cluster (linealizable).
func (r *EtcdRegistry) GetActiveCluster(ctx context.Context) (string, error) {
	resp, err := r.cli.Get(ctx, useClusterKey)
	if err != nil {
		return "", errors.Wrapf(common.ErrNetwork, "get de %s: %v", useClusterKey, err)
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}

func (r *EtcdRegistry) Close() error {
	if r.session != nil {
		if r.election != nil {
			r.election.Resign(context.Background())
		}
		r.session.Close()
	}
	return r.cli.Close()
}

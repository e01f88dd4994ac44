package network

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/VanDung-dev/HieraChain-Scheduler/engine"
)

// RemoteExecutor implements engine.Executor by sending jobs to nodes chosen
// by a Balancer. When no node is eligible, or the request cannot be
// delivered, the job runs on the local executor instead. A job error
// reported by the node, or a delivered request that got no reply, is
// returned as is.
type RemoteExecutor struct {
	balancer *Balancer
	client   *Client
	local    engine.Executor
	log      logrus.FieldLogger

	remote    atomic.Int64
	fallbacks atomic.Int64
}

// NewRemoteExecutor creates a remote executor. local may be nil, in which
// case jobs fail when no node can take them.
func NewRemoteExecutor(balancer *Balancer, client *Client, local engine.Executor, log logrus.FieldLogger) *RemoteExecutor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RemoteExecutor{
		balancer: balancer,
		client:   client,
		local:    local,
		log:      log.WithField("component", "remote_executor"),
	}
}

// Execute implements engine.Executor.
func (e *RemoteExecutor) Execute(ctx context.Context, task *engine.Task) (engine.Outcome, error) {
	var out engine.Outcome
	err := e.balancer.Dispatch(string(task.Payload.Kind()), func(n NodeStatus) error {
		o, err := e.client.Execute(ctx, n.Address, task)
		if err != nil {
			return err
		}
		if o.NodeID == "" {
			o.NodeID = n.ID
		}
		out = o
		return nil
	})

	switch {
	case err == nil:
		e.remote.Add(1)
		return out, nil
	case errors.Is(err, ErrRemoteJob):
		return out, err
	case errors.Is(err, ErrNoReply):
		return engine.Outcome{}, err
	case ctx.Err() != nil:
		return engine.Outcome{}, ctx.Err()
	}

	if e.local == nil {
		return engine.Outcome{}, err
	}

	if !errors.Is(err, ErrNoHealthyNodes) {
		e.log.WithError(err).WithField("job_id", task.JobID).Warn("Remote execution failed, running locally")
	}
	e.fallbacks.Add(1)
	return e.local.Execute(ctx, task)
}

// RemoteStats contains remote executor statistics.
type RemoteStats struct {
	Remote    int64 `json:"remote"`
	Fallbacks int64 `json:"fallbacks"`
}

// Stats returns how many jobs ran remotely and how many fell back.
func (e *RemoteExecutor) Stats() RemoteStats {
	return RemoteStats{
		Remote:    e.remote.Load(),
		Fallbacks: e.fallbacks.Load(),
	}
}

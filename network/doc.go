// Package network distributes jobs across remote worker nodes.
//
// This package implements:
//   - Balancer: node registry with round-robin and least-connections
//     selection, health tracking and a circuit breaker per node
//   - NodeServer / Client: ZeroMQ REP/REQ transport for remote execution
//   - RemoteExecutor: engine.Executor that runs jobs on balanced nodes and
//     falls back to local execution
//   - Monitor: periodic node health checks
//   - Service: wires the above together from a NetworkConfig
package network

package broker

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"jasmine/internal/logger"
	"jasmine/internal/metrics"
	"jasmine/internal/routing"
	"jasmine/internal/transport"
)

// PeerPool hands out cached broker-to-broker clients, dialing lazily
type PeerPool struct {
	table   *routing.ConnTable[transport.BrokerClient]
	dialer  transport.Dialer
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewPeerPool(table *routing.ConnTable[transport.BrokerClient], dialer transport.Dialer, log *logger.Logger, m *metrics.Metrics) *PeerPool {
	return &PeerPool{
		table:   table,
		dialer:  dialer,
		logger:  log,
		metrics: m,
	}
}

// Client leases the cached client for address, dialing one if needed. Peers
// in backoff return routing.ErrBackingOff. Callers must Release the client.
func (p *PeerPool) Client(ctx context.Context, address string) (transport.BrokerClient, error) {
	client, err := p.table.Acquire(address)
	if err == nil {
		return client, nil
	}
	if !errors.Is(err, routing.ErrNotConnected) {
		return nil, err
	}

	client, err = p.dialer.DialBroker(ctx, address)
	if err != nil {
		return nil, err
	}
	if !p.table.PutIfAbsent(address, client) {
		// lost a race with another dialer
		client.Close()
	} else {
		p.logger.Debug("cached peer connection", "peer", address)
	}
	return p.table.Acquire(address)
}

// Release returns a client obtained from Client
func (p *PeerPool) Release(client transport.BrokerClient) {
	p.table.Release(client)
}

// Report feeds the outcome of a call on client back into the health table
func (p *PeerPool) Report(address string, client transport.BrokerClient, err error) {
	reportHealth(p.table, address, client, err, "peer", p.logger, p.metrics)
}

func reportHealth[C routing.Conn](table *routing.ConnTable[C], address string, conn C, err error, kind string, log *logger.Logger, m *metrics.Metrics) {
	if err == nil {
		table.ReportSuccess(address, conn)
		return
	}
	if !isTransportFailure(err) {
		return
	}

	health, evicted := table.ReportFailure(address, conn)
	if evicted {
		log.Warn("evicted dead connection",
			"kind", kind,
			"address", address,
			"attempts", health.Attempts)
		if m != nil {
			m.IncEvictions(kind)
		}
		return
	}
	log.Debug("connection failing",
		"kind", kind,
		"address", address,
		"state", health.State.String(),
		"attempts", health.Attempts,
		"nextRetry", health.NextRetry)
}

// isTransportFailure reports whether err says the remote end could not be
// reached in time, as opposed to the remote handler returning an error
func isTransportFailure(err error) bool {
	if transport.IsConnectionError(err) {
		return true
	}
	return status.Code(err) == codes.DeadlineExceeded
}

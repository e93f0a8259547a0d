package grpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// GrpcBus pushes change-feed events to a peer node's EventService, which
// ingests them into its hub. Selected with SKYLEDGER_BUS_PROVIDER=grpc.
type GrpcBus struct {
	conn    *grpc.ClientConn
	client  *EventClient
	timeout time.Duration
}

// NewGrpcBusFromAddr dials the remote EventService and returns a GrpcBus and a cleanup function.
func NewGrpcBusFromAddr(addr string) (*GrpcBus, func(), error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = conn.Close() }
	return &GrpcBus{conn: conn, client: NewEventClient(conn), timeout: 2 * time.Second}, cleanup, nil
}

// Publish delivers one event. A peer that is down costs at most the publish
// timeout; the notifier logs the error and the next snapshot heals the gap.
func (b *GrpcBus) Publish(topic string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	resp, err := b.client.Publish(ctx, &EventRequest{Topic: topic, Payload: data})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", topic, b.conn.Target(), err)
	}
	if !resp.Success {
		return fmt.Errorf("publish %s to %s: rejected", topic, b.conn.Target())
	}
	return nil
}

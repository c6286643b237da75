package grpc

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
)

// GrpcBus publishes events to a remote EventService over gRPC.
// Used when BusProvider == "grpc" in config.
type GrpcBus struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

func NewGrpcBus(conn grpc.ClientConnInterface) *GrpcBus {
	return &GrpcBus{conn: conn, timeout: 5 * time.Second}
}

// NewGrpcBusFromAddr dials the remote EventService and returns a GrpcBus and a cleanup function.
func NewGrpcBusFromAddr(addr string) (*GrpcBus, func(), error) {
	conn, err := Dial(addr)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = conn.Close() }
	return NewGrpcBus(conn), cleanup, nil
}

// Publish sends an event to the remote EventService.
func (b *GrpcBus) Publish(topic string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	res, err := invoke[EventResponse](ctx, b.conn, eventServiceName, "Publish", &EventRequest{Topic: topic, Payload: data})
	if err != nil {
		return err
	}
	if !res.Success {
		return errors.New(res.ErrorMessage)
	}
	return nil
}

package nats

import "github.com/nats-io/nats.go"

// OriginHeader carries the id of the node that published a feed event.
const OriginHeader = "Skyledger-Origin"

// Bus publishes change-feed events on NATS subjects. Every message is
// stamped with the publishing node so its own relay can skip the echo.
type Bus struct {
	nc     *nats.Conn
	origin string
}

func NewBus(nc *nats.Conn, origin string) *Bus {
	return &Bus{nc: nc, origin: origin}
}

func (b *Bus) Publish(topic string, data []byte) error {
	msg := nats.NewMsg(topic)
	msg.Data = data
	if b.origin != "" {
		msg.Header.Set(OriginHeader, b.origin)
	}
	return b.nc.PublishMsg(msg)
}

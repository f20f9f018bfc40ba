package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/xtrntr/market/internal/market"
)

// SubjectPrefix is prepended to the event type to form the NATS subject
const SubjectPrefix = "market.events."

// NATSPublisher streams market events to NATS subjects such as
// market.events.sold
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher connects to url
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("market"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSPublisher{conn: conn}, nil
}

// Publish implements market.EventPublisher
func (p *NATSPublisher) Publish(ctx context.Context, ev market.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.conn.Publish(SubjectPrefix+string(ev.Type), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close drains pending messages and closes the connection
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// Fanout publishes each event to every publisher and joins their errors
type Fanout []market.EventPublisher

func (f Fanout) Publish(ctx context.Context, ev market.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

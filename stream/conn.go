package stream

import (
	"context"

	"github.com/nats-io/nats.go"
)

// Conn is the slice of the NATS client that outlets, inlets and the query
// resolver need. *natsclient.Client implements it.
type Conn interface {
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
	Unsubscribe(sub *nats.Subscription) error
	Publish(ctx context.Context, subject string, data []byte) error
	PublishMsg(ctx context.Context, msg *nats.Msg) error
	RequestMany(ctx context.Context, subject string, data []byte, collect func(*nats.Msg) bool) error
}

package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	logx "pulse/pkg/logx"
)

// NATS relays envelopes over core NATS subjects:
//
//	<prefix>.user.<userID>
//	<prefix>.broadcast
type NATS struct {
	nc     *nats.Conn
	prefix string
	id     string
	log    logx.Logger
	owned  bool
}

// ConnectNATS dials url and retries reconnects forever.
func ConnectNATS(url, name string, log logx.Logger) (*nats.Conn, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// NewNATS wraps nc. When owned is true Close also closes nc.
func NewNATS(nc *nats.Conn, prefix, nodeID string, owned bool, log logx.Logger) *NATS {
	if prefix == "" {
		prefix = "pulse"
	}
	if nodeID == "" {
		nodeID = NewNodeID()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &NATS{nc: nc, prefix: prefix, id: nodeID, log: log, owned: owned}
}

func (b *NATS) NodeID() string { return b.id }

func (b *NATS) subject(env Envelope) string {
	if env.Kind == KindUser {
		return b.prefix + ".user." + env.UserID
	}
	return b.prefix + ".broadcast"
}

func (b *NATS) Publish(_ context.Context, env Envelope) error {
	env.Origin = b.id
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("backplane: encode: %w", err)
	}
	return b.nc.Publish(b.subject(env), data)
}

func (b *NATS) Subscribe(fn func(Envelope)) (func(), error) {
	sub, err := b.nc.Subscribe(b.prefix+".>", func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.log.Warn("backplane: bad envelope", logx.String("subject", msg.Subject), logx.Err(err))
			return
		}
		if env.Origin == b.id {
			return
		}
		fn(env)
	})
	if err != nil {
		return nil, fmt.Errorf("backplane: subscribe: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *NATS) Close() error {
	if !b.owned {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}

// Package notify publishes agreement events to NATS for downstream consumers.
package notify

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"escrowflow/agreement"
)

// Subject convention: escrow.agreement.<event_type>.
const subjectPrefix = "escrow.agreement."

// Publisher pushes semantic events to NATS. Publish failures are logged and
// swallowed so notification trouble never interrupts an operation.
type Publisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

func NewPublisher(conn *nats.Conn, log zerolog.Logger) *Publisher {
	return &Publisher{conn: conn, log: log}
}

func (p *Publisher) PublishEvent(ctx context.Context, e agreement.Event) {
	if p.conn == nil {
		return
	}

	data, err := json.Marshal(e)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", e.Type).Msg("notify: marshal event")
		return
	}

	if err := p.conn.Publish(subjectPrefix+e.Type, data); err != nil {
		p.log.Warn().Err(err).
			Str("event_type", e.Type).
			Str("agreement_id", e.AgreementID).
			Msg("notify: publish event")
	}
}

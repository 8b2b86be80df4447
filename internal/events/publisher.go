package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const transfersSubject = "ledger.transfers.completed"

// TransferEvent is the notification emitted after a transfer commits.
type TransferEvent struct {
	FromUser string    `json:"from_user"`
	ToUser   string    `json:"to_user"`
	Amount   int64     `json:"amount"`
	Date     time.Time `json:"date"`
}

// Publisher emits transfer events over NATS. A nil Publisher is valid and
// publishes nothing, so the API server does not care whether NATS is
// configured.
type Publisher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

func New(url string, logger *slog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}

	return &Publisher{nc: nc, logger: logger}, nil
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.nc.Close()
}

// TransferCompleted is fire-and-forget: a publish failure is logged and
// never surfaced to the caller, the transfer has already committed.
func (p *Publisher) TransferCompleted(event TransferEvent) {
	if p == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal transfer event", "error", err)
		return
	}

	if err := p.nc.Publish(transfersSubject, data); err != nil {
		p.logger.Error("Failed to publish transfer event", "error", err)
	}
}

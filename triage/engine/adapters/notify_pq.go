package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/triage-engine/triage/db"
	"github.com/ZanzyTHEbar/triage-engine/triage/engine/ports"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// PQNotifier publishes diagnosis updates on a postgres NOTIFY channel.
type PQNotifier struct {
	db      *db.DB
	channel string
}

func NewPQNotifier(conn *db.DB, channel string) *PQNotifier {
	return &PQNotifier{db: conn, channel: channel}
}

// Publish sends the update as a JSON payload.
func (n *PQNotifier) Publish(ctx context.Context, update ports.DiagnosisUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal diagnosis update: %w", err)
	}
	// pg_notify takes the channel as a value, unlike NOTIFY.
	if _, err := n.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", n.channel, string(payload)); err != nil {
		return fmt.Errorf("failed to notify %s: %w", pq.QuoteIdentifier(n.channel), err)
	}
	return nil
}

// PQListener receives diagnosis updates published by any engine instance.
type PQListener struct {
	dsn     string
	channel string
	logger  zerolog.Logger
}

func NewPQListener(dsn, channel string, logger zerolog.Logger) *PQListener {
	return &PQListener{dsn: dsn, channel: channel, logger: logger}
}

// Listen calls fn for each update until ctx is done.
func (l *PQListener) Listen(ctx context.Context, fn func(ports.DiagnosisUpdate)) error {
	listener := pq.NewListener(l.dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.logger.Warn().Err(err).Int("event", int(ev)).Msg("Listener connection event")
		}
	})
	defer listener.Close()

	if err := listener.Listen(l.channel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", pq.QuoteIdentifier(l.channel), err)
	}
	l.logger.Info().Str("channel", l.channel).Msg("Listening for diagnosis updates")

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ping.C:
			if err := listener.Ping(); err != nil {
				l.logger.Warn().Err(err).Msg("Listener ping failed")
			}
		case note := <-listener.Notify:
			if note == nil {
				// Reconnected; notifications sent meanwhile are lost.
				continue
			}
			var update ports.DiagnosisUpdate
			if err := json.Unmarshal([]byte(note.Extra), &update); err != nil {
				l.logger.Warn().Err(err).Str("payload", note.Extra).Msg("Dropping malformed diagnosis update")
				continue
			}
			fn(update)
		}
	}
}

var _ ports.Notifier = (*PQNotifier)(nil)

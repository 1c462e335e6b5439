package source

import (
	"context"
	"fmt"
	"time"

	"github.com/knowton/cdcsync/notify"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// listenerPing keeps idle LISTEN connections from being dropped silently
const listenerPing = 90 * time.Second

// NotifyListener forwards primary store NOTIFY messages to a hub. The payload
// is expected to be the changed table's name.
type NotifyListener struct {
	listener *pq.Listener
	channel  string
	hub      *notify.Hub
}

// NewNotifyListener opens a LISTEN connection on channel
func NewNotifyListener(dsn, channel string, hub *notify.Hub) (*NotifyListener, error) {
	l := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			log.Warn().Err(err).Str("channel", channel).Msg("Notify listener disconnected")
		case pq.ListenerEventReconnected:
			log.Info().Str("channel", channel).Msg("Notify listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			log.Debug().Err(err).Str("channel", channel).Msg("Notify listener connection attempt failed")
		}
	})

	if err := l.Listen(channel); err != nil {
		l.Close()
		return nil, fmt.Errorf("listen on %s: %w", channel, err)
	}

	return &NotifyListener{listener: l, channel: channel, hub: hub}, nil
}

// Run forwards notifications until ctx ends
func (n *NotifyListener) Run(ctx context.Context) {
	ticker := time.NewTicker(listenerPing)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case note := <-n.listener.Notify:
			// nil after a reconnect: notifications may have been missed
			if note == nil {
				n.hub.Signal("")
				continue
			}
			n.hub.Signal(note.Extra)
		case <-ticker.C:
			if err := n.listener.Ping(); err != nil {
				log.Warn().Err(err).Str("channel", n.channel).Msg("Notify listener ping failed")
			}
		}
	}
}

// Close stops listening
func (n *NotifyListener) Close() error {
	return n.listener.Close()
}

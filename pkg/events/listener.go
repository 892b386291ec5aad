package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Listener holds one pattern subscription (cb:notify:*) on a dedicated
// pub/sub connection and hands decoded events to a sink. One Listener runs
// per process; the ConnectionManager is the usual sink.
type Listener struct {
	rdb  *redis.Client
	sink func(Event)

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewListener creates a listener delivering into sink.
func NewListener(rdb *redis.Client, sink func(Event)) *Listener {
	return &Listener{rdb: rdb, sink: sink}
}

// Start opens the pattern subscription and begins the delivery loop.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pubsub != nil {
		return nil
	}

	pubsub := l.rdb.PSubscribe(ctx, notifyChannelPrefix+"*")
	// Force the subscription onto the wire before returning so events
	// published after Start are never missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}

	l.pubsub = pubsub
	l.done = make(chan struct{})
	go l.run(pubsub)
	return nil
}

// Stop closes the subscription and waits for the loop to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	pubsub, done := l.pubsub, l.done
	l.pubsub = nil
	l.mu.Unlock()
	if pubsub == nil {
		return
	}
	_ = pubsub.Close()
	<-done
}

func (l *Listener) run(pubsub *redis.PubSub) {
	defer close(l.done)
	ch := pubsub.Channel()
	for msg := range ch {
		var evt Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			slog.Warn("Dropping undecodable bus event",
				"channel", msg.Channel, "error", err)
			continue
		}
		if evt.Stream == "" {
			evt.Stream = strings.TrimPrefix(msg.Channel, notifyChannelPrefix)
		}
		l.sink(evt)
	}
}

package pubsub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/lib/pq"

	"github.com/tcriess/lightspeed-live/globals"
	"github.com/tcriess/lightspeed-live/types"
)

// DefaultChannel is the NOTIFY channel shared by all processes of one deployment.
const DefaultChannel = "lightspeed_live"

// maxPayload is the postgres limit for NOTIFY payloads.
const maxPayload = 7999

var ErrPayloadTooLarge = errors.New("event payload exceeds the notify limit")

// Postgres fans events out with LISTEN/NOTIFY. All publishes of a process go through one dedicated
// connection, so they are delivered in publish order.
type Postgres struct {
	channel  string
	db       *sql.DB
	conn     *sql.Conn
	listener *pq.Listener
	events   chan *types.Event
	done     chan struct{}
	logger   hclog.Logger
	sync.Mutex
}

func NewPostgres(ctx context.Context, dsn, channel string) (*Postgres, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	logger := globals.AppLogger.Named("pubsub")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	listener := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Error("listener event", "event", ev, "error", err)
		}
	})
	if err := listener.Listen(channel); err != nil {
		_ = listener.Close()
		_ = conn.Close()
		_ = db.Close()
		return nil, err
	}
	p := &Postgres{
		channel:  channel,
		db:       db,
		conn:     conn,
		listener: listener,
		events:   make(chan *types.Event, receiveBufferSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go p.listen()
	return p, nil
}

func (p *Postgres) Publish(ctx context.Context, event *types.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if len(payload) > maxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	p.Lock()
	defer p.Unlock()
	_, err = p.conn.ExecContext(ctx, "SELECT pg_notify($1, $2)", p.channel, string(payload))
	return err
}

func (p *Postgres) Receive() <-chan *types.Event {
	return p.events
}

func (p *Postgres) listen() {
	ticker := time.NewTicker(90 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case n := <-p.listener.Notify:
			if n == nil {
				// reconnected, notifications sent in between are lost
				p.logger.Warn("listener reconnected")
				continue
			}
			event := &types.Event{}
			if err := json.Unmarshal([]byte(n.Extra), event); err != nil {
				p.logger.Error("could not decode notification", "error", err)
				continue
			}
			select {
			case p.events <- event:
			case <-p.done:
				return
			}
		case <-ticker.C:
			go func() {
				if err := p.listener.Ping(); err != nil {
					p.logger.Warn("listener ping", "error", err)
				}
			}()
		}
	}
}

func (p *Postgres) Close() error {
	select {
	case <-p.done:
		return nil
	default:
		close(p.done)
	}
	err := p.listener.Close()
	if cerr := p.conn.Close(); err == nil {
		err = cerr
	}
	if cerr := p.db.Close(); err == nil {
		err = cerr
	}
	return err
}

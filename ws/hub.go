package ws

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/tcriess/lightspeed-live/filter"
	"github.com/tcriess/lightspeed-live/globals"
	"github.com/tcriess/lightspeed-live/pubsub"
	"github.com/tcriess/lightspeed-live/types"
)

// Hub keeps the group memberships of the local connections and delivers the events of the pubsub
// layer to them. Events of one topic reach every local subscriber in publish order.
type Hub struct {
	layer   pubsub.Layer
	filters *filter.Filters
	origin  string
	logger  hclog.Logger

	// mutex for manipulating clients and groups
	sync.RWMutex
	clients map[*Client]struct{}
	groups  map[string]map[*Client]struct{}
}

type Stats struct {
	Clients int
	Groups  int
	Worlds  map[string]int
}

func NewHub(layer pubsub.Layer, filters *filter.Filters) *Hub {
	return &Hub{
		layer:   layer,
		filters: filters,
		origin:  uuid.NewString(),
		logger:  globals.AppLogger.Named("hub"),
		clients: make(map[*Client]struct{}),
		groups:  make(map[string]map[*Client]struct{}),
	}
}

// Origin identifies this server in published events and presence rows.
func (h *Hub) Origin() string { return h.origin }

func (h *Hub) Register(c *Client) {
	h.Lock()
	h.clients[c] = struct{}{}
	h.Unlock()
}

// Unregister removes the client and all its group memberships.
func (h *Hub) Unregister(c *Client) {
	h.Lock()
	defer h.Unlock()
	delete(h.clients, c)
	for topic, members := range h.groups {
		delete(members, c)
		if len(members) == 0 {
			delete(h.groups, topic)
		}
	}
}

func (h *Hub) Join(topic string, c *Client) {
	h.Lock()
	members, ok := h.groups[topic]
	if !ok {
		members = make(map[*Client]struct{})
		h.groups[topic] = members
	}
	members[c] = struct{}{}
	h.Unlock()
}

func (h *Hub) Leave(topic string, c *Client) {
	h.Lock()
	if members, ok := h.groups[topic]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.groups, topic)
		}
	}
	h.Unlock()
}

func (h *Hub) IsMember(topic string, c *Client) bool {
	h.RLock()
	defer h.RUnlock()
	_, ok := h.groups[topic][c]
	return ok
}

// Publish sends an event to all processes, including this one.
func (h *Hub) Publish(ctx context.Context, event *types.Event) error {
	event.Origin = h.origin
	return h.layer.Publish(ctx, event)
}

// PublishData builds and publishes an event.
func (h *Hub) PublishData(ctx context.Context, topic, eventType string, source types.Source, targetFilter string, data interface{}) error {
	event, err := types.NewEvent(topic, eventType, source, data)
	if err != nil {
		return err
	}
	event.TargetFilter = targetFilter
	return h.Publish(ctx, event)
}

// Run is the main hub loop delivering received events until the context is cancelled or the layer
// is closed.
func (h *Hub) Run(ctx context.Context) {
	events := h.layer.Receive()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				h.logger.Info("pubsub layer closed, exiting hub loop")
				return
			}
			h.deliver(event)
		}
	}
}

func (h *Hub) deliver(event *types.Event) {
	h.RLock()
	defer h.RUnlock()
	members := h.groups[event.Topic]
	if len(members) == 0 {
		return
	}
	h.logger.Trace("deliver", "topic", event.Topic, "type", event.Type, "subscribers", len(members))
	for c := range members {
		if !h.filters.Match(event.TargetFilter, c.filterEnv(event)) {
			continue
		}
		c.enqueue(event)
	}
}

func (h *Hub) Stats() Stats {
	h.RLock()
	defer h.RUnlock()
	s := Stats{Clients: len(h.clients), Groups: len(h.groups), Worlds: make(map[string]int)}
	for c := range h.clients {
		s.Worlds[c.worldId]++
	}
	return s
}

// LogStats is run periodically by the server.
func (h *Hub) LogStats() {
	s := h.Stats()
	h.logger.Info("hub stats", "clients", s.Clients, "groups", s.Groups, "worlds", s.Worlds)
}

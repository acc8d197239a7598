package ws

import (
	"sync"
	"time"

	"github.com/antonmedv/expr/vm"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"github.com/sparksocial/spark-rtm/auth"
	"github.com/sparksocial/spark-rtm/config"
	"github.com/sparksocial/spark-rtm/dispatch"
	"github.com/sparksocial/spark-rtm/filter"
	"github.com/sparksocial/spark-rtm/idempotency"
	"github.com/sparksocial/spark-rtm/persistence"
	"github.com/sparksocial/spark-rtm/presence"
	"github.com/sparksocial/spark-rtm/ratelimit"
	"github.com/sparksocial/spark-rtm/types"
)

const (
	maxMessageSize  = 4096
	pongWait        = 2 * time.Minute
	pingPeriod      = time.Minute
	writeWait       = 10 * time.Second
	sendChannelSize = 1000
)

// Hub fans events out to the connected clients of all rooms. It is the
// transport end of the coordination core: the dispatcher addresses rooms and
// users, the hub resolves them to live websocket connections.
type Hub struct {
	// Registered clients.
	clients map[*Client]struct{}

	// Register a new client to the hub.
	Register chan *Client

	// Unregister a client from the hub.
	Unregister chan *Client

	// global configuration
	Cfg *config.Config

	// persistence
	Persister persistence.Persister

	// live connection registry
	Store presence.Store

	// per-connection admission gate
	Limiter *ratelimit.Limiter

	// submission dedup cache, swept periodically
	Dedup *idempotency.Cache

	// account directory
	Directory auth.Directory

	// Dispatcher is assigned after construction: it needs the hub as its
	// room sender, the hub needs it to route client events.
	Dispatcher *dispatch.Dispatcher

	logger hclog.Logger

	// mutex for manipulating the clients
	sync.RWMutex
}

func NewHub(cfg *config.Config, persister persistence.Persister, store presence.Store, limiter *ratelimit.Limiter, dedup *idempotency.Cache, directory auth.Directory, logger hclog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Cfg:        cfg,
		Persister:  persister,
		Store:      store,
		Limiter:    limiter,
		Dedup:      dedup,
		Directory:  directory,
		logger:     logger.Named("hub"),
	}
}

// NoClients returns the number of clients registered
func (h *Hub) NoClients() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.clients)
}

// Run is the main hub loop handling register and unregister events. The
// liveness sweep and the dedup sweep run on a cron schedule alongside it.
func (h *Hub) Run() {
	cronRunner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := cronRunner.AddFunc("@every 30s", h.sweepStale); err != nil {
		panic(err)
	}
	if _, err := cronRunner.AddFunc("@every 1m", func() {
		if n := h.Dedup.Sweep(); n > 0 {
			h.logger.Debug("swept expired dedup entries", "count", n)
		}
	}); err != nil {
		panic(err)
	}
	cronRunner.Start()
	defer cronRunner.Stop()
	for {
		select {
		case client := <-h.Register:
			h.logger.Debug("register new client", "conn", client.connId)
			h.Lock()
			h.clients[client] = struct{}{}
			h.Unlock()
			client.Done()

		case client := <-h.Unregister:
			go h.teardown(client)
		}
	}
}

// teardown runs the disconnect cascade for a client: drop it from the client
// set, unbind its connection in the registry, publish the presence updates
// for every room the user vacated and mirror the offline transition into the
// directory. The cascade is idempotent, a second unregister of the same
// client is a no-op.
func (h *Hub) teardown(client *Client) {
	h.RLock()
	if _, ok := h.clients[client]; !ok {
		h.RUnlock()
		return
	}
	h.RUnlock()

	h.Lock()
	delete(h.clients, client)
	client.conn.Close()
	// a pending broadcast could be blocked on a full Send buffer; drain it
	// so Wait cannot stall while the hub lock is held
	go func() {
		for range client.Send {
		}
	}()
	// wait for all loops and pending write operations before closing Send
	client.Wait()
	close(client.Send)
	h.Unlock()

	res := h.Store.Unbind(client.connId)
	h.Limiter.Forget(client.connId)
	if res.UserId == "" {
		return
	}
	h.logger.Info("client disconnected", "user", res.UserId, "offline", res.Offline, "rooms_left", res.RoomsLeft)
	for _, roomId := range res.RoomsLeft {
		h.PublishPresence(roomId)
	}
	if res.Offline {
		h.Directory.SetOnline(res.UserId, false)
	}
}

// sweepStale force-closes connections with no recorded activity within the
// liveness grace period. Closing the connection makes its read loop exit,
// the regular teardown cascade follows.
func (h *Hub) sweepStale() {
	stale := h.Store.Stale(h.Cfg.LivenessGrace)
	if len(stale) == 0 {
		return
	}
	ids := make(map[uuid.UUID]struct{}, len(stale))
	for _, connId := range stale {
		ids[connId] = struct{}{}
	}
	h.RLock()
	defer h.RUnlock()
	for client := range h.clients {
		if _, ok := ids[client.connId]; ok {
			h.logger.Info("closing stale connection", "conn", client.connId)
			client.conn.Close()
		}
	}
}

// ToRoom delivers an event to every client whose user is present in the
// room. A target filter restricts the recipients further; a broken filter is
// logged and ignored so a bad expression cannot black-hole a room.
func (h *Hub) ToRoom(room *types.Room, event string, payload interface{}, opts dispatch.BroadcastOpts) {
	var prog *vm.Program
	if opts.TargetFilter != "" {
		var err error
		prog, err = filter.Compile(opts.TargetFilter)
		if err != nil {
			h.logger.Error("could not compile target filter", "filter", opts.TargetFilter, "error", err)
		}
	}
	data, err := types.Encode(event, payload)
	if err != nil {
		h.logger.Error("could not encode room event", "event", event, "error", err)
		return
	}
	now := time.Now()
	var wg sync.WaitGroup
	h.RLock()
	for client := range h.clients {
		user := client.user
		if user == nil {
			continue
		}
		if opts.ExcludeUser != "" && user.Id == opts.ExcludeUser {
			continue
		}
		if !h.Store.InRoom(room.Id, user.Id) {
			continue
		}
		if !filter.Run(prog, room, opts.Source, user, event, now) {
			continue
		}
		wg.Add(1)
		client.Add(1)
		go func(c *Client) {
			defer wg.Done()
			defer c.Done()
			c.Send <- data
		}(client)
	}
	wg.Wait()
	h.RUnlock()
}

// SendToUser delivers a raw payload to every live connection of a user.
func (h *Hub) SendToUser(userId string, data []byte) {
	var wg sync.WaitGroup
	h.RLock()
	for client := range h.clients {
		if client.user == nil || client.user.Id != userId {
			continue
		}
		wg.Add(1)
		client.Add(1)
		go func(c *Client) {
			defer wg.Done()
			defer c.Done()
			c.Send <- data
		}(client)
	}
	wg.Wait()
	h.RUnlock()
}

// PublishPresence broadcasts the current presence snapshot of a room to the
// room itself.
func (h *Hub) PublishPresence(roomId string) {
	update := types.PresenceUpdate{
		Room:  roomId,
		Count: h.Store.OnlineCount(roomId),
		Users: h.Store.OnlineUsers(roomId),
	}
	h.ToRoom(&types.Room{Id: roomId}, types.WireEventPresenceUpdated, update, dispatch.BroadcastOpts{})
}

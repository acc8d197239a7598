package main

import (
	"net/http"
	"os"
	"os/signal"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"
	"github.com/sparksocial/spark-rtm/auth"
	"github.com/sparksocial/spark-rtm/config"
	"github.com/sparksocial/spark-rtm/dispatch"
	"github.com/sparksocial/spark-rtm/globals"
	"github.com/sparksocial/spark-rtm/idempotency"
	"github.com/sparksocial/spark-rtm/notify"
	"github.com/sparksocial/spark-rtm/persistence"
	"github.com/sparksocial/spark-rtm/presence"
	"github.com/sparksocial/spark-rtm/ratelimit"
	"github.com/sparksocial/spark-rtm/types"
	"github.com/sparksocial/spark-rtm/ws"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	addr       = pflag.String("addr", "localhost:8000", "ws service address (including port)")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert for websocket (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key for websocket (optional)")

	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	hub *ws.Hub
)

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	cfg, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	if cfg.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))
	}

	persister, err := persistence.NewPersister(cfg)
	if err != nil {
		panic(err)
	}
	defer persister.Close()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		globals.AppLogger.Warn("interrupted, shutting down")
		persister.Close()
		os.Exit(0)
	}()

	rooms, err := persister.GetRooms()
	if err != nil {
		panic(err)
	}
	if len(rooms) == 0 {
		// no room in the db, create a default public room
		room := types.Room{
			Id:   "lobby",
			Type: types.RoomTypePublic,
			Tags: make(types.JSONStringMap),
		}
		if err := persister.StoreRoom(room); err != nil {
			panic(err)
		}
		globals.AppLogger.Info("created default room", "room", room.Id)
	}

	store := presence.NewInMemoryStore(globals.AppLogger)
	limiter := ratelimit.NewLimiter(cfg.RateLimitConfigs)
	dedup, err := idempotency.NewCache(cfg.DedupConfig.Size, cfg.DedupConfig.TTL)
	if err != nil {
		panic(err)
	}
	directory := auth.NewDirectoryService(cfg, persister, globals.AppLogger)

	hub = ws.NewHub(cfg, persister, store, limiter, dedup, directory, globals.AppLogger)
	fanout, err := notify.NewFanout(hub, cfg.DedupConfig.Size, globals.AppLogger)
	if err != nil {
		panic(err)
	}
	hub.Dispatcher = dispatch.NewDispatcher(store, persister, dedup, fanout, hub, globals.AppLogger)
	go hub.Run()

	setupRoutes()
	globals.AppLogger.Info("listening", "addr", *addr)
	if *sslCert != "" && *sslKey != "" {
		err = http.ListenAndServeTLS(*addr, *sslCert, *sslKey, nil)
	} else {
		err = http.ListenAndServe(*addr, nil)
	}
	globals.AppLogger.Error("stopped listening", "error", err)
}

func setupRoutes() {
	router := mux.NewRouter()
	router.HandleFunc("/rtm", websocketHandler).Methods(http.MethodGet)
	http.Handle("/", router)
}

// Handle incoming websockets
func websocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		globals.AppLogger.Error("websocket upgrade error", "error", err)
		return
	}

	// When this frame returns close the Websocket
	defer conn.Close() //nolint

	doneChan := make(chan struct{})
	client := ws.NewClient(hub, conn, doneChan)
	hub.Store.Register(client.ConnId())

	// Add to the hub, wait until the registration is actually read out
	client.Add(1)
	hub.Register <- client
	client.Wait()
	defer func() {
		hub.Unregister <- client
	}()

	client.Add(2)
	go client.ReadLoop()
	go client.WriteLoop()

	<-doneChan
}

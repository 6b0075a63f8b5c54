package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/simple64/netplay-core/internal/config"
	"github.com/simple64/netplay-core/internal/engine"
	gameclient "github.com/simple64/netplay-core/internal/gameClient"
	gameserver "github.com/simple64/netplay-core/internal/gameServer"
	"github.com/simple64/netplay-core/internal/lobby"
	"github.com/simple64/netplay-core/internal/protocol"
	"github.com/simple64/netplay-core/internal/rollback"
	"github.com/simple64/netplay-core/internal/session"
	"github.com/simple64/netplay-core/internal/transport"
)

func newZap(logPath string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	if logPath != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, logPath)
	}
	return cfg.Build() //nolint:wrapcheck
}

func main() {
	env, err := config.Load()
	if err != nil {
		log.Panic(err)
	}

	name := flag.String("name", env.Name, "Player name")
	addr := flag.String("addr", env.Addr, "Listen address when hosting")
	logPath := flag.String("log-path", env.LogPath, "Write logs to this file")
	contentPath := flag.String("content", "", "Content file loaded into the simulation")
	room := flag.String("room", "", "Room code; generated when hosting without one")
	password := flag.String("password", "", "Room password")
	maxClients := flag.Int("max-clients", env.MaxClients, "Maximum number of remote players")
	inputDelay := flag.Int("input-delay", env.InputDelay, "Input delay in frames")
	lobbyURL := flag.String("lobby-url", env.LobbyURL, "Lobby service to fetch room settings from and report closed rooms to")
	connect := flag.String("connect", "", "Join the host at this websocket URL instead of hosting")
	flag.Parse()

	zapLog, err := newZap(*logPath)
	if err != nil {
		log.Panic(err)
	}
	logger := zapr.NewLogger(zapLog)

	if *name == "" {
		logger.Error(fmt.Errorf("name required"), "player name not set")
		os.Exit(1)
	}

	content, err := loadContent(*contentPath)
	if err != nil {
		logger.Error(err, "could not load content", "path", *contentPath)
		os.Exit(1)
	}
	sim := engine.NewMachine(content)

	env.MaxClients = *maxClients
	env.InputDelay = *inputDelay

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *connect != "" {
		err = runClient(ctx, env, sim, *connect, *name, *room, *password, logger)
	} else {
		err = runHost(ctx, env, sim, *addr, *name, *room, *password, *lobbyURL, logger)
	}
	if err != nil {
		logger.Error(err, "netplay session ended with error")
		os.Exit(1)
	}
}

func loadContent(path string) ([]byte, error) {
	if path == "" {
		return []byte("netplay"), nil
	}
	return os.ReadFile(path) //nolint:wrapcheck
}

func runHost(ctx context.Context, env config.Config, sim engine.Engine, addr, name, room, password, lobbyURL string, logger logr.Logger) error {
	store := session.NewStore()
	maxSlots := env.MaxSlots()

	var lc *lobby.Client
	if lobbyURL != "" {
		lc = lobby.New(lobbyURL, logger.WithName("lobby"))
		if room != "" {
			d, err := lc.FetchSession(ctx, room)
			if err != nil {
				return fmt.Errorf("fetch room from lobby: %w", err)
			}
			if d.MaxSlots > 0 {
				maxSlots = d.MaxSlots
			}
			if d.Password != "" {
				password = d.Password
			}
		}
	}
	if room == "" {
		room = store.UniqueRoomCode()
	}

	sess := session.New(room, "host-"+room, name, maxSlots, password)
	if err := store.Create(sess); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	host := gameserver.NewHost(sim, sess, store, env.Host(), logger.WithName("host"))
	if lc != nil {
		host.SetLobby(lc)
	}
	if err := host.Start(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", transport.NewHandler(
		func(c *transport.Conn, m protocol.Message) bool { return host.Deliver(c, m) },
		func(c *transport.Conn) { host.PeerClosed(c) },
		logger.WithName("transport"),
	))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"status":"ok","rooms":%d,"frame":%d}`, store.Len(), host.Frame())
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr, "room", room)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- host.Run(ctx) }()

	var err error
	select {
	case err = <-errc:
		host.Shutdown()
		<-runErr
	case err = <-runErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error(serr, "http server shutdown")
	}
	return err
}

type logObserver struct {
	logger logr.Logger
	done   chan error
}

func (o logObserver) OnConnectionError(err error) {
	select {
	case o.done <- err:
	default:
	}
}

func (o logObserver) OnFullResyncRequired(sig rollback.FullResync) {
	o.logger.Info("full resync required", "frame", sig.Frame, "reason", sig.Reason)
}

func (o logObserver) OnRoster(roster []protocol.RosterEntry) {
	o.logger.Info("roster updated", "players", len(roster))
}

func (o logObserver) OnFrame(int64, engine.Output) {}

func runClient(ctx context.Context, env config.Config, sim engine.Engine, url, name, room, password string, logger logr.Logger) error {
	obs := logObserver{logger: logger, done: make(chan error, 1)}
	client := gameclient.New(sim, env.Client(name, room, password), obs, logger.WithName("client"))

	dialCtx, cancel := context.WithTimeout(ctx, env.JoinTimeout)
	conn, err := transport.Dial(dialCtx, url, "http://localhost/", logger.WithName("transport"))
	cancel()
	if err != nil {
		return err
	}
	if err := client.Connect(ctx, conn); err != nil {
		return err
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = client.Disconnect()
			return nil
		case err := <-obs.done:
			if errors.Is(err, gameclient.ErrDisconnected) {
				return nil
			}
			return err
		case <-ticker.C:
			st := client.Status()
			logger.Info("client status", "state", st.State.String(), "frame", st.LocalFrame, "hostFrame", st.HostFrame,
				"latency", st.Latency.String(), "frameDrops", st.FrameDrops, "rollbacks", st.Rollback.Rollbacks)
		}
	}
}

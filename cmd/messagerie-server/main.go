package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/folkengine/goname"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/messagerie/server/auth"
	"github.com/messagerie/server/cache"
	"github.com/messagerie/server/chat"
	"github.com/messagerie/server/config"
	"github.com/messagerie/server/globals"
	"github.com/messagerie/server/persistence"
	"github.com/messagerie/server/presence"
	"github.com/messagerie/server/types"
	"github.com/messagerie/server/ws"
	"github.com/spf13/pflag"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	addr       = pflag.String("addr", "", "service address (including port), overrides the configuration")

	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
)

type server struct {
	cfg       *config.Config
	resolver  *auth.Resolver
	persister persistence.Persister
	hub       *ws.Hub
	gateway   *chat.Gateway
	pipeline  *chat.Pipeline
}

func main() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

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
	if persister == nil {
		panic("no persistence configured")
	}
	defer persister.Close()

	msgCache, err := cache.New(cfg)
	if err != nil {
		panic(err)
	}
	if msgCache != nil {
		defer msgCache.Close()
	} else {
		globals.AppLogger.Warn("no cache configured, history reads always hit storage")
	}

	resolver, err := auth.NewResolver(cfg)
	if err != nil {
		panic(err)
	}

	hub := ws.NewHub()
	coordinator := presence.NewCoordinator(cfg.PresenceConfig.OfflineGrace, persister, func(roomCode string, user *types.User, status string) {
		hub.ToRoomExceptUser(roomCode, user.Id, types.EventUserStatusChange, types.UserStatusChangePayload{
			UserId:   user.Id,
			Username: user.Username,
			Status:   status,
			RoomCode: roomCode,
		})
	})
	pipeline := chat.NewPipeline(persister, msgCache, hub, cfg)
	gateway := chat.NewGateway(hub, pipeline, coordinator, persister)
	hub.SetHandler(gateway)

	purgeRunner, err := pipeline.StartPurgeScheduler(cfg.RetentionConfig.PurgeCron)
	if err != nil {
		panic(err)
	}
	defer purgeRunner.Stop()

	s := &server{
		cfg:       cfg,
		resolver:  resolver,
		persister: persister,
		hub:       hub,
		gateway:   gateway,
		pipeline:  pipeline,
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws", s.websocketHandler).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{code:[A-Za-z0-9]+}/messages", s.historyHandler).Methods(http.MethodGet)
	router.HandleFunc("/messages/{id}", s.editMessageHandler).Methods(http.MethodPut)
	router.HandleFunc("/messages/{id}", s.deleteMessageHandler).Methods(http.MethodDelete)

	listenAddr := cfg.ServerConfig.Addr
	if *addr != "" {
		listenAddr = *addr
	}

	go func() {
		<-c
		globals.AppLogger.Info("interrupted, shutting down")
		purgeRunner.Stop()
		persister.Close()
		os.Exit(0)
	}()

	globals.AppLogger.Info("listening", "addr", listenAddr)
	if cfg.ServerConfig.SSLCert != "" && cfg.ServerConfig.SSLKey != "" {
		err = http.ListenAndServeTLS(listenAddr, cfg.ServerConfig.SSLCert, cfg.ServerConfig.SSLKey, router)
	} else {
		err = http.ListenAndServe(listenAddr, router)
	}
	globals.AppLogger.Error("stopped listening", "error", err)
}

// authenticate resolves the credential from the request, either the
// Authorization header or the token query parameter, and loads or bootstraps
// the user record.
func (s *server) authenticate(r *http.Request) (*types.User, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		token = strings.TrimPrefix(header, "Bearer ")
	}
	provider := r.URL.Query().Get("provider")
	identity, err := s.resolver.Resolve(r.Context(), token, provider)
	if err != nil {
		return nil, err
	}
	user, err := s.persister.GetUserByEmail(r.Context(), strings.ToLower(identity.Email))
	if errors.Is(err, types.ErrNotFound) {
		username := identity.Username
		if username == "" {
			username = identity.Name
		}
		if username == "" {
			username = goname.New(goname.FantasyMap).FirstLast()
		}
		user = &types.User{
			Username: username,
			Email:    strings.ToLower(identity.Email),
			Role:     types.RoleUser,
		}
		if err := s.persister.StoreUser(r.Context(), user); err != nil {
			return nil, err
		}
		return user, nil
	}
	return user, err
}

// Handle incoming websockets.
func (s *server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		globals.AppLogger.Debug("connection rejected", "error", err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		globals.AppLogger.Error("websocket upgrade error", "error", err)
		return
	}

	client, err := s.hub.Admit(conn, user)
	if err != nil {
		conn.Close()
		return
	}
	go client.WriteLoop()
	if err := s.gateway.HandleConnect(r.Context(), client); err != nil {
		globals.AppLogger.Error("could not restore rooms on connect", "user", user.Id, "error", err)
		client.SendError("could not restore rooms")
	}
	client.ReadLoop()
}

func (s *server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.NoClients(),
	})
}

// historyHandler serves paged room history, page 1 through the
// recent-message cache.
func (s *server) historyHandler(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	code := types.NormalizeRoomCode(mux.Vars(r)["code"])
	ok, err := s.persister.IsParticipant(r.Context(), code, user.Id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := s.pipeline.History(r.Context(), code, page, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"messages": msgs,
		"roomCode": code,
	})
}

// editMessageHandler rewrites a message body. Only the original sender may
// edit, and only within the edit window.
func (s *server) editMessageHandler(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	body := struct {
		Content string `json:"content"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, types.ErrValidation)
		return
	}
	msg, err := s.pipeline.Edit(r.Context(), user.Id, mux.Vars(r)["id"], body.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(msg)
}

// deleteMessageHandler tombstones a message; sender or room creator only.
func (s *server) deleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if err := s.pipeline.Delete(r.Context(), user.Id, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, types.ErrConflict), errors.Is(err, types.ErrEditWindowExpired):
		status = http.StatusConflict
	case errors.Is(err, types.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrUnauthenticated):
		status = http.StatusUnauthorized
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": err.Error()})
}

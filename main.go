package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"canvas-sync/auth"
	"canvas-sync/core"
	"canvas-sync/handlers/api/canvases"
	"canvas-sync/handlers/api/snapshots"
	"canvas-sync/handlers/websocket"
	authmw "canvas-sync/middleware"
	"canvas-sync/stores"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	devSecret = "canvas-sync-dev-secret"
	tokenTTL  = 24 * time.Hour
)

type roomEntry struct {
	ID         string `json:"id"`
	Users      int    `json:"users"`
	LastActive *int64 `json:"lastActive,omitempty"`
}

func setupRouter(store stores.Store, hub *websocket.Hub, signer *auth.Signer) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	corsOptions := cors.Options{
		AllowedOrigins: []string{"tauri://localhost"},
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			if origin == "" {
				return false
			}

			parsed, err := url.Parse(origin)
			if err != nil {
				return false
			}

			switch parsed.Scheme {
			case "http", "https":
				switch parsed.Hostname() {
				case "localhost", "127.0.0.1", "[::1]":
					return true
				}
			case "tauri":
				return parsed.Hostname() == "localhost"
			}

			return false
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	r.Use(cors.Handler(corsOptions))

	r.Handle("/metrics", promhttp.Handler())

	r.With(authmw.AuthJWT(signer)).Get("/ws/canvas/{canvasId}", hub.HandleCanvas())

	// Snapshot routes are only available with SQLite storage
	var canvasExtras []func(chi.Router)
	snapshotStore, hasSnapshots := store.(snapshots.SnapshotStore)
	if hasSnapshots {
		canvasExtras = append(canvasExtras, snapshots.CanvasRoutes(snapshotStore))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authmw.AuthJWT(signer))
		r.Mount("/canvas", canvases.Routes(store, hub, canvasExtras...))
		if hasSnapshots {
			r.Route("/snapshots/{snapshotId}", snapshots.SnapshotRoutes(snapshotStore))
		}
	})

	if hasSnapshots {
		logrus.Info("Snapshot API routes registered")
	} else {
		logrus.Warn("Snapshot API not available - requires SQLite storage")
	}

	r.Get("/api/rooms", handleRooms(hub, store))

	return r
}

// handleRooms lists live rooms merged with the rooms the registry remembers,
// busiest first.
func handleRooms(hub *websocket.Hub, registry core.RoomRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomMap := make(map[string]*roomEntry)
		for id, count := range hub.ActiveRooms() {
			roomMap[id] = &roomEntry{ID: id, Users: count}
		}

		if storedRooms, err := registry.ListRooms(r.Context()); err != nil {
			logrus.WithError(err).Warn("failed to list rooms from registry")
		} else {
			for _, room := range storedRooms {
				entry, exists := roomMap[room.ID]
				if !exists {
					entry = &roomEntry{ID: room.ID}
					roomMap[room.ID] = entry
				}
				if room.LastActive > 0 {
					lastActive := room.LastActive
					entry.LastActive = &lastActive
				}
			}
		}

		roomList := make([]roomEntry, 0, len(roomMap))
		for _, entry := range roomMap {
			roomList = append(roomList, *entry)
		}

		sort.Slice(roomList, func(i, j int) bool {
			if roomList[i].Users != roomList[j].Users {
				return roomList[i].Users > roomList[j].Users
			}
			li, lj := lastActive(roomList[i]), lastActive(roomList[j])
			if li != lj {
				return li > lj
			}
			return roomList[i].ID < roomList[j].ID
		})

		render.JSON(w, r, roomList)
	}
}

func lastActive(e roomEntry) int64 {
	if e.LastActive == nil {
		return 0
	}
	return *e.LastActive
}

func newSigner() *auth.Signer {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		logrus.Warn("JWT_SECRET not set, using the development secret")
		secret = devSecret
	}
	return auth.NewSigner([]byte(secret), tokenTTL)
}

func waitForShutdown(srv *http.Server, hub *websocket.Hub) {
	exit := make(chan struct{})
	signalC := make(chan os.Signal, 1)

	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for s := range signalC {
			switch s {
			case os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				close(exit)
				return
			}
		}
	}()

	<-exit
	logrus.Info("Shutting down...")

	hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("server shutdown")
	}
}

func main() {
	// Define a log level flag
	logLevel := flag.String("loglevel", "info", "Set the logging level: debug, info, warn, error, fatal, panic")
	listenAddr := flag.String("listen", ":3002", "Set the server listen address")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		os.Exit(1)
	}

	// Set the log level
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	store := stores.GetStore()
	hub := websocket.NewHub(store)
	r := setupRouter(store, hub, newSigner())

	srv := &http.Server{Addr: *listenAddr, Handler: r}

	logrus.WithField("addr", *listenAddr).Info("starting server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(srv, hub)
}

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/homewatch/homewatch/internal/bus"
	"github.com/homewatch/homewatch/internal/command"
	"github.com/homewatch/homewatch/internal/config"
	"github.com/homewatch/homewatch/internal/connection"
	"github.com/homewatch/homewatch/internal/ipcheck"
	"github.com/homewatch/homewatch/internal/notify"
	"github.com/homewatch/homewatch/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bot and its control API",
	Run:   runServe,
}

var serveStartTime = time.Now()

func runServe(cmd *cobra.Command, args []string) {
	printHeader("🏠 HomeWatch Gateway")
	fmt.Println("Starting HomeWatch...")

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		fmt.Printf("Data dir error: %v\n", err)
		os.Exit(1)
	}

	// 2. Open the store
	backend, err := store.OpenSQLite(cfg.StorePath())
	if err != nil {
		fmt.Printf("Store error: %v\n", err)
		os.Exit(1)
	}
	defer backend.Close()
	st := store.New(backend)

	// 3. Bus and connection manager
	msgBus := bus.New()
	mgr := connection.NewManager(st, msgBus, connection.NewSlackSessionFactory())

	// 4. Notifications: persisted target, activity log, optional Kafka mirror
	mirror := notify.NewMirror(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer mirror.Close()
	if mirror != nil {
		fmt.Printf("Kafka mirror enabled (%s → %s)\n",
			strings.Join(cfg.Kafka.Brokers, ","), cfg.Kafka.Topic)
	}
	notifier := notify.NewNotifier(st, mgr, mirror)
	msgBus.Subscribe(notifier.HandleNotice)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go msgBus.DispatchNotices(ctx)

	// 5. Command dispatcher
	dispatcher := command.NewDispatcher(st, msgBus, mgr)
	go dispatcher.Run(ctx)

	// 6. WAN address watcher
	if cfg.IPCheck.Enabled {
		interval := time.Duration(cfg.IPCheck.IntervalMinutes) * time.Minute
		if interval <= 0 {
			interval = 15 * time.Minute
		}
		checker := ipcheck.New(st, notifier, cfg.IPCheck.ProbeURL, interval)
		go checker.Run(ctx)
		fmt.Printf("IP check enabled (every %s)\n", interval)
	}

	// 7. Connect to Slack with the stored token, if one is saved
	if err := mgr.Connect(ctx); err != nil {
		if errors.Is(err, connection.ErrNoToken) {
			fmt.Println("⚠️ No Slack token saved yet. POST it to /api/v1/token, then restart the connection.")
		} else {
			fmt.Printf("⚠️ Slack connect failed: %v\n", err)
		}
	}

	// 8. Control API
	mux := http.NewServeMux()

	// API: Status (unauthenticated health check)
	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"version":        version,
			"uptime_seconds": int(time.Since(serveStartTime).Seconds()),
			"connection":     mgr.Status(),
		})
	})

	// API: Save token (POST). The token is never read from the environment;
	// this endpoint and the store are its only path into the process.
	mux.HandleFunc("/api/v1/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Token) == "" {
			http.Error(w, "token required", http.StatusBadRequest)
			return
		}
		if err := st.Put(connection.TokenPath, strings.TrimSpace(body.Token)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"saved": true})
	})

	// API: Save notify target (POST {name, kind})
	mux.HandleFunc("/api/v1/notify-target", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Name string `json:"name"`
			Kind string `json:"kind"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
			http.Error(w, "name and kind required", http.StatusBadRequest)
			return
		}
		kind := connection.ConversationKind(body.Kind)
		switch kind {
		case connection.KindChannel, connection.KindGroup, connection.KindDirect:
		default:
			http.Error(w, "kind must be channel, group or direct", http.StatusBadRequest)
			return
		}
		if err := notifier.SaveTarget(r.Context(), body.Name, kind); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"saved": true})
	})

	// API: Connection control
	mux.HandleFunc("/api/v1/connection/restart", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := mgr.Restart(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mgr.Status())
	})
	mux.HandleFunc("/api/v1/connection/stop", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := mgr.Disconnect(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mgr.Status())
	})

	// API: Read entries, whole store or by ::-joined prefix
	mux.HandleFunc("/api/v1/entries", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Content-Type", "application/json")
		var (
			entries map[string]json.RawMessage
			err     error
		)
		if prefix := r.URL.Query().Get("prefix"); prefix != "" {
			entries, err = st.ByPrefix(store.ParsePath(prefix))
		} else {
			entries, err = st.All()
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(entries)
	})

	// API: Joined conversation directory (?kind=channel|group|direct)
	mux.HandleFunc("/api/v1/conversations", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		kind := connection.ConversationKind(r.URL.Query().Get("kind"))
		if kind == "" {
			kind = connection.KindChannel
		}
		convs, err := mgr.JoinedConversations(r.Context(), kind)
		if err != nil {
			if errors.Is(err, connection.ErrNotConnected) {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(convs)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		fmt.Printf("Control API listening on http://%s\n", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("Control API error: %v\n", err)
			os.Exit(1)
		}
	}()

	// 9. Wait for shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nShutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := mgr.Disconnect(shutdownCtx); err != nil {
		fmt.Printf("Disconnect error: %v\n", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Printf("HTTP shutdown error: %v\n", err)
	}
	cancel()
	fmt.Println("Goodbye 👋")
}

package main

import (
	"bufio"
	"context"
	"database/sql"
	"embed"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/cove-ide/cove/internal/api"
	"github.com/cove-ide/cove/internal/config"
	"github.com/cove-ide/cove/internal/db"
	"github.com/cove-ide/cove/internal/keeper"
	"github.com/cove-ide/cove/internal/preflight"
	"github.com/cove-ide/cove/internal/server"
	"github.com/cove-ide/cove/internal/term"
	"github.com/cove-ide/cove/web"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func main() {
	// Subcommand dispatch: "cove keeper" runs the session keeper daemon.
	if len(os.Args) > 1 && os.Args[1] == "keeper" {
		if err := keeper.Run(); err != nil {
			log.Fatalf("Keeper failed: %v", err)
		}
		return
	}

	port := flag.Int("port", 0, "server port (overrides config)")
	flag.Parse()

	fmt.Println("Cove - Terminal Sessions")
	fmt.Println("========================")
	fmt.Println()

	dataDir, err := db.DataDir()
	if err != nil {
		log.Fatalf("Failed to resolve data dir: %v", err)
	}
	cfg, err := config.Load(config.Path(dataDir))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}

	// Preflight checks
	fmt.Println("Running preflight checks...")
	shells, gitOk := preflight.CheckAll()
	fmt.Println()

	// Open database
	database, err := db.Open()
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	// Run migrations
	migrationSQL, err := migrationsFS.ReadFile("migrations/001_initial.sql")
	if err != nil {
		log.Fatalf("Failed to read migrations: %v", err)
	}
	if err := db.Migrate(database, string(migrationSQL)); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Connect to or start the keeper daemon
	var mgr term.Manager
	var keeperClient *keeper.Client
	if cfg.UseKeeper {
		keeperClient, err = connectOrStartKeeper()
		if err != nil {
			log.Printf("Keeper unavailable, sessions will not survive restarts: %v", err)
		}
	}
	if keeperClient != nil {
		mgr = keeperClient
	} else {
		mgr = term.NewRegistry()
	}

	// Reconcile DB with the keeper's live sessions
	reconcileSessions(database, keeperClient)

	defaults := api.SessionDefaults{Shell: cfg.Shell, Cols: cfg.Cols, Rows: cfg.Rows}
	srv := server.New(database, shells, gitOk, defaults, config.Path(dataDir), web.SPAHandler(), mgr)

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: loggingMiddleware(recoveryMiddleware(srv)),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		fmt.Printf("\nReceived %s, shutting down...\n", sig)

		if keeperClient != nil {
			// Sessions stay alive in the keeper.
			keeperClient.Disconnect()
		} else {
			mgr.CloseAll()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(ctx)
	}()

	fmt.Printf("Server running at http://%s\n", addr)
	if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
	fmt.Println("Server stopped.")
}

// connectOrStartKeeper connects to an existing keeper or launches a new one.
func connectOrStartKeeper() (*keeper.Client, error) {
	socketPath, err := keeper.SocketPath()
	if err != nil {
		return nil, err
	}

	// Try connecting to an existing keeper
	client, err := keeper.NewClient(socketPath)
	if err == nil {
		if err := client.Ping(); err == nil {
			log.Println("Connected to existing keeper")
			return client, nil
		}
		client.Disconnect()
	}

	// Launch a new keeper process
	log.Println("Starting keeper process...")
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("get executable path: %w", err)
	}

	cmd := exec.Command(exe, "keeper")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start keeper: %w", err)
	}
	// Detach — don't wait for the keeper to exit
	cmd.Process.Release()

	// Wait for the keeper to become available
	for i := 0; i < 40; i++ { // 40 * 50ms = 2s
		time.Sleep(50 * time.Millisecond)
		client, err = keeper.NewClient(socketPath)
		if err == nil {
			if err := client.Ping(); err == nil {
				log.Println("Keeper started and connected")
				return client, nil
			}
			client.Disconnect()
		}
	}

	return nil, fmt.Errorf("keeper did not become available within 2s")
}

// reconcileSessions reconciles the database with the keeper's live sessions.
// Sessions recorded as running but unknown to the keeper are marked stopped;
// sessions alive in the keeper are re-adopted for exit tracking.
func reconcileSessions(database *sql.DB, client *keeper.Client) {
	if client == nil {
		// No keeper — every recorded running session is stale.
		cleanupStaleSessions(database)
		return
	}

	activeIDs, err := client.ListSessions()
	if err != nil {
		log.Printf("Failed to list keeper sessions: %v", err)
		cleanupStaleSessions(database)
		return
	}

	activeSet := make(map[string]struct{}, len(activeIDs))
	for _, id := range activeIDs {
		activeSet[id] = struct{}{}
	}

	rows, err := database.Query(`SELECT id FROM sessions WHERE status = 'running'`)
	if err != nil {
		log.Printf("Failed to query sessions: %v", err)
		return
	}
	defer rows.Close()

	var orphanIDs []string
	var aliveIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		if _, alive := activeSet[id]; alive {
			aliveIDs = append(aliveIDs, id)
		} else {
			orphanIDs = append(orphanIDs, id)
		}
	}

	now := time.Now()
	for _, id := range orphanIDs {
		database.Exec(`UPDATE sessions SET status = 'stopped', stopped_at = ? WHERE id = ?`, now, id)
	}
	if len(orphanIDs) > 0 {
		log.Printf("Marked %d orphaned sessions as stopped", len(orphanIDs))
	}

	// Re-adopt alive sessions: register done channels so exits are recorded.
	for _, id := range aliveIDs {
		sessionID := id
		_ = client.Get(sessionID)
		go func() {
			<-client.Done(sessionID)
			database.Exec(`UPDATE sessions SET status = 'stopped', stopped_at = ? WHERE id = ?`,
				time.Now(), sessionID)
			log.Printf("Session %s stopped (detected via keeper)", sessionID)
		}()
	}
	if len(aliveIDs) > 0 {
		log.Printf("Re-adopted %d sessions from keeper", len(aliveIDs))
	}
}

func cleanupStaleSessions(database *sql.DB) {
	result, err := database.Exec(`UPDATE sessions SET status = 'stopped', stopped_at = ? WHERE status = 'running'`, time.Now())
	if err != nil {
		log.Printf("Failed to clean up stale sessions: %v", err)
		return
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		log.Printf("Cleaned up %d stale sessions", rows)
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(rw, r)

		// Don't log WebSocket upgrades or static assets
		if r.Header.Get("Upgrade") == "websocket" {
			return
		}
		if r.URL.Path == "/" || (len(r.URL.Path) > 1 && r.URL.Path[1] != 'a') {
			return // Skip SPA/static
		}

		log.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start).Round(time.Millisecond))
	})
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("PANIC: %s %s: %v", r.Method, r.URL.Path, err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade reach the underlying connection through
// the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

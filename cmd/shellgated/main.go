package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/shellgate/shellgate/internal/auth"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/database"
	"github.com/shellgate/shellgate/internal/handlers"
	"github.com/shellgate/shellgate/internal/logging"
	"github.com/shellgate/shellgate/internal/middleware"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-admin":
			runCLICommand("create-admin")
			return
		case "--reset-password":
			runCLICommand("reset-password")
			return
		}
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: ListenAddr=%s, AuthDisabled=%v, DataPath=%s",
		config.Cfg.ListenAddr, config.Cfg.AuthDisabled, config.Cfg.DataPath)

	// Init session store
	sessionStore := auth.NewSessionStore()
	handlers.SessionStore = sessionStore

	// Periodic maintenance: expired sessions, stale hosts, old audit rows.
	c := cron.New()
	c.AddFunc("@every 10m", sessionStore.Sweep)
	c.AddFunc("@every 1m", func() {
		offlineAfter := parseDuration(config.Cfg.HostOfflineAfter, 2*time.Minute)
		n, err := database.MarkStaleHostsOffline(time.Now().Add(-offlineAfter))
		if err != nil {
			log.Printf("Stale host sweep: %v", err)
		} else if n > 0 {
			log.Printf("Marked %d host(s) offline after %s without heartbeat", n, offlineAfter)
		}
	})
	c.AddFunc("@daily", func() {
		retention := parseDuration(config.Cfg.AuditRetention, 90*24*time.Hour)
		n, err := database.PurgeAuditBefore(time.Now().Add(-retention))
		if err != nil {
			log.Printf("Audit purge: %v", err)
		} else if n > 0 {
			log.Printf("Purged %d audit row(s) older than %s", n, retention)
		}
	})
	c.Start()
	defer c.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health and metrics (no auth)
	r.Get("/health", handlers.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	// Agent endpoints (token auth, not session auth)
	r.Post("/agents/register", handlers.RegisterHost)
	r.Post("/agents/heartbeat", handlers.HostHeartbeat)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Auth endpoints (no auth required)
		r.Post("/auth/login", handlers.Login)

		// Protected routes (require auth)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(sessionStore))

			r.Post("/auth/logout", handlers.Logout)
			r.Get("/me", handlers.GetCurrentUser)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireCapability(auth.CapHostsRead))
				r.Get("/hosts", handlers.ListHosts)
			})

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireCapability(auth.CapSessionsConnect))
				r.Get("/hosts/{hostID}/connect-users", handlers.ResolveConnectUsers)
				r.Get("/relay/{hostID}", handlers.RelayWS)
			})

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireCapability(auth.CapAuditRead))
				r.Get("/audit", handlers.GetAuditLogs)
			})

			// Admin-only routes
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)

				r.Get("/users", handlers.ListUsers)
				r.Post("/users", handlers.CreateUser)
				r.Delete("/users/{userID}", handlers.DeleteUser)
				r.Get("/users/{userID}/grants/{hostID}", handlers.GetUserGrants)
				r.Put("/users/{userID}/grants/{hostID}", handlers.SetUserGrants)
			})
		})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	username := fs.String("username", "", "Username")
	password := fs.String("password", "", "Password")
	fs.Parse(os.Args[2:])

	if *username == "" || *password == "" {
		fmt.Fprintf(os.Stderr, "Usage: shellgated --%s --username <user> --password <pass>\n", command)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	switch command {
	case "create-admin":
		user := &database.User{
			Username:     *username,
			PasswordHash: hash,
			Role:         "admin",
		}
		if err := database.CreateUser(user); err != nil {
			log.Fatalf("Failed to create admin: %v", err)
		}
		fmt.Printf("Admin user '%s' created successfully.\n", *username)

	case "reset-password":
		user, err := database.GetUserByUsername(*username)
		if err != nil {
			log.Fatalf("User '%s' not found", *username)
		}
		if err := database.DB.Model(&database.User{}).Where("id = ?", user.ID).
			Update("password_hash", hash).Error; err != nil {
			log.Fatalf("Failed to update password: %v", err)
		}
		fmt.Printf("Password reset for '%s'.\n", *username)
	}
}

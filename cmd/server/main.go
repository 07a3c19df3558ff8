// Command server runs the HTTP API: the public endpoints range machines
// and invitees hit, and the session-gated admin surface under /api.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rangeops/rangehub/internal/api"
	"github.com/rangeops/rangehub/internal/audit"
	"github.com/rangeops/rangehub/internal/auth"
	"github.com/rangeops/rangehub/internal/cloud"
	"github.com/rangeops/rangehub/internal/config"
	"github.com/rangeops/rangehub/internal/dispatch"
	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/events"
	"github.com/rangeops/rangehub/internal/identity"
	"github.com/rangeops/rangehub/internal/instances"
	"github.com/rangeops/rangehub/internal/license"
	"github.com/rangeops/rangehub/internal/mailer"
	"github.com/rangeops/rangehub/internal/mailqueue"
	"github.com/rangeops/rangehub/internal/scheduler"
	"github.com/rangeops/rangehub/internal/secrets"
	"github.com/rangeops/rangehub/internal/storage"
	"github.com/rangeops/rangehub/internal/users"
	"github.com/rangeops/rangehub/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	if err := checkPortAvailable(cfg.Server.GetHost(), cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(ctx, cfg.Database.URL, 25)
	if err != nil {
		log.Fatalf("Open database: %v", err)
	}
	defer db.Close()

	redisClient := openRedis(ctx, cfg.Redis.URL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	// The codec protects range credentials at rest and signs password
	// reset tokens, so the server cannot run without it.
	codec, err := secrets.NewCodec(cfg.Crypto.EncryptionKey)
	if err != nil {
		log.Fatalf("Encryption key: %v (set ENCRYPTION_KEY to a fernet key)", err)
	}

	usersStore := users.NewStore(db)
	sessionStore := auth.NewStore(db)
	auditStore := audit.NewStore(db)
	eventsStore := events.NewStore(db)
	queueStore := mailqueue.NewStore(db)
	licenseStore := license.NewStore(db)
	instancesStore := instances.NewStore(db)
	identityStore := identity.NewStore(db)
	statusStore := scheduler.NewStatusStore(db)

	eventsStore.SetAudit(auditStore)

	dispatcher := dispatch.NewDispatcher(queueStore, queueStore, usersStore, eventsStore, auditStore)
	confirmer := events.NewConfirmer(eventsStore, usersStore, identityStore, codec, dispatcher,
		cfg.Server.BaseURL+"/login")

	providers := buildProviders(cfg.Cloud)
	provisioner := instances.NewProvisioner(instancesStore, providers, cfg.Instances, cfg.Server.BaseURL)

	// The server runs its own scheduler for the debounced invitation
	// one-shots that activation and test-mode flips dispatch.
	sched := scheduler.New()
	sched.SetHeartbeat(statusStore, "server", cfg.Scheduler.HeartbeatInterval())
	invitations := worker.NewInvitationJob(eventsStore, dispatcher, cfg.Server.BaseURL+"/confirm")
	eventsStore.SetInvitationHook(func(ev *domain.Event) {
		eventID, testMode := ev.ID, ev.TestMode
		sched.RegisterOneShot(
			fmt.Sprintf("invitation_event_%d", eventID),
			fmt.Sprintf("Invitation sweep: %s", ev.Name),
			time.Now().UTC().Add(worker.InvitationDebounce),
			func(ctx context.Context) error { return invitations.Run(ctx, eventID, testMode) },
		)
	})
	if err := sched.Start(); err != nil {
		log.Fatalf("Start scheduler: %v", err)
	}

	limiter := auth.NewLoginLimiter(redisClient, cfg.Auth.LoginMaxAttempts, cfg.Auth.LoginWindow())
	authHandler := auth.NewHandler(sessionStore, usersStore, limiter, dispatcher, auditStore,
		codec, cfg.Auth, cfg.Server.BaseURL)

	server := api.NewServer(cfg.Server, api.Deps{
		Auth:      authHandler,
		Events:    events.NewHandler(eventsStore, confirmer),
		Users:     users.NewHandler(usersStore, sessionStore),
		Queue:     mailqueue.NewHandler(queueStore),
		License:   license.NewHandler(licenseStore, auditStore),
		Instances: instances.NewHandler(instancesStore, provisioner, providers),
		Scheduler: scheduler.NewHandler(statusStore),
		Audit:     audit.NewHandler(auditStore),
		Webhook:   mailer.NewWebhookHandler(cfg.Email.WebhookKeys, queueStore, usersStore, auditStore),
		Health:    api.NewHealthChecker(db, redisClient),
	})

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()
	log.Printf("[Server] Ready (%s, environment %s)", cfg.Server.BaseURL, cfg.Environment)

	<-done
	log.Println("[Server] Shutting down")
	cancel()
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] Shutdown error: %v", err)
	}
	log.Println("[Server] Stopped")
}

// checkPortAvailable verifies nothing else holds the listen port, turning
// a confusing bind failure at serve time into a clear startup error.
func checkPortAvailable(host string, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("port %d is already in use: %w", port, err)
	}
	return ln.Close()
}

// openRedis connects when a URL is configured. Failure is not fatal: the
// login limiter and scheduler locks degrade to their in-process fallbacks.
func openRedis(ctx context.Context, url string) *redis.Client {
	if url == "" {
		log.Println("[Redis] Not configured, using in-process fallbacks")
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Printf("[Redis] Bad URL, using in-process fallbacks: %v", err)
		return nil
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("[Redis] Connection failed, using in-process fallbacks: %v", err)
		client.Close()
		return nil
	}
	log.Println("[Redis] Connected")
	return client
}

// buildProviders returns the registry of enabled cloud providers.
func buildProviders(cfg config.CloudConfig) instances.Registry {
	reg := instances.Registry{}
	if cfg.OpenStack.Enabled {
		reg[domain.ProviderOpenStack] = cloud.NewOpenStack(cfg.OpenStack)
		log.Println("[Cloud] OpenStack provider enabled")
	}
	if cfg.DigitalOcean.Enabled {
		reg[domain.ProviderDigitalOcean] = cloud.NewDigitalOcean(cfg.DigitalOcean)
		log.Println("[Cloud] DigitalOcean provider enabled")
	}
	if len(reg) == 0 {
		log.Println("[Cloud] No providers enabled, provisioning is unavailable")
	}
	return reg
}

// Command worker runs the background jobs: email batches, queue sweeps,
// reminders, instance reconciliation, license reaping, and identity sync.
// Multiple workers may run side by side; exclusive jobs take a distributed
// lock so only one instance executes each tick.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

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
	"github.com/rangeops/rangehub/internal/pkg/distlock"
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

	// Identity sync decrypts range credentials, so a bad key is fatal
	// only when that job is enabled.
	codec, codecErr := secrets.NewCodec(cfg.Crypto.EncryptionKey)
	if codecErr != nil && cfg.Identity.Enabled {
		log.Fatalf("Encryption key: %v (identity sync is enabled)", codecErr)
	}

	usersStore := users.NewStore(db)
	sessionStore := auth.NewStore(db)
	auditStore := audit.NewStore(db)
	eventsStore := events.NewStore(db)
	queueStore := mailqueue.NewStore(db)
	licenseStore := license.NewStore(db)
	instancesStore := instances.NewStore(db)
	statusStore := scheduler.NewStatusStore(db)

	eventsStore.SetAudit(auditStore)
	dispatcher := dispatch.NewDispatcher(queueStore, queueStore, usersStore, eventsStore, auditStore)

	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%d", hostname, os.Getpid())
	log.Printf("[Worker] Starting as %s", workerID)

	m := buildMailer(cfg)
	renderer := mailer.NewRenderer(queueStore)
	emailWorker := worker.NewEmailWorker(queueStore, usersStore, renderer, m, workerID, cfg.Email)

	sched := scheduler.New()
	sched.SetHeartbeat(statusStore, "worker", cfg.Scheduler.HeartbeatInterval())
	sched.SetLockFactory(distlock.NewFactory(redisClient, db))

	sched.RegisterExclusive("email_batch", "Email batch",
		scheduler.Every(cfg.Email.BatchInterval()),
		func(ctx context.Context) error {
			_, err := emailWorker.RunBatch(ctx, 0, "", "")
			return err
		})

	sched.RegisterExclusive("queue_fallback_sweep", "Queue fallback sweep",
		scheduler.Every(cfg.Email.FallbackInterval()),
		worker.NewFallbackSweep(queueStore).RunOnce)

	sched.Register("session_cleanup", "Expired session cleanup",
		scheduler.Every(time.Hour),
		auth.NewSessionCleanupJob(sessionStore).Run)

	if cfg.Reminders.Enabled {
		sched.RegisterExclusive("reminders", "Event reminders",
			scheduler.Every(cfg.Reminders.Interval()),
			worker.NewReminderJob(eventsStore, dispatcher, cfg.Reminders).Run)
	}

	providers := buildProviders(cfg.Cloud)
	if len(providers) > 0 {
		sched.RegisterExclusive("instance_sync", "Instance state sync",
			scheduler.Every(cfg.Instances.SyncInterval()),
			worker.NewReconcilerJob(instancesStore, providers).RunOnce)
	}

	sched.RegisterExclusive("license_reaper", "License session reaper",
		scheduler.Every(cfg.License.ReaperInterval()),
		license.NewReaper(licenseStore).RunOnce)

	if cfg.Identity.Enabled {
		identityWorker := identity.NewWorker(identity.NewStore(db), identity.NewClient(cfg.Identity), codec)
		sched.RegisterExclusive("identity_sync", "Identity provider sync",
			scheduler.Every(cfg.Identity.Interval()),
			identityWorker.RunOnce)
	}

	if err := sched.Start(); err != nil {
		log.Fatalf("Start scheduler: %v", err)
	}
	log.Printf("[Worker] Scheduler running (environment %s)", cfg.Environment)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Println("[Worker] Shutting down")
	cancel()
	sched.Stop()
	log.Println("[Worker] Stopped")
}

// buildMailer picks the outbound transport from config. Anything but a
// fully configured SES section falls back to the log mailer.
func buildMailer(cfg *config.Config) mailer.Mailer {
	if cfg.Email.Provider == "ses" {
		if cfg.AWS.AccessKeyID == "" || cfg.AWS.SecretAccessKey == "" {
			log.Println("[Mailer] SES selected but AWS credentials missing, using log mailer")
			return mailer.NewLogMailer()
		}
		log.Printf("[Mailer] Using SES (%s)", cfg.AWS.Region)
		return mailer.NewSESMailer(cfg.AWS.AccessKeyID, cfg.AWS.SecretAccessKey, cfg.AWS.Region,
			cfg.Email.FromAddress, cfg.Email.FromName)
	}
	log.Println("[Mailer] Using log mailer")
	return mailer.NewLogMailer()
}

// openRedis connects when a URL is configured. Without redis the lock
// factory falls back to postgres advisory locks.
func openRedis(ctx context.Context, url string) *redis.Client {
	if url == "" {
		log.Println("[Redis] Not configured, locks use postgres advisory locks")
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Printf("[Redis] Bad URL, locks use postgres advisory locks: %v", err)
		return nil
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("[Redis] Connection failed, locks use postgres advisory locks: %v", err)
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
	return reg
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"biosync/internal/config"
	"biosync/internal/device"
	"biosync/internal/directory"
	"biosync/internal/identity"
	"biosync/internal/queue"
	"biosync/internal/reconcile"
	"biosync/internal/store"
	"biosync/internal/sync"
)

// Worker consumes sync jobs, pulls data from the terminals, and runs
// reconciliation. With SYNC_INTERVAL set it also enqueues all active
// devices on a timer, replacing an external cron.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	if err := store.Migrate(ctx, db.Client); err != nil {
		log.Fatalf("migrate failed: %v", err)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "biosync:syncjobs")
	}

	bridge := device.NewBridge(cfg.BridgeURL, cfg.BridgeSkip)
	if err := bridge.Health(ctx); err != nil {
		log.Printf("WARNING: device bridge not available: %v", err)
		log.Println("worker will retry when jobs arrive")
	}

	repo := sync.NewRepository(db.Client)
	persons := directory.NewSQLDirectory(db.Client)
	linker := identity.NewLinker(repo, persons, bridge)
	syncSvc := sync.NewService(repo, bridge, linker)
	sessions := reconcile.NewSQLSessionStore(db.Client)
	reconciler := reconcile.NewReconciler(repo, sessions, persons)

	if cfg.SyncInterval > 0 {
		go enqueueLoop(ctx, cfg.SyncInterval, repo, q)
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for sync jobs...")
	for msg := range messages {
		if msg.Type != "sync" {
			continue
		}

		deviceID := string(msg.Body)
		dev, err := repo.GetDevice(ctx, deviceID)
		if err != nil {
			log.Printf("load device %s failed: %v", deviceID, err)
			continue
		}
		if dev == nil {
			log.Printf("sync job for unknown device %s dropped", deviceID)
			continue
		}

		report, err := syncSvc.RunSync(ctx, *dev, sync.Options{Persist: true})
		if err != nil {
			// Transport failure is fatal for this device's run only.
			log.Printf("sync device %s failed: %v", dev.Name, err)
			continue
		}
		log.Printf("device %s: users fetched %d created %d updated %d; punches fetched %d created %d duplicate %d invalid %d",
			dev.Name, report.UsersFetched, report.UsersCreated, report.UsersUpdated,
			report.PunchesFetched, report.PunchesCreated, report.PunchesSkippedDuplicate, report.PunchesInvalid)

		if cfg.ReconcileAfter {
			rep, err := reconciler.Run(ctx, *dev)
			if err != nil {
				log.Printf("reconcile device %s failed: %v", dev.Name, err)
				continue
			}
			log.Printf("device %s: sessions %d teachers %d on-time %d late %d updates %d failed %d",
				dev.Name, rep.SessionsVisited, rep.TeachersMarked, rep.StudentsOnTime,
				rep.StudentsLate, rep.Updates, rep.SessionsFailed)
			if len(rep.DatesWithoutSession) > 0 {
				log.Printf("device %s: no open session on %v", dev.Name, rep.DatesWithoutSession)
			}
		}
	}

	log.Println("worker stopped")
}

// enqueueLoop puts every active device on the queue at each tick.
func enqueueLoop(ctx context.Context, interval time.Duration, repo *sync.Repository, q queue.Queue) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			devices, err := repo.ListDevices(ctx, true)
			if err != nil {
				log.Printf("list devices for scheduled sync failed: %v", err)
				continue
			}
			for _, dev := range devices {
				if err := q.Publish(ctx, queue.Message{Type: "sync", Body: []byte(dev.ID)}); err != nil {
					log.Printf("enqueue scheduled sync for %s failed: %v", dev.ID, err)
				}
			}
		}
	}
}

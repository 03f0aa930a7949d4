package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/bryan-buckman/feedsync/internal/config"
	"github.com/bryan-buckman/feedsync/internal/database"
	"github.com/bryan-buckman/feedsync/internal/feed"
	"github.com/bryan-buckman/feedsync/internal/ledger"
	"github.com/bryan-buckman/feedsync/internal/media"
	"github.com/bryan-buckman/feedsync/internal/metrics"
	"github.com/bryan-buckman/feedsync/internal/model"
	"github.com/bryan-buckman/feedsync/internal/opml"
	"github.com/bryan-buckman/feedsync/internal/reconcile"
	"github.com/bryan-buckman/feedsync/internal/server"
	"github.com/bryan-buckman/feedsync/internal/source"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	cfg.ConfigureLogging()

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Error opening database: %v", err)
	}
	defer store.Close()
	log.Infof("Using %s database", store.DatabaseType())

	minutes := int(cfg.Feed.PollInterval.Std().Minutes())
	if err := store.SetSetting(ctx, database.SettingPollingInterval, strconv.Itoa(minutes)); err != nil {
		log.Warnf("Error saving polling interval: %v", err)
	}

	src, subs, err := openSource(cfg, store)
	if err != nil {
		log.Fatalf("Error configuring source: %v", err)
	}

	m := metrics.New()
	rec := reconcile.New(store, m)
	if cfg.Feed.Seed {
		seedListings(ctx, cfg.Source.Dir, rec)
	}

	files, err := media.NewFileStore(filepath.Join(cfg.DataDir, "media"))
	if err != nil {
		log.Fatalf("Error opening media store: %v", err)
	}
	posts := ledger.New(filepath.Join(cfg.DataDir, ledger.DefaultFileName), store, files)
	if n, err := posts.SyncToStore(ctx); err != nil {
		log.Errorf("Error syncing user posts: %v", err)
	} else if n > 0 {
		log.Infof("Restored %d user posts into the database", n)
	}

	engine := feed.NewEngine(src, rec, feed.Config{
		PageSize: cfg.Feed.PageSize,
		MaxItems: cfg.Feed.MaxItems,
		ErrorTTL: cfg.Feed.ErrorTTL.Std(),
	}, m, model.NetworkCategories...)
	defer engine.Close()

	srv := server.New(server.Options{
		Store:         store,
		Engine:        engine,
		Ledger:        posts,
		Media:         files,
		Poller:        feed.NewPoller(engine, store),
		Metrics:       m,
		Subscriptions: subs,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Shutting down")
		srv.Stop()
		engine.Close()
		store.Close()
		os.Exit(0)
	}()

	if err := srv.Start(cfg.ListenAddr); err != nil {
		log.Fatalf("Error starting server: %v", err)
	}
}

func openStore(ctx context.Context, cfg config.ConfigSchema) (database.Store, error) {
	var store database.Store
	var err error
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		store, err = database.NewPostgres(cfg.Database.URL)
	case config.DriverRedis:
		store, err = database.NewRedis(ctx, database.RedisOptions{
			Addr:      cfg.Database.Redis.Addr,
			Password:  cfg.Database.Redis.Password,
			DB:        cfg.Database.Redis.DB,
			KeyPrefix: cfg.Database.Redis.KeyPrefix,
		})
	case config.DriverMemory:
		store = database.NewMemory()
	default:
		store, err = database.New(cfg.Database.Path)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Database.CacheSize <= 0 {
		return store, nil
	}
	cached, err := database.NewCached(store, cfg.Database.CacheSize)
	if err != nil {
		store.Close()
		return nil, err
	}
	return cached, nil
}

func openSource(cfg config.ConfigSchema, store database.Store) (source.Source, []opml.Subscription, error) {
	var subs []opml.Subscription
	if cfg.Source.OPML != "" {
		f, err := os.Open(cfg.Source.OPML)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()
		if subs, err = opml.Parse(f); err != nil {
			return nil, nil, err
		}
	}

	switch cfg.Source.Kind {
	case config.SourceHTTP:
		return source.NewHTTPSource(cfg.Source.URL, cfg.Source.Timeout.Std()), subs, nil
	case config.SourceRSS:
		return source.NewRSSSource(opml.Group(subs), source.NewGUIDMap(store)), subs, nil
	default:
		return source.NewFileSource(cfg.Source.Dir, nil), subs, nil
	}
}

// seedListings loads the bundled listings into the store without touching
// posts that are already there.
func seedListings(ctx context.Context, dir string, rec *reconcile.Reconciler) {
	files := source.NewFileSource(dir, nil)
	for _, c := range model.NetworkCategories {
		records, err := files.Load(c)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			log.WithField("category", c.String()).Warnf("Error reading bundled listing: %v", err)
			continue
		}
		res := rec.Seed(ctx, records)
		log.WithField("category", c.String()).Infof("Seeded %d posts (%d already stored, %d failed)", res.Inserted, res.Skipped, res.Failed)
	}
}

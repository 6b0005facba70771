package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"faxhistoria.ai/internal/ai/model"
	"faxhistoria.ai/internal/ai/orchestrator"
	"faxhistoria.ai/internal/config"
	"faxhistoria.ai/internal/game"
	"faxhistoria.ai/internal/illustrate"
	"faxhistoria.ai/internal/persistence/backup"
	tlog "faxhistoria.ai/internal/persistence/log"
	"faxhistoria.ai/internal/persistence/pgstore"
	"faxhistoria.ai/internal/persistence/sqlstore"
	"faxhistoria.ai/internal/persistence/store"
	"faxhistoria.ai/internal/sim/catalogs"
	"faxhistoria.ai/internal/transport/httpapi"
	"faxhistoria.ai/internal/transport/ws"
	"faxhistoria.ai/internal/turn"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/server.yaml", "server config path (empty for built-in defaults)")
		addr       = flag.String("addr", "", "http listen address (overrides config)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides config)")
		offline    = flag.Bool("offline", false, "use the scripted offline model instead of the configured provider")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	path := *configPath
	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			logger.Printf("config %s not found; using defaults", path)
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
		cfg.Store.SQLitePath = filepath.Join(*dataDir, "faxhistoria.db")
	}
	if *offline {
		cfg.Model.Provider = "scripted"
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	cat, err := catalogs.Load(cfg.Catalog)
	if err != nil {
		logger.Fatalf("load catalog: %v", err)
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	m, err := openModel(ctx, cfg.Model, logger)
	if err != nil {
		logger.Fatalf("model: %v", err)
	}
	orch, err := orchestrator.New(m, orchestrator.Options{
		MaxRetries: cfg.Model.MaxRetries,
		Logger:     log.New(os.Stdout, "[model] ", log.LstdFlags|log.Lmicroseconds),
	})
	if err != nil {
		logger.Fatalf("orchestrator: %v", err)
	}

	mirror, err := openBackup(cfg, logger)
	if err != nil {
		logger.Fatalf("backup: %v", err)
	}

	var turnLog *tlog.TurnLogger
	if cfg.Turn.TurnLog {
		turnLog = tlog.NewTurnLogger(cfg.DataDir)
		if mirror != nil {
			turnLog.OnClosed(mirror.Enqueue)
		}
	}
	snapDir := ""
	if cfg.Turn.SnapshotFiles {
		snapDir = filepath.Join(cfg.DataDir, "snapshots")
	}
	var files turn.FileSink
	if mirror != nil {
		files = mirror
	}

	illustrator := illustrate.New(illustrate.Config{
		Endpoint:          cfg.Images.Endpoint,
		APIKey:            cfg.Images.APIKey,
		Model:             cfg.Images.Model,
		Size:              cfg.Images.Size,
		Timeout:           cfg.Images.Timeout(),
		PublicBaseURL:     cfg.Images.PublicBaseURL,
		PublicPathPrefix:  cfg.Images.PublicPathPrefix,
		MaxPromptLength:   cfg.Images.MaxPromptLength,
		DeterministicSeed: cfg.Images.DeterministicSeed,
		SeedSalt:          cfg.Images.SeedSalt,
	}, log.New(os.Stdout, "[images] ", log.LstdFlags|log.Lmicroseconds))
	if illustrator == nil {
		logger.Printf("event illustration disabled (images.endpoint is empty)")
	}

	coord, err := turn.New(st, orch, turn.Options{
		DailyLimit:        cfg.Turn.DailyLimit,
		TokenBudget:       cfg.Turn.TokenBudget,
		Lease:             cfg.Turn.Lease(),
		SnapshotEvery:     cfg.Turn.SnapshotEvery,
		HeartbeatInterval: cfg.Turn.Heartbeat(),
		Illustrator:       illustrator,
		TurnLog:           turnLog,
		SnapshotDir:       snapDir,
		Backup:            files,
		Logger:            log.New(os.Stdout, "[turn] ", log.LstdFlags|log.Lmicroseconds),
	})
	if err != nil {
		logger.Fatalf("turn coordinator: %v", err)
	}
	games := game.NewService(st, cat, game.Options{
		SnapshotDir: snapDir,
		Backup:      files,
		Logger:      logger,
	})

	api := httpapi.NewServer(games, coord, httpapi.Options{
		RequestTimeout: cfg.Turn.RequestTimeout(),
		Logger:         log.New(os.Stdout, "[http] ", log.LstdFlags|log.Lmicroseconds),
	})
	wsSrv := ws.NewServer(coord, ws.Options{
		RequestTimeout: cfg.Turn.RequestTimeout(),
		Logger:         log.New(os.Stdout, "[ws] ", log.LstdFlags|log.Lmicroseconds),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		writeMetrics(rw, coord.Metrics(), mirror)
	})
	api.Register(mux)
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

	if envBool("FAX_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", loopbackOnly(pprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", loopbackOnly(pprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", loopbackOnly(pprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", loopbackOnly(pprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", loopbackOnly(pprof.Trace))
	} else {
		logger.Printf("pprof endpoints disabled (FAX_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (store=%s model=%s)", cfg.Addr, cfg.Store.Driver, orch.ModelName())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	// Turns run detached from their requests; let them land before the
	// store goes away.
	drain, cancelDrain := context.WithTimeout(context.Background(), cfg.Turn.RequestTimeout())
	defer cancelDrain()
	errs := drainAll(drain, api.Wait, wsSrv.Wait)
	if errs[0] != nil {
		logger.Printf("http turns still running at exit: %v", errs[0])
	}
	if errs[1] != nil {
		logger.Printf("ws turns still running at exit: %v", errs[1])
	}
	if turnLog != nil {
		if err := turnLog.Close(); err != nil {
			logger.Printf("close turn log: %v", err)
		}
	}
	mirror.Close()
	if c, ok := m.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return pgstore.Open(ctx, cfg.PostgresDSN)
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, err
		}
		return sqlstore.Open(cfg.SQLitePath)
	}
}

func openModel(ctx context.Context, cfg config.ModelConfig, logger *log.Logger) (model.Model, error) {
	if cfg.Provider == "scripted" {
		logger.Printf("using the scripted offline model")
		return model.Offline(), nil
	}
	return model.NewGemini(ctx, model.GeminiConfig{APIKey: cfg.APIKey, Model: cfg.Name})
}

// openBackup returns nil when backups are off; a nil *backup.Mirror is
// safe to use.
func openBackup(cfg config.Config, logger *log.Logger) (*backup.Mirror, error) {
	b := cfg.Backup
	if !b.Enabled() {
		return nil, nil
	}
	bucket, err := backup.NewBucket(b.Endpoint, b.Bucket, b.Region, backup.Credentials{
		AccessKeyID:     b.AccessKeyID,
		SecretAccessKey: b.SecretAccessKey,
	})
	if err != nil {
		return nil, err
	}
	logger.Printf("backing up snapshots and turn logs to %s/%s", b.Endpoint, b.Bucket)
	return backup.NewMirror(bucket, backup.Options{
		Root:    cfg.DataDir,
		Prefix:  b.Prefix,
		Workers: b.Workers,
		Logger:  log.New(os.Stdout, "[backup] ", log.LstdFlags|log.Lmicroseconds),
	})
}

// drainAll runs every wait concurrently under ctx and returns their errors
// in order.
func drainAll(ctx context.Context, waits ...func(context.Context) error) []error {
	errs := make([]error, len(waits))
	var wg sync.WaitGroup
	for i, wait := range waits {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = wait(ctx)
		}()
	}
	wg.Wait()
	return errs
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

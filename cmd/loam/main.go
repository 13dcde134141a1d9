package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/loamdb/loam"
	"github.com/loamdb/loam/internal/config"
	"github.com/loamdb/loam/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to config file (overrides CONFIG_PATH)")
	dataDir := flag.String("data", "", "data directory (used when no config file is given)")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	db, err := loam.OpenWithConfig(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(
			server.MetricsServerConfig{Port: cfg.Metrics.Port},
			db.Metrics(), db.Registry(), db.DiskManager(), db.Ready, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Fatal("failed to start metrics server", zap.Error(err))
		}
	}

	shutdown := func() {
		if metricsServer != nil {
			if err := metricsServer.Stop(); err != nil {
				logger.Error("metrics server stop failed", zap.Error(err))
			}
		}
		if err := db.Close(); err != nil {
			logger.Error("database close failed", zap.Error(err))
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down")
		shutdown()
		os.Exit(0)
	}()

	logger.Info("database ready",
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Uint64("last_seq", db.LastSeq()),
		zap.Int("keys", db.Len()))

	runShell(db)
	shutdown()
}

func loadConfig(configPath, dataDir string) (*config.Config, error) {
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath != "" {
		return config.LoadConfig(configPath)
	}
	if dataDir == "" {
		dataDir = "./data"
	}
	return config.DefaultConfig(dataDir), nil
}

func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = level
	return zcfg.Build()
}

// runShell reads commands from stdin until EOF or quit:
//
//	put <key> <value>
//	get <key>
//	del <key>
//	cas <key> <expected|-> <new|->
//	scan [start] [end]
//	sync
//	quit
func runShell(db *loam.DB) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "put":
			if len(fields) != 3 {
				fmt.Println("usage: put <key> <value>")
				continue
			}
			seq, err := db.Put([]byte(fields[1]), []byte(fields[2]))
			printResult(fmt.Sprintf("ok seq=%d", seq), err)

		case "get":
			if len(fields) != 2 {
				fmt.Println("usage: get <key>")
				continue
			}
			val, err := db.Get([]byte(fields[1]))
			if loam.IsNotFound(err) {
				fmt.Println("not found")
				continue
			}
			printResult(string(val), err)

		case "del":
			if len(fields) != 2 {
				fmt.Println("usage: del <key>")
				continue
			}
			seq, err := db.Delete([]byte(fields[1]))
			printResult(fmt.Sprintf("ok seq=%d", seq), err)

		case "cas":
			if len(fields) != 4 {
				fmt.Println("usage: cas <key> <expected|-> <new|->")
				continue
			}
			expected := optionalArg(fields[2])
			newValue := optionalArg(fields[3])
			seq, err := db.CompareAndSwap([]byte(fields[1]), expected, newValue)
			if loam.IsCASMismatch(err) {
				fmt.Println("mismatch")
				continue
			}
			printResult(fmt.Sprintf("ok seq=%d", seq), err)

		case "scan":
			var start, end []byte
			if len(fields) > 1 {
				start = []byte(fields[1])
			}
			if len(fields) > 2 {
				end = []byte(fields[2])
			}
			count := 0
			err := db.Range(start, end, func(k, v []byte) bool {
				fmt.Printf("%s = %s\n", k, v)
				count++
				return true
			})
			printResult(fmt.Sprintf("%d keys", count), err)

		case "sync":
			printResult("ok", db.Sync())

		case "quit", "exit":
			return

		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}

func optionalArg(s string) []byte {
	if s == "-" {
		return nil
	}
	return []byte(s)
}

func printResult(ok string, err error) {
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println(ok)
}

package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"kitedb/src/directors"
	"kitedb/src/settings"
)

// printUsage prints helpful usage information
func printUsage() {
	log.Println("KiteDB - an embeddable document store")
	log.Println("\nUsage:")
	log.Println("  kitedb [options]")
	log.Println("\nOptions:")
	flag.PrintDefaults()

	log.Println("\nExamples:")
	log.Println("  kitedb --datadir=/data --db=shop")
	log.Println("  kitedb --config=kitedb.yaml --metrics=:2112")
}

func main() {
	var (
		configFile  string
		dataDir     string
		logDir      string
		journalDir  string
		compression string
		database    string
		metricsAddr string
		printScreen bool
		debug       bool
	)

	flag.StringVar(&configFile, "config", "", "Path to YAML config file")
	flag.StringVar(&dataDir, "datadir", "", "Directory holding one sub-directory per database")
	flag.StringVar(&logDir, "logdir", "", "Directory to store log files (default: stdout)")
	flag.StringVar(&journalDir, "journaldir", "", "Directory for transaction journals (empty disables)")
	flag.StringVar(&compression, "compression", "", "Chunk compression: none, zstd or lz4")
	flag.StringVar(&database, "db", "", "Database to select at startup")
	flag.StringVar(&metricsAddr, "metrics", "", "Address to serve Prometheus metrics on, e.g. :2112")
	flag.BoolVar(&printScreen, "print", true, "Print log messages to screen")
	flag.BoolVar(&debug, "debug", false, "Enable debug mode")
	flag.Usage = printUsage
	flag.Parse()

	args, err := settings.LoadSettings(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
		printUsage()
		os.Exit(1)
	}

	// flags given on the command line win over file and environment
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "datadir":
			args.Storage.DataRoot = dataDir
		case "logdir":
			args.Logging.Directory = logDir
		case "journaldir":
			args.Journal.Directory = journalDir
		case "compression":
			args.Storage.Compression = compression
		case "print":
			args.Logging.PrintToScreen = printScreen
		case "debug":
			args.Debug = debug
		}
	})
	if err := args.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
		printUsage()
		os.Exit(1)
	}

	zapLogger, err := settings.BuildLogger(args)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zapLogger.Sync()
	logger := zapLogger.Sugar()

	logger.Infow("KiteDB starting",
		"data_root", args.Storage.DataRoot,
		"compression", args.Storage.Compression,
		"journal", args.Journal.Directory,
		"config", args.ConfigFile,
	)

	var reg prometheus.Registerer
	if metricsAddr != "" {
		registry := prometheus.NewRegistry()
		reg = registry
		go serveMetrics(metricsAddr, registry, logger)
	}

	services := directors.NewServiceManager(args, reg, logger)
	defer func() {
		if err := services.Close(); err != nil {
			logger.Warnf("Error closing databases: %v", err)
		}
	}()

	session := directors.NewSession(services, logger)
	if database != "" {
		if _, err := session.CommandDirector("use " + database); err != nil {
			logger.Fatalf("Failed to open database %s: %v", database, err)
		}
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, syscall.SIGINT, syscall.SIGTERM)
	lines := make(chan string)
	go readLines(lines)

	fmt.Print("> ")
	for {
		select {
		case <-shutdownSignal:
			fmt.Println("\nShutting down...")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "" {
				fmt.Print("> ")
				continue
			}
			resp, err := session.CommandDirector(line)
			if errors.Is(err, directors.ErrExit) {
				return
			}
			if err != nil {
				fmt.Printf("Error: %v\n", err)
			} else {
				fmt.Println(directors.FormatResult(resp))
			}
			fmt.Print("> ")
		}
	}
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	logger.Infof("Prometheus metrics available at http://%s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Errorf("Metrics server stopped: %v", err)
	}
}

package main

import (
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	eb "meshnet/internal/eventBus"
	"meshnet/internal/metrics"
	"meshnet/internal/network"
	"meshnet/internal/sim"
)

func main() {
	if err := os.MkdirAll("logs", 0755); err != nil {
		log.Fatalf("Failed to create logs directory: %v", err)
	}

	// Create log file with timestamp in name
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logFile, err := os.OpenFile("logs/log_"+timestamp+".log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()

	// Write to both the log file and stdout
	multiWriter := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multiWriter)
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	log.Println("Starting simulation...")

	cfg := flag.String("scenario", "scenario.yaml", "YAML or JSON scenario description")
	flag.Parse()

	sc, err := sim.LoadScenario(*cfg)
	if err != nil {
		log.Fatalf("scenario: %v", err)
	}

	bus := eb.NewEventBus()
	net := network.NewNetwork(bus)

	metrics.Global = metrics.NewCollector()

	runner := sim.NewRunner(sc, bus, net, metrics.Global)

	// catch Ctrl-C / SIGTERM / SIGHUP
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	runErr := make(chan error, 1)
	go func() {
		runErr <- runner.Run()
	}()

	select {
	case err := <-runErr:
		if err != nil {
			log.Printf("runner error: %v", err)
		}
	case s := <-sigCh:
		log.Printf("received signal %v: shutting down early…", s)
		runner.Stop()
		if err := <-runErr; err != nil {
			log.Printf("runner stopped with error: %v", err)
		}
	}

	// always flush metrics before exit
	out := sc.Logging.MetricsFile
	if out == "" {
		out = "metrics.json"
	}
	if err := metrics.Global.Flush(out); err != nil {
		log.Printf("flush-metrics: %v", err)
		return
	}
	log.Printf("run complete – stats written to %s", out)
}

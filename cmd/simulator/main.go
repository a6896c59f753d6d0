package main

import (
	"flag"
	"log"

	eb "meshnet/internal/eventBus"
	"meshnet/internal/metrics"
	mq "meshnet/internal/mqtt"
	"meshnet/internal/network"
	"meshnet/internal/server"
	"meshnet/internal/sim"
)

// ----------------------------------------------------------------------------
// Interactive simulator: builds the scenario mesh, runs the first beacon
// wave, then serves the websocket/REST surface for a front end.
// ----------------------------------------------------------------------------

func main() {
	cfg := flag.String("scenario", "scenario.yaml", "YAML or JSON scenario description")
	addr := flag.String("addr", ":8080", "HTTP listen address")
	broker := flag.String("broker", "", "optional MQTT broker URL for physical devices")
	flag.Parse()

	sc, err := sim.LoadScenario(*cfg)
	if err != nil {
		log.Fatalf("scenario: %v", err)
	}

	bus := eb.NewEventBus()
	coll := metrics.NewCollector()
	net := network.NewNetwork(bus)

	runner := sim.NewRunner(sc, bus, net, coll)
	if err := runner.Build(); err != nil {
		log.Fatalf("build: %v", err)
	}

	if *broker != "" {
		manager, err := mq.New(*broker, "meshnet-simulator")
		if err != nil {
			log.Fatalf("mqtt: %v", err)
		}
		defer manager.Disconnect()
		bridge := mq.NewBridge(manager, net, bus)
		if err := bridge.Start(); err != nil {
			log.Fatalf("mqtt bridge: %v", err)
		}
	}

	runner.RunWave()
	log.Printf("initial wave complete, %d device(s) addressed", len(runner.Base().Addresses()))

	srv := server.New(bus, runner, net, coll)
	if err := srv.Start(*addr); err != nil {
		log.Fatalf("server: %v", err)
	}
}

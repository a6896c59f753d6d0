package server

import (
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"

	"meshnet/internal/eventBus"
	"meshnet/internal/metrics"
	"meshnet/internal/network"
	"meshnet/internal/routing"
	"meshnet/internal/sim"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Define a WebSocket upgrader.
var upgrader = websocket.Upgrader{
	// Allow any origin for simplicity. Adjust for production use.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the running mesh to a front end: a websocket event
// stream plus REST endpoints for inspection and injection.
type Server struct {
	bus    *eventBus.EventBus
	runner *sim.Runner
	net    *network.Network
	coll   *metrics.Collector
}

func New(bus *eventBus.EventBus, runner *sim.Runner, net *network.Network, coll *metrics.Collector) *Server {
	return &Server{bus: bus, runner: runner, net: net, coll: coll}
}

// wsHandler upgrades the connection and pushes events from the EventBus.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Upgrade error: %v", err)
		return
	}
	defer conn.Close()

	clientID := uuid.New()
	log.Printf("[server] websocket client %s connected", clientID)

	eventCh := s.bus.Subscribe()
	for event := range eventCh {
		if err := conn.WriteJSON(event); err != nil {
			log.Printf("[server] client %s write error: %v", clientID, err)
			return
		}
	}
}

// NodeState is the inspection view of one device.
type NodeState struct {
	Name         string                    `json:"name"`
	Joined       bool                      `json:"joined"`
	Address      uint8                     `json:"address"`
	PendingChild int                       `json:"pending_children"`
	Routes       []routing.RoutingTableRow `json:"routes"`
}

func (s *Server) nodesHandler(w http.ResponseWriter, r *http.Request) {
	out := make([]NodeState, 0, len(s.runner.Nodes()))
	for name, n := range s.runner.Nodes() {
		out = append(out, NodeState{
			Name:         name,
			Joined:       n.Joined(),
			Address:      n.Address(),
			PendingChild: n.ChildTableLen(),
			Routes:       n.RoutingTableRows(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.coll.Snapshot())
}

// SendCommandPayload asks the base to push a layer 4 command down the tree.
type SendCommandPayload struct {
	Address uint8  `json:"address"`
	Command uint8  `json:"command"`
	Data    string `json:"data"`
}

func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	var payload SendCommandPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.runner.Base().SendCommandTo(payload.Address, payload.Command, []byte(payload.Data))
	s.net.DeliverAll()
	w.Write([]byte("Sending command ..."))
}

// waveHandler triggers a fresh beacon wave.
func (s *Server) waveHandler(w http.ResponseWriter, r *http.Request) {
	s.runner.RunWave()
	w.Write([]byte("Wave complete"))
}

// InjectPayload delivers a raw hex frame to a named node, as if a layer 2
// driver had received it.
type InjectPayload struct {
	Node  string `json:"node"`
	Iface uint8  `json:"iface"`
	Mac   uint8  `json:"mac"`
	Frame string `json:"frame"`
}

func (s *Server) injectHandler(w http.ResponseWriter, r *http.Request) {
	var payload InjectPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, ok := s.runner.Nodes()[payload.Node]
	if !ok {
		http.Error(w, "unknown node", http.StatusBadRequest)
		return
	}
	frame, err := hex.DecodeString(payload.Frame)
	if err != nil {
		http.Error(w, "invalid frame hex", http.StatusBadRequest)
		return
	}
	n.ProcessIncomingPacket(frame, payload.Iface, payload.Mac)
	s.net.DeliverAll()
	w.Write([]byte("Frame injected"))
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.wsHandler)
	mux.HandleFunc("/nodes", s.nodesHandler)
	mux.HandleFunc("/metrics", s.metricsHandler)
	mux.HandleFunc("/send", s.sendHandler)
	mux.HandleFunc("/wave", s.waveHandler)
	mux.HandleFunc("/inject", s.injectHandler)
	return mux
}

// Start serves until the listener fails.
func (s *Server) Start(addr string) error {
	log.Printf("[server] listening on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

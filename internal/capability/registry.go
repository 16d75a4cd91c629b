// Package capability announces this node's speech channels on the control
// plane and keeps a directory of the channels every peer offers.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "ctrl.node.announce"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat"
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry tracks peers by their announcements and heartbeats. A node that
// misses heartbeats for longer than the configured timeout is unhealthy and
// its channels drop out of routing.
type Registry struct {
	cfg   config.NodeConfig
	log   *slog.Logger
	bus   *bus.Client
	local []Capability
	clock func() time.Time

	mu    sync.RWMutex
	nodes map[string]*NodeInfo

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	subs         []*nats.Subscription
	registration metric.Registration
}

// NewRegistry subscribes to the control plane and the channel directory
// subject, announces the configured capabilities plus channels, and starts
// heartbeating.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, channels []Capability, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		local:  append(convertCapabilities(cfg.Capabilities), channels...),
		clock:  time.Now,
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.loop(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
	if r.registration != nil {
		_ = r.registration.Unregister()
		r.registration = nil
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{SubjectAnnounce, r.handleAnnounce},
		{SubjectHeartbeatPrefix + ".*", r.handleHeartbeat},
		{directorySubject, r.handleDirectory},
	}
	for _, h := range handlers {
		sub, err := conn.Subscribe(h.subject, h.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	return conn.Flush()
}

// loop heartbeats and re-evaluates peer health until ctx is done.
func (r *Registry) loop(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()
	health := time.NewTicker(time.Second)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case <-health.C:
			r.evaluateHealth(r.clock())
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.local,
		Timestamp:    r.clock().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(SubjectAnnounce, payload); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	payload, err := json.Marshal(heartbeatMessage{NodeID: r.cfg.ID, Timestamp: r.clock().UTC()})
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(SubjectHeartbeatPrefix+"."+r.cfg.ID, payload)
}

// handleAnnounce records a peer. A peer seen for the first time gets our own
// announcement back so nodes that start later learn about earlier ones.
func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.NodeID == "" {
		r.log.Warn("invalid announce message", slog.String("subject", msg.Subject))
		return
	}
	if announcement.NodeID == r.cfg.ID {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.clock().UTC()
	}
	if isNew := r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp); isNew {
		r.log.Info("peer discovered",
			slog.String("node", announcement.NodeID),
			slog.Int("channels", len(routesOf(announcement.NodeID, announcement.Capabilities, true))),
		)
		if err := r.announce(); err != nil {
			r.log.Warn("failed to answer peer announcement", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message", slog.String("subject", msg.Subject))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, hb.Timestamp)
}

// updateNode records a sighting and reports whether the node was unknown.
func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, timestamp time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if capabilities != nil {
		node.Capabilities = capabilities
	}
	if timestamp.After(node.LastSeen) {
		node.LastSeen = timestamp
	}
	node.Healthy = true
	return !ok
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for id, node := range r.nodes {
		healthy := now.Sub(node.LastSeen) <= timeout
		if node.Healthy && !healthy {
			r.log.Warn("peer missed heartbeats", slog.String("node", id))
		}
		node.Healthy = healthy
	}
}

// Healthy reports whether this node still sees its own heartbeats.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns the known nodes accepted by filter, ordered by id.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

// LocalCapabilities returns what this node announced.
func (r *Registry) LocalCapabilities() []Capability {
	return append([]Capability(nil), r.local...)
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-tts/capability")
	nodes, err := meter.Int64ObservableGauge("loqa.tts.nodes",
		metric.WithDescription("Speech nodes known on the bus"))
	if err != nil {
		return err
	}
	routes, err := meter.Int64ObservableGauge("loqa.tts.routes",
		metric.WithDescription("Speech channels offered by healthy nodes"))
	if err != nil {
		return err
	}
	r.registration, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(nodes, int64(len(r.Query(nil))))
		var usable, unusable int64
		for _, route := range r.Channels(WithHealthyNodes()) {
			if route.Usable {
				usable++
			} else {
				unusable++
			}
		}
		obs.ObserveInt64(routes, usable, metric.WithAttributes(attribute.Bool("usable", true)))
		obs.ObserveInt64(routes, unusable, metric.WithAttributes(attribute.Bool("usable", false)))
		return nil
	}, nodes, routes)
	return err
}

func convertCapabilities(source []config.NodeCapability) []Capability {
	if len(source) == 0 {
		return nil
	}
	result := make([]Capability, 0, len(source))
	for _, c := range source {
		result = append(result, Capability{
			Name:       c.Name,
			Tier:       c.Tier,
			Attributes: c.Attributes,
		})
	}
	return result
}

// Package presence tracks which voice search nodes and audio sources are
// online. Every node announces its capabilities once, then heartbeats; a
// peer that stays silent past the timeout is marked unhealthy until it is
// heard from again.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicesearch/internal/bus"
	"github.com/loqalabs/loqa-voicesearch/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "ctrl.node.announce"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat"
)

// Capability names advertised by voice search deployments.
const (
	CapabilitySearch      = "search.voice"
	CapabilityAudioSource = "audio.source"
	CapabilitySpeech      = "tts.speak"
)

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type Node struct {
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

type Registry struct {
	cfg  config.NodeConfig
	caps []Capability
	bus  *bus.Client
	log  *slog.Logger

	mu    sync.RWMutex
	nodes map[string]*Node
	now   func() time.Time

	subs   []*nats.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
	reg    metric.Registration
}

// New subscribes to peer traffic, announces this node and starts the
// heartbeat and health loops.
func New(ctx context.Context, cfg config.NodeConfig, client *bus.Client, caps []Capability, log *slog.Logger) (*Registry, error) {
	if cfg.HeartbeatIntervalMS <= 0 || cfg.HeartbeatTimeoutMS <= 0 {
		return nil, fmt.Errorf("presence needs positive heartbeat interval and timeout")
	}
	r := &Registry{
		cfg:   cfg,
		caps:  caps,
		bus:   client,
		log:   log.With(slog.String("component", "presence"), slog.String("node_id", cfg.ID)),
		nodes: make(map[string]*Node),
		now:   func() time.Time { return time.Now().UTC() },
	}

	if err := r.subscribe(); err != nil {
		r.unsubscribe()
		return nil, err
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}
	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slogError(err))
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.run(ctx)
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.unsubscribe()
	if r.reg != nil {
		_ = r.reg.Unregister()
	}
}

func (r *Registry) subscribe() error {
	announceSub, err := r.bus.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := r.bus.Subscribe(SubjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) unsubscribe() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatIntervalMS) * time.Millisecond)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.caps,
		Timestamp:    r.now(),
	}
	if err := r.bus.PublishJSON(SubjectAnnounce, msg); err != nil {
		return err
	}
	r.update(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{NodeID: r.cfg.ID, Timestamp: r.now()}
	r.update(msg.NodeID, "", nil, msg.Timestamp)
	return r.bus.PublishJSON(SubjectHeartbeatPrefix+"."+r.cfg.ID, msg)
}

// handleAnnounce records a peer. A peer seen for the first time gets our
// announcement back so late joiners learn about existing nodes.
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
		announcement.Timestamp = r.now()
	}
	if isNew := r.update(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp); isNew {
		r.log.Info("node joined", slog.String("peer", announcement.NodeID), slog.String("role", announcement.Role))
		if err := r.announce(); err != nil {
			r.log.Warn("failed to answer announcement", slogError(err))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message", slog.String("subject", msg.Subject))
		return
	}
	if hb.NodeID == r.cfg.ID {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now()
	}
	r.update(hb.NodeID, "", nil, hb.Timestamp)
}

// update marks nodeID healthy and reports whether it was unknown.
func (r *Registry) update(nodeID, role string, caps []Capability, seen time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &Node{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(caps) > 0 {
		node.Capabilities = caps
	}
	if seen.After(node.LastSeen) {
		node.LastSeen = seen
	}
	if !node.Healthy && ok {
		r.log.Info("node recovered", slog.String("peer", nodeID))
	}
	node.Healthy = true
	return !ok
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeoutMS) * time.Millisecond
	now := r.now()
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("node missed heartbeats", slog.String("peer", node.ID), slog.Time("last_seen", node.LastSeen))
		}
	}
}

// Healthy reports whether this node's own heartbeat is current.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns copies of the nodes accepted by every filter, ordered by ID.
func (r *Registry) Query(filters ...func(Node) bool) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Node
next:
	for _, node := range r.nodes {
		n := *node
		n.Capabilities = append([]Capability(nil), node.Capabilities...)
		for _, f := range filters {
			if !f(n) {
				continue next
			}
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func HealthyOnly(n Node) bool { return n.Healthy }

// WithCapability accepts nodes advertising name. Each attrs pair must match
// the capability's attributes.
func WithCapability(name string, attrs ...string) func(Node) bool {
	return func(n Node) bool {
		for _, c := range n.Capabilities {
			if c.Name == name && matches(c.Attributes, attrs) {
				return true
			}
		}
		return false
	}
}

func matches(have map[string]string, pairs []string) bool {
	for i := 0; i+1 < len(pairs); i += 2 {
		if have[pairs[i]] != pairs[i+1] {
			return false
		}
	}
	return true
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-voicesearch/presence")
	gauge, err := meter.Int64ObservableGauge("voicesearch.presence.nodes", metric.WithDescription("Known nodes by health"))
	if err != nil {
		return err
	}
	r.reg, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		healthy, stale := r.counts()
		obs.ObserveInt64(gauge, healthy, metric.WithAttributes(attribute.Bool("healthy", true)))
		obs.ObserveInt64(gauge, stale, metric.WithAttributes(attribute.Bool("healthy", false)))
		return nil
	}, gauge)
	return err
}

func (r *Registry) counts() (healthy, stale int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, node := range r.nodes {
		if node.Healthy {
			healthy++
		} else {
			stale++
		}
	}
	return healthy, stale
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

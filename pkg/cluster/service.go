package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ajsinha/dgfacade/pkg/models"
)

// ErrNoExecutor indicates no UP peer with an executor role is available.
var ErrNoExecutor = errors.New("no executor node available")

// Peer liveness thresholds, in heartbeat intervals (see refreshStatuses).
const (
	suspectAfterIntervals = 2
	downAfterIntervals    = 5
	evictDownAfter        = 10 * time.Minute
	evictLeavingAfter     = 60 * time.Second
)

// Settings configures the cluster service.
type Settings struct {
	NodeID            string
	Host              string
	Port              int
	Version           string
	Role              NodeRole
	Seeds             []string // peer base URLs; empty means standalone
	HeartbeatInterval time.Duration
}

// LoadReporter supplies the node's live execution counters for heartbeats.
type LoadReporter interface {
	ActiveCount() int
}

// Service maintains the peer table and runs the heartbeat loop. The peer
// table has a single writer (the heartbeat goroutine plus inbound heartbeat
// handling) and many readers.
//
// Standalone mode (no seeds) is a no-op: Start returns immediately and
// ShouldForward is always false.
type Service struct {
	settings Settings
	load     LoadReporter
	client   *http.Client

	mu        sync.RWMutex
	peers     map[string]*NodeState
	seedURLs  []string
	rrCounter int

	totalRequests int64
	forwarded     int64
	received      int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cluster service. load may be nil (counter reads 0).
func NewService(settings Settings, load LoadReporter) *Service {
	if settings.HeartbeatInterval <= 0 {
		settings.HeartbeatInterval = 10 * time.Second
	}
	if settings.Role == "" {
		settings.Role = RoleBoth
	}
	return &Service{
		settings: settings,
		load:     load,
		client:   &http.Client{Timeout: 5 * time.Second},
		peers:    make(map[string]*NodeState),
		seedURLs: settings.Seeds,
	}
}

// Enabled reports whether clustering is configured.
func (s *Service) Enabled() bool {
	return len(s.seedURLs) > 0
}

// Self builds this node's current state record.
func (s *Service) Self() NodeState {
	active := 0
	if s.load != nil {
		active = s.load.ActiveCount()
	}
	s.mu.RLock()
	total, fwd, rcv := s.totalRequests, s.forwarded, s.received
	s.mu.RUnlock()

	return NodeState{
		NodeID:         s.settings.NodeID,
		Host:           s.settings.Host,
		Port:           s.settings.Port,
		Version:        s.settings.Version,
		Role:           s.settings.Role,
		Status:         StatusUp,
		LastHeartbeat:  time.Now(),
		ActiveHandlers: active,
		TotalRequests:  total,
		Forwarded:      fwd,
		Received:       rcv,
	}
}

// Start launches the heartbeat loop. No-op when standalone.
func (s *Service) Start(ctx context.Context) {
	if !s.Enabled() || s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cluster service started",
		"node_id", s.settings.NodeID,
		"role", s.settings.Role,
		"seeds", s.seedURLs,
		"interval", s.settings.HeartbeatInterval)
}

// Stop halts the heartbeat loop.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cluster service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.heartbeatAll(ctx)

	ticker := time.NewTicker(s.settings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeatAll(ctx)
			s.refreshStatuses()
		}
	}
}

// heartbeatAll POSTs this node's state to every known peer (seeds plus
// discovered) and merges each response.
func (s *Service) heartbeatAll(ctx context.Context) {
	targets := s.heartbeatTargets()
	self := s.Self()
	body, err := json.Marshal(self)
	if err != nil {
		return
	}

	for _, target := range targets {
		peerState, err := s.sendHeartbeat(ctx, target, body)
		if err != nil {
			slog.Debug("Heartbeat failed", "target", target, "error", err)
			continue
		}
		s.mergePeer(peerState)
	}
}

// heartbeatTargets is seeds ∪ discovered peer URLs, excluding self.
func (s *Service) heartbeatTargets() []string {
	seen := make(map[string]bool)
	var targets []string
	for _, seed := range s.seedURLs {
		if !seen[seed] {
			seen[seed] = true
			targets = append(targets, seed)
		}
	}
	s.mu.RLock()
	for _, p := range s.peers {
		u := p.BaseURL()
		if !seen[u] {
			seen[u] = true
			targets = append(targets, u)
		}
	}
	s.mu.RUnlock()
	return targets
}

func (s *Service) sendHeartbeat(ctx context.Context, baseURL string, body []byte) (*NodeState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL+"/cluster/heartbeat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("heartbeat status %d", resp.StatusCode)
	}

	var peer NodeState
	if err := json.NewDecoder(resp.Body).Decode(&peer); err != nil {
		return nil, err
	}
	return &peer, nil
}

// HandleHeartbeat processes an inbound heartbeat: merge the sender's state
// and return this node's. Wired to POST /cluster/heartbeat.
func (s *Service) HandleHeartbeat(sender *NodeState) NodeState {
	s.mergePeer(sender)
	return s.Self()
}

// mergePeer installs a peer record, stamping receipt time and UP status.
func (s *Service) mergePeer(peer *NodeState) {
	if peer == nil || peer.NodeID == "" || peer.NodeID == s.settings.NodeID {
		return
	}
	cp := *peer
	cp.LastHeartbeat = time.Now()
	if cp.Status != StatusLeaving {
		cp.Status = StatusUp
	}

	s.mu.Lock()
	s.peers[cp.NodeID] = &cp
	s.mu.Unlock()
}

// refreshStatuses reclassifies peers by heartbeat age and evicts the dead.
func (s *Service) refreshStatuses() {
	interval := s.settings.HeartbeatInterval
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, p := range s.peers {
		age := now.Sub(p.LastHeartbeat)
		switch {
		case p.Status == StatusLeaving:
			if age > evictLeavingAfter {
				delete(s.peers, id)
			}
		case age > time.Duration(downAfterIntervals)*interval:
			p.Status = StatusDown
			if age > evictDownAfter {
				delete(s.peers, id)
			}
		case age > time.Duration(suspectAfterIntervals)*interval:
			p.Status = StatusSuspect
		default:
			p.Status = StatusUp
		}
	}
}

// Nodes returns this node plus every known peer.
func (s *Service) Nodes() []NodeState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]NodeState, 0, len(s.peers)+1)
	out = append(out, s.Self())
	for _, p := range s.peers {
		out = append(out, *p)
	}
	return out
}

// ShouldForward reports whether a request must execute on a peer: the node
// is clustered and its role excludes execution.
func (s *Service) ShouldForward() bool {
	return s.Enabled() && !s.settings.Role.CanExecute()
}

// PickExecutor selects an UP executor-capable peer round-robin.
func (s *Service) PickExecutor() (*NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*NodeState
	for _, p := range s.peers {
		if p.Status == StatusUp && p.Role.CanExecute() {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoExecutor
	}
	// Map iteration order is random; a stable order makes the counter rotate.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].NodeID < candidates[j].NodeID
	})

	pick := candidates[s.rrCounter%len(candidates)]
	s.rrCounter++
	cp := *pick
	return &cp, nil
}

// ForwardEnvelope is the wire body of POST /cluster/forward.
type ForwardEnvelope struct {
	Request      *models.Request `json:"request"`
	OriginNodeID string          `json:"origin_node_id"`
}

// Forward sends a request to a peer's forward endpoint and returns its
// response.
func (s *Service) Forward(ctx context.Context, peer *NodeState, request *models.Request) (*models.Response, error) {
	body, err := json.Marshal(&ForwardEnvelope{
		Request:      request,
		OriginNodeID: s.settings.NodeID,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		peer.BaseURL()+"/cluster/forward", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forward status %d: %s", resp.StatusCode, data)
	}

	var response models.Response
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.forwarded++
	s.mu.Unlock()
	return &response, nil
}

// RecordRequest counts one locally dispatched request.
func (s *Service) RecordRequest() {
	s.mu.Lock()
	s.totalRequests++
	s.mu.Unlock()
}

// RecordReceived counts one request received via the forward endpoint.
func (s *Service) RecordReceived() {
	s.mu.Lock()
	s.received++
	s.mu.Unlock()
}

// Package session implements the session manager: monotonic
// sequence assignment layered on the session store, auto-checkpoint
// scheduling, and the single-writer emitEvent path every agent action
// funnels through.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/repograph/pkg/checkpoint"
	"github.com/cuemby/repograph/pkg/events"
	"github.com/cuemby/repograph/pkg/kgerrors"
	"github.com/cuemby/repograph/pkg/log"
	"github.com/cuemby/repograph/pkg/metrics"
	"github.com/cuemby/repograph/pkg/sessionstore"
	"github.com/cuemby/repograph/pkg/types"
	"github.com/rs/zerolog"
)

// Config configures the session manager.
type Config struct {
	DefaultTTL          time.Duration
	CheckpointInterval  int
	MaxEventsPerSession int
	GraceTTL            time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:          24 * time.Hour,
		CheckpointInterval:  50,
		MaxEventsPerSession: 10000,
		GraceTTL:            10 * time.Minute,
	}
}

// sessionCounter tracks the per-process monotonic seq counter for one
// session, primed from the store at first touch.
type sessionCounter struct {
	mu             sync.Mutex
	seq            int64
	eventsSinceCkpt int
}

// Manager is the session manager.
type Manager struct {
	cfg     Config
	store   sessionstore.Store
	broker  *events.Broker
	runner  *checkpoint.Runner
	logger  zerolog.Logger

	mu       sync.Mutex
	counters map[string]*sessionCounter

	jobSub events.Subscriber
}

// NewManager builds a Manager layered on store, publishing to broker and
// submitting checkpoint jobs to runner. When a broker is present the
// manager watches for completed checkpoint jobs and relays
// checkpoint_complete onto the owning session's channel.
func NewManager(cfg Config, store sessionstore.Store, broker *events.Broker, runner *checkpoint.Runner) *Manager {
	m := &Manager{
		cfg:      cfg,
		store:    store,
		broker:   broker,
		runner:   runner,
		logger:   log.WithComponent("session-manager"),
		counters: make(map[string]*sessionCounter),
	}
	if broker != nil {
		m.jobSub = broker.Subscribe(events.EventJobCompleted)
		go m.watchJobs()
	}
	return m
}

// watchJobs relays completed checkpoint jobs onto the owning session's
// pub/sub channel so observers holding only a session subscription learn
// the checkpoint finished. The subscription is filtered to jobCompleted.
func (m *Manager) watchJobs() {
	for ev := range m.jobSub {
		sid := ev.SessionID
		if sid == "" {
			continue
		}
		msg := `{"type":"checkpoint_complete","jobId":"` + ev.JobID + `"}`
		if err := m.store.PublishSessionUpdate(context.Background(), sid, msg); err != nil {
			logger := log.ForSession(m.logger, sid)
			logger.Warn().Err(err).Msg("failed to publish checkpoint_complete")
		}
	}
}

// CreateSession creates a new session with the given initial agent.
func (m *Manager) CreateSession(ctx context.Context, sessionID, agentID string, initialEntityIDs []string) (*types.Session, error) {
	sess := &types.Session{
		SessionID: sessionID,
		AgentIDs:  map[string]struct{}{agentID: {}},
		State:     types.SessionWorking,
		Metadata:  map[string]any{"initialEntityIds": initialEntityIDs},
	}
	if err := m.store.CreateSession(ctx, sess, m.cfg.DefaultTTL); err != nil {
		return nil, err
	}
	metrics.SessionsActive.Inc()
	m.counter(sessionID)
	return sess, nil
}

// JoinSession adds agentID to an existing session.
func (m *Manager) JoinSession(ctx context.Context, sessionID, agentID string) error {
	exists, err := m.store.Exists(ctx, sessionID)
	if err != nil {
		return err
	}
	if !exists {
		return kgerrors.Business(kgerrors.CodeSessionNotFound, "session %s not found", sessionID)
	}
	if err := m.store.AddAgent(ctx, sessionID, agentID); err != nil {
		return err
	}
	m.store.PublishSessionUpdate(ctx, sessionID, `{"type":"agentJoined","agentId":"`+agentID+`"}`)
	return nil
}

// LeaveSession removes agentID. When the last agent leaves, both the
// session and its event log receive graceTTL.
func (m *Manager) LeaveSession(ctx context.Context, sessionID, agentID string) error {
	remaining, err := m.store.RemoveAgent(ctx, sessionID, agentID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		if err := m.store.SetTTL(ctx, sessionID, m.cfg.GraceTTL); err != nil {
			return err
		}
		metrics.SessionsActive.Dec()
	}
	m.store.PublishSessionUpdate(ctx, sessionID, `{"type":"agentLeft","agentId":"`+agentID+`"}`)
	return nil
}

// counter returns (creating if needed) the in-memory seq counter for a
// session. Safe for concurrent callers.
func (m *Manager) counter(sessionID string) *sessionCounter {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[sessionID]
	if !ok {
		c = &sessionCounter{}
		m.counters[sessionID] = c
	}
	return c
}

// primeSeq hydrates a counter from store state at first touch.
func (m *Manager) primeSeq(ctx context.Context, sessionID string, c *sessionCounter) error {
	if c.seq != 0 {
		return nil
	}
	highest, err := m.store.HighestSeq(ctx, sessionID)
	if err != nil {
		return err
	}
	c.seq = highest
	return nil
}

// EmitEvent is the single write path for session activity: it assigns the
// next seq, appends to the store, refreshes TTL, publishes a
// notification, and triggers auto-checkpoint every CheckpointInterval
// events. It never fails the caller because the knowledge graph or
// checkpoint pipeline is unavailable — only store append errors
// are returned.
func (m *Manager) EmitEvent(ctx context.Context, sessionID string, event *types.SessionEvent) (*types.SessionEvent, error) {
	c := m.counter(sessionID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := m.primeSeq(ctx, sessionID, c); err != nil {
		return nil, err
	}

	c.seq++
	event.Seq = c.seq
	event.SessionID = sessionID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := m.store.AddEvent(ctx, sessionID, event); err != nil {
		var kerr *kgerrors.Error
		if kgerrors.As(err, &kerr) && kerr.Code == kgerrors.CodeSequenceReplay {
			// Another process advanced the log; drop the cached counter so
			// the next emit re-primes from the store.
			c.seq = 0
		}
		return nil, err
	}
	metrics.SessionEventsTotal.Inc()
	m.store.SetTTL(ctx, sessionID, m.cfg.DefaultTTL)

	if data, err := json.Marshal(event); err == nil {
		m.store.PublishSessionUpdate(ctx, sessionID, string(data))
	}

	c.eventsSinceCkpt++
	if m.cfg.CheckpointInterval > 0 && c.eventsSinceCkpt >= m.cfg.CheckpointInterval {
		c.eventsSinceCkpt = 0
		go m.autoCheckpoint(sessionID)
	}

	return event, nil
}

// autoCheckpoint snapshots recent events, submits a checkpoint job
// rather than blocking emitEvent, and applies graceTTL so observers can
// finish reading.
func (m *Manager) autoCheckpoint(sessionID string) {
	ctx := context.Background()
	if err := m.Checkpoint(ctx, sessionID); err != nil {
		logger := log.ForSession(m.logger, sessionID)
		logger.Warn().Err(err).Msg("auto-checkpoint failed")
	}
}

// Checkpoint snapshots recent events and submits a checkpoint job,
// applying graceTTL to let observers finish reading.
func (m *Manager) Checkpoint(ctx context.Context, sessionID string) error {
	recent, err := m.store.GetRecentEvents(ctx, sessionID, 100)
	if err != nil {
		return err
	}

	job := &types.CheckpointJob{
		ID: sessionID + "-" + time.Now().UTC().Format("20060102T150405.000000000"),
		Payload: types.CheckpointPayload{
			SessionID:      sessionID,
			Reason:         types.CheckpointManual,
			EventsSnapshot: recent,
		},
		Status: types.JobQueued,
	}

	if m.runner != nil {
		m.runner.Submit(job)
	}

	if err := m.store.SetTTL(ctx, sessionID, m.cfg.GraceTTL); err != nil {
		return err
	}
	if m.broker != nil {
		m.broker.Publish(&events.Event{Type: events.EventJobEnqueued, SessionID: sessionID, JobID: job.ID})
	}
	return nil
}

// GetSessionsByAgent is a placeholder best-effort lookup; a production
// deployment would maintain a secondary agent->sessions index. Here we
// rely on the caller supplying candidate session ids obtained elsewhere
// (e.g. from the bridge's entity-anchor index) and simply filter by membership.
func (m *Manager) GetSessionsByAgent(ctx context.Context, agentID string, candidateSessionIDs []string) ([]*types.Session, error) {
	var out []*types.Session
	for _, id := range candidateSessionIDs {
		sess, err := m.store.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			continue
		}
		if _, ok := sess.AgentIDs[agentID]; ok {
			out = append(out, sess)
		}
	}
	return out, nil
}

// ListActiveSessions returns sessions with State == working among the
// supplied candidate ids.
func (m *Manager) ListActiveSessions(ctx context.Context, candidateSessionIDs []string) ([]*types.Session, error) {
	var out []*types.Session
	for _, id := range candidateSessionIDs {
		sess, err := m.store.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess != nil && sess.State == types.SessionWorking {
			out = append(out, sess)
		}
	}
	return out, nil
}

// PerformMaintenance is a no-op hook for periodic cleanup (the store's TTL
// expiry handles cleanup; this exists for symmetry with the checkpoint
// runner's and rollback manager's sweeps
// and future maintenance tasks).
func (m *Manager) PerformMaintenance(ctx context.Context) error {
	return nil
}

// HealthCheck reports whether the manager can reach its backing store.
func (m *Manager) HealthCheck(ctx context.Context) error {
	_, err := m.store.Exists(ctx, "__healthcheck__")
	return err
}

// Close releases in-memory counters and the checkpoint-completion watcher.
func (m *Manager) Close() error {
	if m.jobSub != nil && m.broker != nil {
		m.broker.Unsubscribe(m.jobSub)
		m.jobSub = nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = make(map[string]*sessionCounter)
	return nil
}

// Package bridge implements the session bridge: a read-side join of
// session events with graph queries, producing enriched views for agents
// picking up or inspecting a session's history. Every graph call is
// best-effort — when the graph service is unavailable the bridge degrades
// to the session-only subset rather than failing.
package bridge

import (
	"context"
	"sort"

	"github.com/cuemby/repograph/pkg/graph"
	"github.com/cuemby/repograph/pkg/log"
	"github.com/cuemby/repograph/pkg/sessionstore"
	"github.com/cuemby/repograph/pkg/types"
	"github.com/rs/zerolog"
)

// ActiveSessionIndex supplies the set of currently active session ids the
// bridge should scan when joining events against an entity. A production
// deployment backs this with a secondary index maintained by the session
// manager; tests may
// use a static list.
type ActiveSessionIndex interface {
	ListActiveSessionIDs(ctx context.Context) ([]string, error)
}

// Config configures the bridge.
type Config struct {
	MaxHops           int
	HandoffEventCount int
	ScanEventCount    int // how many recent events per session to scan when joining against an entity id
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxHops: 2, HandoffEventCount: 20, ScanEventCount: 200}
}

// Transition is a significant session-state or outcome change, optionally
// enriched with a bounded graph traversal from the entities it touched.
type Transition struct {
	Seq          int64
	Timestamp    string
	Type         types.SessionEventType
	Actor        string
	EntityIDs    []string
	Reason       string
	GraphContext []graph.Row
}

// EntityImpactAggregate summarizes the events that touched one entity
// within a session, for IsolateSession.
type EntityImpactAggregate struct {
	EntityID      string
	EventCount    int
	HighestSeverity string
	OutcomeCounts map[string]int
}

// IsolatedView is one agent's slice of a session: only the events it
// authored, plus per-entity impact rollups.
type IsolatedView struct {
	SessionID string
	AgentID   string
	Events    []*types.SessionEvent
	Impacts   map[string]*EntityImpactAggregate
}

// HandoffContext gives an agent joining mid-session the minimum it needs:
// recent activity, one-hop graph context around touched entities, and a
// short textual summary.
type HandoffContext struct {
	SessionID     string
	JoiningAgent  string
	RecentEvents  []*types.SessionEvent
	GraphContext  []graph.Row
	Advice        string
}

// QueryOptions narrows which sessions count as candidates.
type QueryOptions struct {
	ActiveOnly bool
}

// SessionAggregates summarizes session activity across a set of entities.
type SessionAggregates struct {
	SessionCount   int
	UniqueAgents   map[string]struct{}
	OutcomeCounts  map[string]int
	AvgPerfDeltaPct float64
	MinPerfDeltaPct float64
	MaxPerfDeltaPct float64
}

// Bridge is the session bridge.
type Bridge struct {
	cfg    Config
	store  sessionstore.Store
	query  graph.QueryExecutor // optional; nil disables graph enrichment
	index  ActiveSessionIndex  // optional; nil disables cross-session entity search
	logger zerolog.Logger
}

// NewBridge builds a Bridge. query and index may be nil; every call site
// that uses them degrades gracefully when they are absent.
func NewBridge(cfg Config, store sessionstore.Store, query graph.QueryExecutor, index ActiveSessionIndex) *Bridge {
	return &Bridge{
		cfg:    cfg,
		store:  store,
		query:  query,
		index:  index,
		logger: log.WithComponent("session-bridge"),
	}
}

// GetTransitions detects significant transitions in a session's event log
// (working->broken, test pass->broke, severity>=high, perfDelta<-5),
// optionally filtered to one entity, enriched with a bounded graph
// traversal when a query executor is available.
func (b *Bridge) GetTransitions(ctx context.Context, sessionID, entityID string) ([]*Transition, error) {
	events, err := b.store.GetRecentEvents(ctx, sessionID, b.cfg.ScanEventCount)
	if err != nil {
		return nil, err
	}

	var transitions []*Transition
	var lastOutcome string
	for _, e := range events {
		if entityID != "" && !containsEntity(e.ChangeInfo.EntityIDs, entityID) {
			continue
		}
		reason, significant := classifyTransition(e, lastOutcome)
		if e.Impact != nil {
			lastOutcome = e.Impact.TestOutcome
		}
		if !significant {
			continue
		}

		t := &Transition{
			Seq:       e.Seq,
			Timestamp: e.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
			Type:      e.Type,
			Actor:     e.Actor,
			EntityIDs: e.ChangeInfo.EntityIDs,
			Reason:    reason,
		}
		t.GraphContext = b.enrichEntities(ctx, e.ChangeInfo.EntityIDs)
		transitions = append(transitions, t)
	}
	return transitions, nil
}

// classifyTransition reports whether event e represents a significant
// transition and why.
func classifyTransition(e *types.SessionEvent, previousOutcome string) (reason string, significant bool) {
	if e.StateTransition != nil {
		if e.StateTransition.From == types.SessionWorking && e.StateTransition.To == types.SessionBroken {
			return "working_to_broken", true
		}
	}
	if e.Impact != nil {
		if previousOutcome == "pass" && e.Impact.TestOutcome == "broke" {
			return "test_pass_to_broke", true
		}
		if e.Impact.Severity == "high" || e.Impact.Severity == "critical" {
			return "high_severity_impact", true
		}
		if e.Impact.PerfDeltaPct < -5 {
			return "performance_regression", true
		}
	}
	return "", false
}

func containsEntity(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// enrichEntities runs a bounded (<=MaxHops) traversal over
// IMPACTS|IMPLEMENTS_CLUSTER|PERFORMS_FOR from entityIDs. Best-effort: a
// nil query executor or a query error yields an empty result, never a
// failure.
func (b *Bridge) enrichEntities(ctx context.Context, entityIDs []string) []graph.Row {
	if b.query == nil || len(entityIDs) == 0 {
		return nil
	}
	const q = `MATCH (e)-[r:IMPACTS|IMPLEMENTS_CLUSTER|PERFORMS_FOR*1..$hops]-(n) WHERE e.id IN $ids RETURN n`
	rows, err := b.query.Query(ctx, q, map[string]any{"ids": entityIDs, "hops": b.cfg.MaxHops})
	if err != nil {
		b.logger.Debug().Err(err).Msg("graph enrichment unavailable, degrading to session-only view")
		return nil
	}
	return rows
}

// IsolateSession filters a session's events to one agent's actions and
// aggregates per-entity impacts across them.
func (b *Bridge) IsolateSession(ctx context.Context, sessionID, agentID string) (*IsolatedView, error) {
	events, err := b.store.GetRecentEvents(ctx, sessionID, b.cfg.ScanEventCount)
	if err != nil {
		return nil, err
	}

	view := &IsolatedView{
		SessionID: sessionID,
		AgentID:   agentID,
		Impacts:   make(map[string]*EntityImpactAggregate),
	}
	for _, e := range events {
		if e.Actor != agentID {
			continue
		}
		view.Events = append(view.Events, e)
		for _, eid := range e.ChangeInfo.EntityIDs {
			agg, ok := view.Impacts[eid]
			if !ok {
				agg = &EntityImpactAggregate{EntityID: eid, OutcomeCounts: make(map[string]int)}
				view.Impacts[eid] = agg
			}
			agg.EventCount++
			if e.Impact != nil {
				agg.OutcomeCounts[e.Impact.TestOutcome]++
				if severityRank(e.Impact.Severity) > severityRank(agg.HighestSeverity) {
					agg.HighestSeverity = e.Impact.Severity
				}
			}
		}
	}
	return view, nil
}

func severityRank(s string) int {
	switch s {
	case "critical":
		return 4
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	default:
		return 0
	}
}

// GetHandoffContext returns the last HandoffEventCount events, a one-hop
// graph context around the entities they touched, and a short textual
// summary for an agent joining the session.
func (b *Bridge) GetHandoffContext(ctx context.Context, sessionID, joiningAgent string) (*HandoffContext, error) {
	events, err := b.store.GetRecentEvents(ctx, sessionID, b.cfg.HandoffEventCount)
	if err != nil {
		return nil, err
	}

	entityIDs := make(map[string]struct{})
	for _, e := range events {
		for _, id := range e.ChangeInfo.EntityIDs {
			entityIDs[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(entityIDs))
	for id := range entityIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	hc := &HandoffContext{
		SessionID:    sessionID,
		JoiningAgent: joiningAgent,
		RecentEvents: events,
		GraphContext: b.enrichOneHop(ctx, ids),
		Advice:       buildAdvice(events),
	}
	return hc, nil
}

func (b *Bridge) enrichOneHop(ctx context.Context, entityIDs []string) []graph.Row {
	if b.query == nil || len(entityIDs) == 0 {
		return nil
	}
	const q = `MATCH (e)-[r:IMPACTS|PERFORMS_FOR|IMPLEMENTS*1..1]-(n) WHERE e.id IN $ids RETURN n`
	rows, err := b.query.Query(ctx, q, map[string]any{"ids": entityIDs})
	if err != nil {
		b.logger.Debug().Err(err).Msg("graph one-hop enrichment unavailable")
		return nil
	}
	return rows
}

func buildAdvice(events []*types.SessionEvent) string {
	if len(events) == 0 {
		return "No recent activity in this session."
	}
	broken, lastActor := 0, ""
	for _, e := range events {
		if e.Impact != nil && e.Impact.TestOutcome == "broke" {
			broken++
		}
		lastActor = e.Actor
	}
	if broken > 0 {
		return "Caution: " + lastActor + "'s recent changes include test breakage; review before continuing."
	}
	return "No outstanding test breakage observed; safe to continue from " + lastActor + "'s last change."
}

// QuerySessionsByEntity returns the deduplicated union of (a) sessions
// referenced from the entity's persisted anchor list in the graph and (b)
// active sessions whose events reference the entity.
func (b *Bridge) QuerySessionsByEntity(ctx context.Context, entityID string, opts QueryOptions) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string

	for _, id := range b.anchoredSessions(ctx, entityID) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}

	if b.index != nil {
		candidates, err := b.index.ListActiveSessionIDs(ctx)
		if err == nil {
			for _, sid := range candidates {
				if _, ok := seen[sid]; ok {
					continue
				}
				if b.sessionReferencesEntity(ctx, sid, entityID) {
					seen[sid] = struct{}{}
					out = append(out, sid)
				}
			}
		}
	}

	if opts.ActiveOnly {
		out = b.filterActive(ctx, out)
	}
	sort.Strings(out)
	return out, nil
}

func (b *Bridge) anchoredSessions(ctx context.Context, entityID string) []string {
	if b.query == nil {
		return nil
	}
	const q = `MATCH (e {id: $id})-[:SESSION_MODIFIED]-(s) RETURN s.sessionId AS sessionId`
	rows, err := b.query.Query(ctx, q, map[string]any{"id": entityID})
	if err != nil {
		b.logger.Debug().Err(err).Msg("anchor lookup unavailable, degrading to active-session scan only")
		return nil
	}
	var ids []string
	for _, r := range rows {
		if id, ok := r["sessionId"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (b *Bridge) sessionReferencesEntity(ctx context.Context, sessionID, entityID string) bool {
	events, err := b.store.GetRecentEvents(ctx, sessionID, b.cfg.ScanEventCount)
	if err != nil {
		return false
	}
	for _, e := range events {
		if containsEntity(e.ChangeInfo.EntityIDs, entityID) {
			return true
		}
	}
	return false
}

func (b *Bridge) filterActive(ctx context.Context, sessionIDs []string) []string {
	var out []string
	for _, id := range sessionIDs {
		sess, err := b.store.GetSession(ctx, id)
		if err == nil && sess != nil && sess.State == types.SessionWorking {
			out = append(out, id)
		}
	}
	return out
}

// GetSessionAggregates summarizes counts, unique active agents, outcome
// histogram, and perf stats across the sessions touching entityIDs.
func (b *Bridge) GetSessionAggregates(ctx context.Context, entityIDs []string, opts QueryOptions) (*SessionAggregates, error) {
	agg := &SessionAggregates{
		UniqueAgents:  make(map[string]struct{}),
		OutcomeCounts: make(map[string]int),
	}
	seenSessions := make(map[string]struct{})
	var perfSum float64
	var perfCount int

	for _, entityID := range entityIDs {
		sessionIDs, err := b.QuerySessionsByEntity(ctx, entityID, opts)
		if err != nil {
			return nil, err
		}
		for _, sid := range sessionIDs {
			if _, ok := seenSessions[sid]; ok {
				continue
			}
			seenSessions[sid] = struct{}{}

			sess, err := b.store.GetSession(ctx, sid)
			if err != nil || sess == nil {
				continue
			}
			for a := range sess.AgentIDs {
				agg.UniqueAgents[a] = struct{}{}
			}

			events, err := b.store.GetRecentEvents(ctx, sid, b.cfg.ScanEventCount)
			if err != nil {
				continue
			}
			for _, e := range events {
				if e.Impact == nil {
					continue
				}
				if e.Impact.TestOutcome != "" {
					agg.OutcomeCounts[e.Impact.TestOutcome]++
				}
				if e.Impact.PerfDeltaPct != 0 {
					perfSum += e.Impact.PerfDeltaPct
					perfCount++
					if perfCount == 1 || e.Impact.PerfDeltaPct < agg.MinPerfDeltaPct {
						agg.MinPerfDeltaPct = e.Impact.PerfDeltaPct
					}
					if perfCount == 1 || e.Impact.PerfDeltaPct > agg.MaxPerfDeltaPct {
						agg.MaxPerfDeltaPct = e.Impact.PerfDeltaPct
					}
				}
			}
		}
	}

	agg.SessionCount = len(seenSessions)
	if perfCount > 0 {
		agg.AvgPerfDeltaPct = perfSum / float64(perfCount)
	}
	return agg, nil
}

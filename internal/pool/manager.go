package pool

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flitsinc/agent-broker/internal/eventbus"
	"github.com/flitsinc/agent-broker/internal/idgen"
	"github.com/flitsinc/agent-broker/internal/state"
)

var ErrNoSessionAvailable = errors.New("no ready session available")

// DefaultClaimGrace is how long a claimed session lingers in the pool before
// eviction, so a status read racing the claim still sees a consistent entry.
const DefaultClaimGrace = 500 * time.Millisecond

type Config struct {
	PoolSize      int
	MaxSessionAge time.Duration
	WarmupTimeout time.Duration
	WarmupCommand string
	ClaimGrace    time.Duration
}

// Manager keeps PoolSize sessions warm so callers skip cold-start latency.
// All mutation happens under mu; timers and replenishment goroutines re-read
// state at mutation time rather than acting on snapshots.
type Manager struct {
	executor Executor
	bus      *eventbus.Bus
	store    *state.Store
	log      *logrus.Entry
	cfg      Config

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
	warming  bool

	nowFn func() time.Time
}

type Option func(*Manager)

func WithClock(nowFn func() time.Time) Option {
	return func(m *Manager) {
		if nowFn != nil {
			m.nowFn = nowFn
		}
	}
}

func WithLogger(logger *logrus.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.log = logger.WithField("component", "pool")
		}
	}
}

// WithStore enables best-effort session lifecycle auditing.
func WithStore(store *state.Store) Option {
	return func(m *Manager) {
		m.store = store
	}
}

func NewManager(executor Executor, bus *eventbus.Bus, cfg Config, opts ...Option) *Manager {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.MaxSessionAge <= 0 {
		cfg.MaxSessionAge = 300000 * time.Millisecond
	}
	if cfg.WarmupTimeout <= 0 {
		cfg.WarmupTimeout = 30000 * time.Millisecond
	}
	if cfg.ClaimGrace <= 0 {
		cfg.ClaimGrace = DefaultClaimGrace
	}
	m := &Manager{
		executor: executor,
		bus:      bus,
		log:      logrus.StandardLogger().WithField("component", "pool"),
		cfg:      cfg,
		sessions: map[string]*Session{},
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Manager) now() time.Time {
	return m.nowFn().UTC()
}

// Initialize launches PoolSize warm-up attempts. Each failure is isolated:
// a failed attempt leaves the pool short, corrected at the next cleanup tick
// or the next claim. Initialize returns once all attempts have settled.
func (m *Manager) Initialize(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < m.cfg.PoolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.CreatePreWarmedSession(ctx); err != nil {
				m.log.WithError(err).Warn("initial warm-up failed")
			}
		}()
	}
	wg.Wait()
}

// CreatePreWarmedSession warms one new session. A single-flight flag keeps at
// most one warm-up in flight process-wide; concurrent calls are no-ops. Any
// error or timeout discards the pooled entry entirely; retry happens only at
// the next periodic tick or claim-triggered replenishment.
func (m *Manager) CreatePreWarmedSession(ctx context.Context) error {
	m.mu.Lock()
	if m.warming {
		m.mu.Unlock()
		return nil
	}
	m.warming = true
	sess := &Session{
		ID:        idgen.SessionID(),
		CreatedAt: m.now(),
		Status:    StatusWarming,
	}
	m.sessions[sess.ID] = sess
	m.order = append(m.order, sess.ID)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.warming = false
		m.mu.Unlock()
	}()

	m.emitStatus(ctx, string(StatusWarming), sess.ID, "")
	m.audit(ctx, sess.ID, "", string(StatusWarming), "")

	warmCtx, cancel := context.WithTimeout(ctx, m.cfg.WarmupTimeout)
	defer cancel()
	output, err := m.executor.ExecuteCommand(warmCtx, m.cfg.WarmupCommand, ExecOptions{SessionID: sess.ID})
	if err != nil {
		m.mu.Lock()
		m.removeLocked(sess.ID)
		m.mu.Unlock()
		m.emitStatus(ctx, "failed", sess.ID, err.Error())
		m.audit(ctx, sess.ID, "", "removed", err.Error())
		m.log.WithFields(logrus.Fields{"session_id": sess.ID}).WithError(err).Warn("warm-up failed, entry discarded")
		return err
	}

	// A response without a parseable external session id degrades the entry
	// rather than failing the warm-up.
	externalID := parseExternalSessionID(output)

	m.mu.Lock()
	sess.ExternalID = externalID
	sess.Status = StatusReady
	m.mu.Unlock()

	m.emitStatus(ctx, string(StatusReady), sess.ID, "")
	m.audit(ctx, sess.ID, externalID, string(StatusReady), "")
	return nil
}

// Status returns the pool status in one deterministic pass: the first ready
// entry if any, else the first warming entry, else none. No fairness
// guarantee is implied by "first".
func (m *Manager) Status() StatusReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		if sess, ok := m.sessions[id]; ok && sess.Status == StatusReady {
			return StatusReport{Available: true, Status: string(StatusReady), SessionID: sess.ID}
		}
	}
	for _, id := range m.order {
		if sess, ok := m.sessions[id]; ok && sess.Status == StatusWarming {
			return StatusReport{Available: false, Status: string(StatusWarming), SessionID: sess.ID}
		}
	}
	return StatusReport{Available: false, Status: "none"}
}

// Claim hands out the first ready session. The entry stays in the pool with
// status claimed for a short grace period so concurrent status reads don't
// observe it vanishing mid-claim, then is evicted. Replenishment runs
// asynchronously when ready+warming dropped below the target.
func (m *Manager) Claim(ctx context.Context) (Claimed, error) {
	m.mu.Lock()
	var claimed *Session
	for _, id := range m.order {
		if sess, ok := m.sessions[id]; ok && sess.Status == StatusReady {
			sess.Status = StatusClaimed
			claimed = sess
			break
		}
	}
	needReplenish := claimed != nil && m.availableLocked() < m.cfg.PoolSize
	m.mu.Unlock()

	if claimed == nil {
		return Claimed{}, ErrNoSessionAvailable
	}

	m.emitStatus(ctx, string(StatusClaimed), claimed.ID, "")
	m.audit(ctx, claimed.ID, claimed.ExternalID, string(StatusClaimed), "")

	time.AfterFunc(m.cfg.ClaimGrace, func() {
		m.mu.Lock()
		if sess, ok := m.sessions[claimed.ID]; ok && sess.Status == StatusClaimed {
			m.removeLocked(claimed.ID)
		}
		m.mu.Unlock()
	})

	if needReplenish {
		go func() {
			if err := m.CreatePreWarmedSession(context.Background()); err != nil {
				m.log.WithError(err).Warn("claim-triggered replenishment failed")
			}
		}()
	}

	return Claimed{SessionID: claimed.ID, ExternalID: claimed.ExternalID}, nil
}

// CleanupOldSessions removes ready sessions older than MaxSessionAge,
// issues kill requests for them, and restores any pool deficit. Every
// failure is logged and swallowed: no single bad pass aborts the loop.
func (m *Manager) CleanupOldSessions(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	var expired []*Session
	for _, id := range m.order {
		sess, ok := m.sessions[id]
		if !ok || sess.Status != StatusReady {
			continue
		}
		if now.Sub(sess.CreatedAt) > m.cfg.MaxSessionAge {
			expired = append(expired, sess)
		}
	}
	for _, sess := range expired {
		m.removeLocked(sess.ID)
	}
	deficit := m.availableLocked() < m.cfg.PoolSize
	m.mu.Unlock()

	for _, sess := range expired {
		if err := m.executor.KillSession(ctx, sess.ID); err != nil {
			m.log.WithFields(logrus.Fields{"session_id": sess.ID}).WithError(err).Warn("kill expired session failed")
		}
		m.audit(ctx, sess.ID, sess.ExternalID, "removed", "max session age exceeded")
	}

	if deficit {
		if err := m.CreatePreWarmedSession(ctx); err != nil {
			m.log.WithError(err).Warn("cleanup replenishment failed")
		}
	}
}

// Run owns the periodic cleanup timer. It returns when ctx is cancelled.
// This timer is independent of claim-triggered replenishment.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60000 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupOldSessions(ctx)
		}
	}
}

func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := Metrics{}
	for _, id := range m.order {
		sess, ok := m.sessions[id]
		if !ok {
			continue
		}
		switch sess.Status {
		case StatusReady:
			out.Ready++
		case StatusWarming:
			out.Warming++
		case StatusClaimed:
			out.Claimed++
		}
		out.Total++
		out.Sessions = append(out.Sessions, SessionMetric{
			ID:     sess.ID,
			Status: sess.Status,
			Age:    now.Sub(sess.CreatedAt),
		})
	}
	return out
}

// availableLocked counts sessions that are or will become claimable.
// Callers hold mu.
func (m *Manager) availableLocked() int {
	n := 0
	for _, sess := range m.sessions {
		if sess.Status == StatusReady || sess.Status == StatusWarming {
			n++
		}
	}
	return n
}

func (m *Manager) removeLocked(id string) {
	delete(m.sessions, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Manager) emitStatus(ctx context.Context, status, sessionID, errText string) {
	if m.bus == nil {
		return
	}
	payload := map[string]any{
		"status":    status,
		"sessionId": sessionID,
		"timestamp": m.now().Format(time.RFC3339Nano),
	}
	if errText != "" {
		payload["error"] = errText
	}
	_, err := m.bus.Publish(ctx, eventbus.EventInput{
		Stream:  eventbus.StreamPrewarmStatus,
		Subject: sessionID,
		Body:    status,
		Payload: payload,
	})
	if err != nil {
		m.log.WithError(err).Warn("publish prewarm status failed")
	}
}

func (m *Manager) audit(ctx context.Context, sessionID, externalID, status, detail string) {
	if m.store == nil {
		return
	}
	if err := m.store.RecordSessionTransition(ctx, sessionID, externalID, status, detail); err != nil {
		m.log.WithFields(logrus.Fields{"session_id": sessionID}).WithError(err).Warn("session audit write failed")
	}
}

// parseExternalSessionID extracts an external session id from a warm-up
// response. The collaborator replies with JSON somewhere in its output, e.g.
// {"session_id":"abc"}; anything unparseable yields an empty id.
func parseExternalSessionID(output string) string {
	output = strings.TrimSpace(output)
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end <= start {
		return ""
	}
	var parsed struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal([]byte(output[start:end+1]), &parsed); err != nil {
		return ""
	}
	return strings.TrimSpace(parsed.SessionID)
}

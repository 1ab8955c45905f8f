package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultIdleTimeout   = 10 * time.Minute
	defaultMaxLifetime   = 12 * time.Hour
)

// record is the manager's internal view of a session: the public metadata
// plus the transport release hook.
type record struct {
	sess   Session
	closer func()
}

// Manager owns all live sessions. A single mutex guards the primary map,
// the per-user index and the (user, client) latest-session index so that a
// reader never observes a session present in one index and absent from
// another.
type Manager struct {
	host Host
	log  *slog.Logger

	sweepInterval time.Duration
	idleTimeout   time.Duration
	maxLifetime   time.Duration

	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*record
	byUser   map[string]map[string]struct{}
	latest   map[string]string // userEmail+"\x00"+clientIdentity -> sessionID
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithSweepInterval sets the periodic sweep tick.
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithIdleTimeout sets how long a session may sit without activity before
// the sweep removes it.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithMaxLifetime caps a session's total lifetime regardless of activity.
func WithMaxLifetime(d time.Duration) ManagerOption {
	return func(m *Manager) { m.maxLifetime = d }
}

func NewManager(host Host, opts ...ManagerOption) *Manager {
	m := &Manager{
		host:          host,
		log:           slog.New(slog.DiscardHandler),
		sweepInterval: defaultSweepInterval,
		idleTimeout:   defaultIdleTimeout,
		maxLifetime:   defaultMaxLifetime,
		now:           time.Now,
		sessions:      make(map[string]*record),
		byUser:        make(map[string]map[string]struct{}),
		latest:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateParams describe a new session at transport-authentication time.
type CreateParams struct {
	UserEmail       string
	AuthToken       string
	ClientIdentity  string
	ProtocolVersion string
	Kind            TransportKind
	// Closer releases the transport resource when the session is removed.
	Closer func()
}

// CreateSession registers a new session and makes it the authoritative one
// for its (user, client) pair. Any prior session recorded under the same
// key is superseded: removed from all indices and its transport released.
func (m *Manager) CreateSession(ctx context.Context, p CreateParams) (*Session, error) {
	if p.UserEmail == "" {
		return nil, fmt.Errorf("session requires a user identity")
	}
	identity := p.ClientIdentity
	if identity == "" {
		identity = DefaultClientIdentity
	}

	now := m.now()
	sess := Session{
		ID:              uuid.NewString(),
		UserEmail:       p.UserEmail,
		AuthToken:       p.AuthToken,
		ClientIdentity:  identity,
		ProtocolVersion: p.ProtocolVersion,
		Kind:            p.Kind,
		State:           StateCreated,
		CreatedAt:       now,
		LastActivity:    now,
	}

	key := latestKey(p.UserEmail, identity)

	m.mu.Lock()
	superseded, hadPrior := m.latest[key]
	var priorCloser func()
	if hadPrior {
		// The prior session is eagerly invalidated but kept in the table so
		// requests still bearing its identifier get the distinguished
		// "superseded" rejection instead of a generic not-found. The sweep
		// collects it once it goes stale.
		if prior, ok := m.sessions[superseded]; ok {
			prior.sess.State = StateInactive
			priorCloser = prior.closer
			prior.closer = nil
		}
	}
	m.sessions[sess.ID] = &record{sess: sess, closer: p.Closer}
	if m.byUser[p.UserEmail] == nil {
		m.byUser[p.UserEmail] = make(map[string]struct{})
	}
	m.byUser[p.UserEmail][sess.ID] = struct{}{}
	m.latest[key] = sess.ID
	m.mu.Unlock()

	if hadPrior {
		m.log.InfoContext(ctx, "sessions.create.superseded_prior",
			slog.String("session_id", sess.ID),
			slog.String("prior_session_id", superseded),
			slog.String("user", p.UserEmail),
			slog.String("client", identity),
		)
		if priorCloser != nil {
			priorCloser()
		}
		if err := m.host.CleanupSession(context.WithoutCancel(ctx), superseded); err != nil {
			m.log.WarnContext(ctx, "sessions.create.cleanup_prior_failed",
				slog.String("session_id", superseded), slog.String("err", err.Error()))
		}
	}

	m.log.InfoContext(ctx, "sessions.create.ok",
		slog.String("session_id", sess.ID),
		slog.String("user", p.UserEmail),
		slog.String("client", identity),
		slog.String("transport", string(p.Kind)),
	)
	cp := sess
	return &cp, nil
}

// Resolve validates that sessionID identifies a live, authoritative session
// and touches its activity clock. A session that was replaced by a newer
// one for the same (user, client) pair yields ErrSessionSuperseded.
func (m *Manager) Resolve(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	key := latestKey(rec.sess.UserEmail, rec.sess.ClientIdentity)
	if m.latest[key] != sessionID {
		return nil, ErrSessionSuperseded
	}

	rec.sess.LastActivity = m.now()
	if rec.sess.State == StateCreated || rec.sess.State == StateInactive {
		rec.sess.State = StateActive
	}
	cp := rec.sess
	return &cp, nil
}

// Get returns a copy of the session without touching activity.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	cp := rec.sess
	return &cp, true
}

// Touch updates the session's activity clock, reactivating an inactive
// session on successful traffic.
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[sessionID]; ok {
		rec.sess.LastActivity = m.now()
		if rec.sess.State == StateInactive || rec.sess.State == StateCreated {
			rec.sess.State = StateActive
		}
	}
}

// SetCloser attaches the transport release hook to a live session, replacing
// any prior hook. Transports that attach a long-lived stream after session
// creation (the GET push stream) register their cancel function here so a
// supersede or removal tears the stream down. Reports whether the session
// still exists.
func (m *Manager) SetCloser(sessionID string, closer func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok || rec.sess.State == StateRemoved {
		return false
	}
	rec.closer = closer
	return true
}

// MarkInactive flags the session after a failed send or handling error. The
// session stays resolvable for a grace window; the sweep or an explicit
// Remove finishes it.
func (m *Manager) MarkInactive(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[sessionID]; ok && rec.sess.State != StateRemoved {
		rec.sess.State = StateInactive
	}
}

// Remove terminates the session: all indices drop it atomically, the
// transport resource is released, and the host stream is cleaned up.
func (m *Manager) Remove(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	var closer func()
	if ok {
		closer = m.dropLocked(rec)
	}
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	if closer != nil {
		closer()
	}
	if err := m.host.CleanupSession(context.WithoutCancel(ctx), sessionID); err != nil {
		m.log.WarnContext(ctx, "sessions.remove.cleanup_failed",
			slog.String("session_id", sessionID), slog.String("err", err.Error()))
	}
	m.log.InfoContext(ctx, "sessions.remove.ok", slog.String("session_id", sessionID))
	return nil
}

// dropLocked removes the record from every index and marks it removed. The
// caller holds the mutex and is responsible for invoking the returned
// closer after releasing it.
func (m *Manager) dropLocked(rec *record) func() {
	id := rec.sess.ID
	delete(m.sessions, id)
	if userSet, ok := m.byUser[rec.sess.UserEmail]; ok {
		delete(userSet, id)
		if len(userSet) == 0 {
			delete(m.byUser, rec.sess.UserEmail)
		}
	}
	key := latestKey(rec.sess.UserEmail, rec.sess.ClientIdentity)
	if m.latest[key] == id {
		delete(m.latest, key)
	}
	rec.sess.State = StateRemoved
	closer := rec.closer
	rec.closer = nil
	return closer
}

// Send publishes one message onto the session's stream. A failure marks the
// session inactive.
func (m *Manager) Send(ctx context.Context, sessionID string, data []byte) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	active := ok && rec.sess.State != StateRemoved
	m.mu.Unlock()
	if !active {
		return ErrSessionNotFound
	}

	if _, err := m.host.PublishSession(ctx, sessionID, data); err != nil {
		m.MarkInactive(sessionID)
		return fmt.Errorf("publish to session %s: %w", sessionID, err)
	}
	return nil
}

// NotifyForUser delivers data to every live session belonging to the user.
// Individual send failures mark that one session inactive and delivery
// continues; the fan-out loop never aborts.
func (m *Manager) NotifyForUser(ctx context.Context, email string, data []byte) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byUser[email]))
	for id := range m.byUser[email] {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Send(ctx, id, data); err != nil {
			m.log.WarnContext(ctx, "sessions.notify.send_failed",
				slog.String("session_id", id), slog.String("err", err.Error()))
		}
	}
}

// NotifyAll delivers data to every live session.
func (m *Manager) NotifyAll(ctx context.Context, data []byte) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Send(ctx, id, data); err != nil {
			m.log.WarnContext(ctx, "sessions.notify.send_failed",
				slog.String("session_id", id), slog.String("err", err.Error()))
		}
	}
}

// Count returns the number of tracked sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run drives the periodic health sweep until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep evicts sessions idle beyond the idle timeout or older than the max
// lifetime. Safe to run concurrently with live request handling.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	var stale []string
	for id, rec := range m.sessions {
		if now.Sub(rec.sess.LastActivity) > m.idleTimeout || now.Sub(rec.sess.CreatedAt) > m.maxLifetime {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		if err := m.Remove(ctx, id); err != nil && err != ErrSessionNotFound {
			m.log.WarnContext(ctx, "sessions.sweep.remove_failed",
				slog.String("session_id", id), slog.String("err", err.Error()))
		}
	}
	if len(stale) > 0 {
		m.log.InfoContext(ctx, "sessions.sweep.evicted", slog.Int("count", len(stale)))
	}
}

func latestKey(email, clientIdentity string) string {
	return email + "\x00" + clientIdentity
}

// Package session owns the process-wide set of running session engines.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"chronicle/internal/checkpoint"
	"chronicle/internal/engine"
	"chronicle/internal/event"
	"chronicle/internal/logging"
	"chronicle/internal/metrics"
	"chronicle/internal/party"
	"chronicle/internal/protocol"
)

const defaultEventHistory = 64

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExists       = errors.New("session already exists")
	ErrInvalidSessionID    = errors.New("invalid session id")
	ErrCheckpointsDisabled = errors.New("checkpoint store unavailable")
	ErrManagerClosed       = errors.New("session manager closed")
)

// EngineSettings are applied to every engine the manager creates.
type EngineSettings struct {
	Pacing      engine.Pacing
	Speed       engine.Speed
	MaxRetries  int
	MaxRounds   int
	RoundPause  time.Duration
	TurnTimeout time.Duration
}

type ManagerOptions struct {
	Parties      *party.Catalog
	DefaultParty string
	// AutoCreate lets Resolve start unknown sessions with DefaultParty.
	AutoCreate  bool
	Executor    engine.TurnExecutor
	Visibility  engine.Visibility
	Engine      EngineSettings
	Checkpoints checkpoint.Store
	Bus         *event.Bus[event.SessionEvent]
	Logger      *logging.Logger
	Metrics     *metrics.Registry
	Clock       func() time.Time
}

type Session struct {
	ID        string
	Party     string
	CreatedAt time.Time
	Engine    *engine.Engine
}

type Info struct {
	ID        string    `json:"id"`
	Party     string    `json:"party"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Turn      int       `json:"turn"`
	Round     int       `json:"round"`
	Current   string    `json:"current"`
	Autopilot bool      `json:"autopilot"`
	Paused    bool      `json:"paused"`
	Human     string    `json:"human_participant,omitempty"`
}

// Manager is safe for concurrent use; mu guards the sessions map. Sessions
// live until Close.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
	options  ManagerOptions
	logger   *logging.Logger
	metrics  *metrics.Registry
	bus      *event.Bus[event.SessionEvent]
	ownsBus  bool
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Parties == nil {
		return nil, errors.New("party catalog is required")
	}
	if opts.Executor == nil {
		return nil, engine.ErrNoExecutor
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	registry := opts.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	opts.DefaultParty = strings.TrimSpace(opts.DefaultParty)

	manager := &Manager{
		sessions: make(map[string]*Session),
		options:  opts,
		logger:   logger.With(map[string]string{logging.FieldCategory: "session"}),
		metrics:  registry,
		bus:      opts.Bus,
	}
	if manager.bus == nil {
		manager.bus = event.NewBus[event.SessionEvent](context.Background(), event.BusOptions{
			Name:        "session_events",
			HistorySize: defaultEventHistory,
			Registry:    registry,
			Logger:      logger,
		})
		manager.ownsBus = true
	}
	return manager, nil
}

func (m *Manager) Bus() *event.Bus[event.SessionEvent] {
	return m.bus
}

func (m *Manager) Parties() *party.Catalog {
	return m.options.Parties
}

func (m *Manager) AutoCreate() bool {
	return m.options.AutoCreate
}

// Resolve returns the session for id, creating it from the default party
// when auto-create is enabled.
func (m *Manager) Resolve(ctx context.Context, id string) (*Session, error) {
	if session, ok := m.Get(id); ok {
		return session, nil
	}
	if !m.options.AutoCreate {
		return nil, ErrSessionNotFound
	}
	session, err := m.Create(ctx, id, "")
	if errors.Is(err, ErrSessionExists) {
		if existing, ok := m.Get(id); ok {
			return existing, nil
		}
	}
	return session, err
}

// Create starts a new engine for id seeded from partyID, or from the
// default party when partyID is empty.
func (m *Manager) Create(ctx context.Context, id, partyID string) (*Session, error) {
	if !protocol.ValidSessionID(id) {
		return nil, ErrInvalidSessionID
	}
	partyID = strings.TrimSpace(partyID)
	if partyID == "" {
		partyID = m.options.DefaultParty
	}
	definition, err := m.options.Parties.Get(partyID)
	if err != nil {
		return nil, err
	}
	state, err := definition.NewState(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if _, ok := m.sessions[id]; ok {
		return nil, ErrSessionExists
	}

	settings := m.options.Engine
	eng, err := engine.New(engine.Options{
		SessionID:   id,
		Executor:    m.options.Executor,
		Visibility:  m.options.Visibility,
		Pacing:      settings.Pacing,
		Speed:       settings.Speed,
		MaxRetries:  settings.MaxRetries,
		MaxRounds:   settings.MaxRounds,
		RoundPause:  settings.RoundPause,
		TurnTimeout: settings.TurnTimeout,
		Logger:      m.logger,
		Metrics:     m.metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := eng.LoadState(ctx, state); err != nil {
		eng.Close()
		return nil, fmt.Errorf("load initial state: %w", err)
	}

	session := &Session{
		ID:        id,
		Party:     definition.ID,
		CreatedAt: m.options.Clock(),
		Engine:    eng,
	}
	m.sessions[id] = session
	m.metrics.SetSessions(len(m.sessions))

	m.logger.Info("session created", map[string]string{
		logging.FieldSessionID: id,
		"party":                definition.ID,
	})
	created := event.NewSessionEvent(event.SessionCreated, id)
	created.Party = definition.ID
	m.bus.Publish(created)
	return session, nil
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	session, ok := m.sessions[id]
	m.mu.RUnlock()
	return session, ok
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List reports every session ordered by id.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })

	infos := make([]Info, 0, len(sessions))
	for _, session := range sessions {
		info, err := session.Info(ctx)
		if err != nil {
			if errors.Is(err, engine.ErrEngineClosed) {
				continue
			}
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (s *Session) Info(ctx context.Context) (Info, error) {
	snapshot, err := s.Engine.Snapshot(ctx)
	if err != nil {
		return Info{}, err
	}
	info := Info{
		ID:        s.ID,
		Party:     s.Party,
		Title:     snapshot.State.Title,
		CreatedAt: s.CreatedAt,
		Turn:      snapshot.State.Turn,
		Round:     snapshot.State.Round,
		Current:   snapshot.State.Current,
		Autopilot: snapshot.Run.Autopilot,
		Paused:    snapshot.Run.Paused,
	}
	if snapshot.State.HumanControl {
		info.Human = snapshot.State.HumanParticipant
	}
	return info, nil
}

// PartiesReloaded announces a catalog refresh on the session event bus.
func (m *Manager) PartiesReloaded(ids []string) {
	reloaded := event.NewSessionEvent(event.PartiesReloaded, "")
	reloaded.Data = map[string]string{"parties": strings.Join(ids, ",")}
	m.bus.Publish(reloaded)
}

// Close stops every engine. Sessions are not persisted.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, session := range sessions {
		session.Engine.Close()
	}
	m.metrics.SetSessions(0)
	if m.ownsBus {
		m.bus.Close()
	}
	m.logger.Info("session manager closed", map[string]string{
		"sessions": fmt.Sprint(len(sessions)),
	})
}

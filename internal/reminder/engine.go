// Package reminder schedules case-driven reminders.
//
// A Definition describes a timeline of events; an Instance tracks one case's
// progress through it. The Engine reconciles instances against observed case
// state and fires the ones that are due on each Tick. Every operation takes an
// explicit now (naive UTC); nothing reads the wall clock.
package reminder

import (
	"errors"
	"hash/fnv"
	"sync"

	"remindd/internal/eventbus"
	"remindd/pkg/logx"
)

const (
	defaultWorkers  = 4
	defaultDueBatch = 500
)

// Config tunes the engine. Zero values take the defaults.
type Config struct {
	// Domain scopes Tick. Empty processes every domain.
	Domain   string
	Workers  int
	DueBatch int
	// EmailSubject is used for email reminders; "{nickname}" is replaced.
	EmailSubject string
}

// Deps are the engine's collaborators. Email and Bus are optional.
type Deps struct {
	Store   Store
	Cases   CaseSource
	Users   UserDirectory
	Acks    AckRecorder
	Gateway MessagingGateway
	Email   EmailSender
	Bus     eventbus.Bus
	Log     logx.Logger
}

// Engine spawns, reconciles and fires reminder instances.
type Engine struct {
	cfg Config

	store   Store
	cases   CaseSource
	users   UserDirectory
	acks    AckRecorder
	gateway MessagingGateway
	email   EmailSender
	bus     eventbus.Bus
	log     logx.Logger

	locks keyLocks
}

// New validates deps and returns an engine with cfg defaults applied.
func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("reminder: store is required")
	case deps.Cases == nil:
		return nil, errors.New("reminder: case source is required")
	case deps.Users == nil:
		return nil, errors.New("reminder: user directory is required")
	case deps.Acks == nil:
		return nil, errors.New("reminder: ack recorder is required")
	case deps.Gateway == nil:
		return nil, errors.New("reminder: messaging gateway is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.DueBatch <= 0 {
		cfg.DueBatch = defaultDueBatch
	}
	if cfg.EmailSubject == "" {
		cfg.EmailSubject = "Reminder: {nickname}"
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:     cfg,
		store:   deps.Store,
		cases:   deps.Cases,
		users:   deps.Users,
		acks:    deps.Acks,
		gateway: deps.Gateway,
		email:   deps.Email,
		bus:     deps.Bus,
		log:     log.With(logx.String("comp", "reminder")),
	}, nil
}

func (e *Engine) publish(typ string, inst *Instance, detail string) {
	e.bus.Publish(eventbus.Event{
		Type:         typ,
		Domain:       inst.Domain,
		DefinitionID: inst.DefinitionID,
		CaseID:       inst.CaseID,
		InstanceID:   inst.ID,
		Method:       string(inst.Method),
		Detail:       detail,
	})
}

func instanceFields(inst *Instance) []logx.Field {
	return []logx.Field{
		logx.String("instance", inst.ID),
		logx.String("definition", inst.DefinitionID),
		logx.String("case", inst.CaseID),
	}
}

const lockStripes = 256

// keyLocks serializes work on one (definition, case) pair. Keys hash onto a
// fixed set of mutexes so memory stays bounded.
type keyLocks struct {
	mu [lockStripes]sync.Mutex
}

func (k *keyLocks) lock(key string) (unlock func()) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	m := &k.mu[h.Sum64()%lockStripes]
	m.Lock()
	return m.Unlock
}

func lockKey(definitionID, caseID string) string {
	return definitionID + "\x00" + caseID
}

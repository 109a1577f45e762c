package chatsync

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

const fallbackTitle = "Conversation"

// Profiles caches participant projections. Concurrent lookups of the same
// id share one request.
type Profiles struct {
	source ProfileSource
	group  singleflight.Group
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]Participant
}

func NewProfiles(source ProfileSource, logger *slog.Logger) *Profiles {
	if logger == nil {
		logger = slog.Default()
	}
	return &Profiles{
		source: source,
		cache:  make(map[string]Participant),
		logger: logger.With("component", "profiles"),
	}
}

// Get returns the participant, fetching it once.
func (p *Profiles) Get(ctx context.Context, id string) (Participant, error) {
	p.mu.RLock()
	cached, ok := p.cache[id]
	p.mu.RUnlock()
	if ok {
		return cached, nil
	}
	if p.source == nil {
		return Participant{ID: id}, nil
	}

	// Shared by every waiter, so one caller giving up cannot fail the rest.
	shared := context.WithoutCancel(ctx)
	v, err, _ := p.group.Do(id, func() (any, error) {
		part, err := p.source.Participant(shared, id)
		if err != nil {
			return Participant{}, err
		}
		p.mu.Lock()
		p.cache[id] = part
		p.mu.Unlock()
		return part, nil
	})
	if err != nil {
		return Participant{}, err
	}
	return v.(Participant), nil
}

// Put seeds the cache.
func (p *Profiles) Put(part Participant) {
	p.mu.Lock()
	p.cache[part.ID] = part
	p.mu.Unlock()
}

// Title is the conversation's own title, else the other participant's
// display name, else a generic label.
func (p *Profiles) Title(ctx context.Context, c Conversation, self string) string {
	if c.Title != "" {
		return c.Title
	}
	other := c.Other(self)
	if other == "" {
		return fallbackTitle
	}
	part, err := p.Get(ctx, other)
	if err != nil {
		p.logger.Debug("profile lookup failed", "participant_id", other, "error", err)
		return fallbackTitle
	}
	return strOr(part.DisplayName, fallbackTitle)
}

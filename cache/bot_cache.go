package cache

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Mijyuoon/MijDiscord/config"
	"github.com/Mijyuoon/MijDiscord/metrics"
	"github.com/Mijyuoon/MijDiscord/models"
	"github.com/Mijyuoon/MijDiscord/rest"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

// Fetcher resolves entities missing from the cache. *rest.API implements it.
type Fetcher interface {
	Server(ctx context.Context, id models.ID) (json.RawMessage, error)
	Channel(ctx context.Context, id models.ID) (json.RawMessage, error)
	User(ctx context.Context, id models.ID) (json.RawMessage, error)
	Member(ctx context.Context, server, user models.ID) (json.RawMessage, error)
	Message(ctx context.Context, channel, message models.ID) (json.RawMessage, error)
	CreateDM(ctx context.Context, user models.ID) (json.RawMessage, error)
}

type Stats struct {
	Servers    int `json:"servers"`
	Channels   int `json:"channels"`
	Users      int `json:"users"`
	DMChannels int `json:"dm_channels"`
	Restricted int `json:"restricted"`
}

// BotCache is the process wide tier. A channel listed by a ServerCache is
// always present here as well: channels are inserted here first and
// removed from the server tier first.
type BotCache struct {
	fetch        Fetcher
	logger       zerolog.Logger
	metrics      *metrics.Collector
	messageLimit int

	mu         sync.RWMutex
	servers    map[models.ID]*ServerCache
	channels   map[models.ID]*models.Channel
	users      map[models.ID]*models.User
	dmChannels map[models.ID]*models.Channel
	restricted map[models.ID]error
	messages   map[models.ID]*ChannelCache

	group singleflight.Group
}

func New(fetch Fetcher, logger zerolog.Logger, cfg config.CacheCfg, m *metrics.Collector) *BotCache {
	limit := cfg.MessageLimit
	if limit <= 0 {
		limit = config.DefaultMessageLimit
	}

	c := &BotCache{
		fetch:        fetch,
		logger:       logger.With().Str("sub_service", "cache").Logger(),
		metrics:      m,
		messageLimit: limit,
	}
	c.Reset()
	return c
}

// Reset drops every tier, used when a new session starts.
func (c *BotCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.servers = make(map[models.ID]*ServerCache)
	c.channels = make(map[models.ID]*models.Channel)
	c.users = make(map[models.ID]*models.User)
	c.dmChannels = make(map[models.ID]*models.Channel)
	c.restricted = make(map[models.ID]error)
	c.messages = make(map[models.ID]*ChannelCache)
	c.updateGauges()
}

// updateGauges must be called with c.mu held.
func (c *BotCache) updateGauges() {
	c.metrics.Set(config.CacheServers, float64(len(c.servers)))
	c.metrics.Set(config.CacheChannels, float64(len(c.channels)))
	c.metrics.Set(config.CacheUsers, float64(len(c.users)))
}

func (c *BotCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		Servers:    len(c.servers),
		Channels:   len(c.channels),
		Users:      len(c.users),
		DMChannels: len(c.dmChannels),
		Restricted: len(c.restricted),
	}
}

func (c *BotCache) Servers() []*models.Server {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := make([]*models.Server, 0, len(c.servers))
	for _, sc := range c.servers {
		list = append(list, sc.server)
	}
	return list
}

func (c *BotCache) Channels() []*models.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := make([]*models.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		list = append(list, ch)
	}
	return list
}

func (c *BotCache) Users() []*models.User {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := make([]*models.User, 0, len(c.users))
	for _, u := range c.users {
		list = append(list, u)
	}
	return list
}

// load coalesces concurrent misses of the same key into one request. The
// shared fetch does not inherit the cancellation of the caller that started
// it; every caller stops waiting on its own ctx.
func (c *BotCache) load(ctx context.Context, key string,
	fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	c.metrics.Inc(config.CacheMisses)
	flight := c.group.DoChan(key, func() (interface{}, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-flight:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(json.RawMessage), nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "lookup of %s interrupted", key)
	}
}

// ServerCache returns the per-server tier if the server is cached.
func (c *BotCache) ServerCache(id models.ID) *ServerCache {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.servers[id]
}

func (c *BotCache) Server(ctx context.Context, id models.ID, local bool) (*models.Server, error) {
	sc, err := c.ResolveServer(ctx, id, local)
	if sc == nil || err != nil {
		return nil, err
	}
	return sc.server, nil
}

// ResolveServer is Server returning the per-server tier.
func (c *BotCache) ResolveServer(ctx context.Context, id models.ID, local bool) (*ServerCache, error) {
	if sc := c.ServerCache(id); sc != nil {
		return sc, nil
	}
	if local {
		return nil, nil
	}

	raw, err := c.load(ctx, "server:"+id.String(), func(ctx context.Context) (json.RawMessage, error) {
		return c.fetch.Server(ctx, id)
	})
	if errors.Is(err, rest.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve server %d", id)
	}

	return c.PutServer(raw, false)
}

func (c *BotCache) Channel(ctx context.Context, id models.ID, local bool) (*models.Channel, error) {
	c.mu.RLock()
	ch, denied := c.channels[id], c.restricted[id]
	c.mu.RUnlock()

	if ch != nil {
		return ch, nil
	}
	if denied != nil {
		return nil, denied
	}
	if local {
		return nil, nil
	}

	raw, err := c.load(ctx, "channel:"+id.String(), func(ctx context.Context) (json.RawMessage, error) {
		return c.fetch.Channel(ctx, id)
	})
	switch {
	case errors.Is(err, rest.ErrNotFound):
		return nil, nil
	case errors.Is(err, rest.ErrForbidden):
		c.mu.Lock()
		if prev, ok := c.restricted[id]; ok {
			err = prev
		} else {
			c.restricted[id] = err
		}
		c.mu.Unlock()

		c.logger.Debug().Stringer("channel", id).Msg("channel marked as restricted")
		return nil, err
	case err != nil:
		return nil, errors.Wrapf(err, "failed to resolve channel %d", id)
	}

	return c.PutChannel(raw, false)
}

// Restricted reports whether a lookup of channel id was denied before.
func (c *BotCache) Restricted(id models.ID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.restricted[id]
	return ok
}

// DMChannel returns the direct message channel with user, opening one when local is false.
func (c *BotCache) DMChannel(ctx context.Context, user models.ID, local bool) (*models.Channel, error) {
	c.mu.RLock()
	ch := c.dmChannels[user]
	c.mu.RUnlock()

	if ch != nil || local {
		return ch, nil
	}

	raw, err := c.load(ctx, "dm:"+user.String(), func(ctx context.Context) (json.RawMessage, error) {
		return c.fetch.CreateDM(ctx, user)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dm with %d", user)
	}

	return c.PutChannel(raw, false)
}

func (c *BotCache) User(ctx context.Context, id models.ID, local bool) (*models.User, error) {
	c.mu.RLock()
	u := c.users[id]
	c.mu.RUnlock()

	if u != nil || local {
		return u, nil
	}

	raw, err := c.load(ctx, "user:"+id.String(), func(ctx context.Context) (json.RawMessage, error) {
		return c.fetch.User(ctx, id)
	})
	if errors.Is(err, rest.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve user %d", id)
	}

	return c.PutUser(raw, false)
}

// PutServer inserts a server and everything its payload lists. An existing
// server is returned as is, or merged with raw when update is set.
func (c *BotCache) PutServer(raw json.RawMessage, update bool) (*ServerCache, error) {
	id, err := models.PeekID(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid server payload")
	}

	c.mu.Lock()
	if sc, ok := c.servers[id]; ok {
		c.mu.Unlock()
		if update {
			if err := sc.server.Update(raw); err != nil {
				return nil, err
			}
			if roles := gjson.GetBytes(raw, "roles"); roles.IsArray() {
				sc.putList(roles, sc.putRoleResult(true))
			}
		}
		return sc, nil
	}

	server, err := models.NewServer(raw)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	sc := newServerCache(c, server)
	c.servers[id] = sc
	c.updateGauges()
	c.mu.Unlock()

	sc.populate(raw)
	return sc, nil
}

// PutChannel inserts a channel into this tier, the DM index and its server tier.
func (c *BotCache) PutChannel(raw json.RawMessage, update bool) (*models.Channel, error) {
	return c.putChannel(raw, 0, update)
}

func (c *BotCache) putChannel(raw json.RawMessage, server models.ID, update bool) (*models.Channel, error) {
	id, err := models.PeekID(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid channel payload")
	}

	c.mu.Lock()
	ch, ok := c.channels[id]
	if ok {
		c.mu.Unlock()
		if update {
			if err := ch.Update(raw); err != nil {
				return nil, err
			}
		}
	} else {
		ch, err = models.NewChannel(raw, server)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}

		c.channels[id] = ch
		delete(c.restricted, id)
		if ch.DM() && ch.Recipient() != 0 {
			c.dmChannels[ch.Recipient()] = ch
		}
		c.updateGauges()
		c.mu.Unlock()

		for _, r := range ch.Recipients() {
			_ = c.putUserData(r)
		}
	}

	if sc := c.ServerCache(ch.ServerID()); sc != nil {
		sc.addChannel(ch)
	}
	return ch, nil
}

func (c *BotCache) PutUser(raw json.RawMessage, update bool) (*models.User, error) {
	id, err := models.PeekID(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid user payload")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if u, ok := c.users[id]; ok {
		if update {
			if err := u.Update(raw); err != nil {
				return nil, err
			}
		}
		return u, nil
	}

	u, err := models.NewUser(raw)
	if err != nil {
		return nil, err
	}

	c.users[id] = u
	c.updateGauges()
	return u, nil
}

func (c *BotCache) putUserData(data models.UserData) *models.User {
	c.mu.Lock()
	defer c.mu.Unlock()

	if u, ok := c.users[data.ID]; ok {
		return u
	}

	u := models.NewUserFromData(data)
	c.users[data.ID] = u
	c.updateGauges()
	return u
}

// RemoveServer drops the server tier together with the channels it listed.
func (c *BotCache) RemoveServer(id models.ID) *models.Server {
	sc := c.ServerCache(id)
	if sc == nil {
		return nil
	}

	for _, ch := range sc.Channels() {
		c.RemoveChannel(ch.ID())
	}

	c.mu.Lock()
	delete(c.servers, id)
	c.updateGauges()
	c.mu.Unlock()

	return sc.server
}

// RemoveChannel drops a channel from its server tier, the DM index, this tier and its message tier.
func (c *BotCache) RemoveChannel(id models.ID) *models.Channel {
	c.mu.RLock()
	ch := c.channels[id]
	c.mu.RUnlock()
	if ch == nil {
		return nil
	}

	// server tier lock is taken first, matching ServerCache.addChannel
	if sc := c.ServerCache(ch.ServerID()); sc != nil {
		sc.mu.Lock()
		defer sc.mu.Unlock()
		delete(sc.channels, id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.channels, id)
	delete(c.messages, id)
	if recipient := ch.Recipient(); recipient != 0 && c.dmChannels[recipient] == ch {
		delete(c.dmChannels, recipient)
	}
	c.updateGauges()
	return ch
}

func (c *BotCache) RemoveUser(id models.ID) *models.User {
	c.mu.Lock()
	defer c.mu.Unlock()

	u := c.users[id]
	delete(c.users, id)
	c.updateGauges()
	return u
}

// Messages returns the message tier of a channel, creating it on first use.
func (c *BotCache) Messages(channel models.ID) *ChannelCache {
	c.mu.RLock()
	cc := c.messages[channel]
	c.mu.RUnlock()
	if cc != nil {
		return cc
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cc = c.messages[channel]; cc == nil {
		cc = newChannelCache(c, channel, c.messageLimit)
		c.messages[channel] = cc
	}
	return cc
}

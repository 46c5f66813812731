package bot

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/Mijyuoon/MijDiscord/cache"
	"github.com/Mijyuoon/MijDiscord/config"
	"github.com/Mijyuoon/MijDiscord/events"
	"github.com/Mijyuoon/MijDiscord/gateway"
	"github.com/Mijyuoon/MijDiscord/metrics"
	"github.com/Mijyuoon/MijDiscord/models"
	"github.com/Mijyuoon/MijDiscord/rest"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var ErrInvalidStatus = errors.New("invalid status")

// RawHandler observes every dispatch before it is routed. seq is the
// session sequence the dispatch carried.
type RawHandler func(name string, seq int64, data json.RawMessage)

// Bot owns one gateway session and everything built on top of it.
type Bot struct {
	cfg     config.BotCfg
	logger  zerolog.Logger
	metrics *metrics.Collector

	api     *rest.API
	cache   *cache.BotCache
	events  *events.Dispatcher
	gateway *gateway.Gateway

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	clientID    models.ID
	profile     *models.User
	presence    models.Presence
	ignored     map[models.ID]struct{}
	rawHandlers []RawHandler

	unavailable         int
	unavailableDeadline time.Time
}

func New(logger zerolog.Logger, cfg config.Cfg, m *metrics.Collector) (*Bot, error) {
	var clientID models.ID
	if cfg.Bot.ClientID != "" {
		id, err := models.ParseID(cfg.Bot.ClientID)
		if err != nil {
			return nil, errors.Wrap(err, "invalid client id")
		}
		clientID = id
	}

	exec := rest.NewExecutor(logger, rest.Options{
		Auth:             cfg.Bot.AuthHeader(),
		UserAgent:        rest.UserAgent(config.LibraryURL, config.App.Version, cfg.Bot.Name),
		Timeout:          cfg.REST.Timeout,
		MaxRetries:       cfg.REST.MaxRetries,
		ServerErrorDelay: cfg.REST.ServerErrorDelay,
	}, m)

	b := &Bot{
		cfg:      cfg.Bot,
		logger:   logger.With().Str("sub_service", "bot").Logger(),
		metrics:  m,
		api:      rest.NewAPI(exec, cfg.REST.BaseURL),
		events:   events.NewDispatcher(logger, cfg.Events, m),
		clientID: clientID,
		ignored:  make(map[models.ID]struct{}),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.cache = cache.New(b.api, logger, cfg.Cache, m)

	identity := gateway.Identity{
		Token:      cfg.Bot.AuthHeader(),
		Properties: gateway.DefaultProperties(config.ServiceName),
	}
	if cfg.Bot.Sharded() {
		identity.Shard = []int{cfg.Bot.ShardID, cfg.Bot.NumShards}
	}
	b.gateway = gateway.New(logger, cfg.Gateway, identity, b.api.Gateway, router{b}, m)

	return b, nil
}

func (b *Bot) API() *rest.API                 { return b.api }
func (b *Bot) Cache() *cache.BotCache         { return b.cache }
func (b *Bot) Dispatcher() *events.Dispatcher { return b.events }
func (b *Bot) Gateway() *gateway.Gateway      { return b.gateway }

// Connect opens the gateway and blocks until the initial server list is loaded.
func (b *Bot) Connect(ctx context.Context) error {
	return b.gateway.Start(ctx)
}

// Disconnect closes the gateway and waits for running callbacks.
func (b *Bot) Disconnect(graceful bool) {
	b.gateway.Stop(graceful)
	b.cancel()
	b.events.Wait()
}

func (b *Bot) Connected() bool { return b.gateway.Open() }

// Done is closed when the gateway gave up reconnecting.
func (b *Bot) Done() <-chan struct{} { return b.gateway.Done() }

func (b *Bot) ClientID() models.ID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.clientID
}

// Profile is the bot account as reported by READY.
func (b *Bot) Profile() *models.User {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.profile
}

func (b *Bot) Presence() models.Presence {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.presence
}

func (b *Bot) AddEvent(t events.Type, key string, filter events.Filter, handler events.Handler) (string, error) {
	return b.events.Register(t, key, filter, handler)
}

func (b *Bot) RemoveEvent(t events.Type, key string) bool {
	return b.events.Remove(t, key)
}

func (b *Bot) EventCallbacks(t events.Type) []events.Callback {
	return b.events.Callbacks(t)
}

func (b *Bot) AddRawHandler(h RawHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rawHandlers = append(b.rawHandlers, h)
}

func (b *Bot) IgnoreUser(id models.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ignored[id] = struct{}{}
}

func (b *Bot) UnignoreUser(id models.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ignored, id)
}

// IgnoredUser reports whether messages and reactions from id are dropped.
func (b *Bot) IgnoredUser(id models.ID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.cfg.IgnoreSelf && id != 0 && id == b.clientID {
		return true
	}
	_, ok := b.ignored[id]
	return ok
}

func (b *Bot) Servers() []*models.Server { return b.cache.Servers() }

func (b *Bot) Server(ctx context.Context, id models.ID) (*models.Server, error) {
	return b.cache.Server(ctx, id, false)
}

func (b *Bot) Channels() []*models.Channel { return b.cache.Channels() }

func (b *Bot) Channel(ctx context.Context, id models.ID) (*models.Channel, error) {
	return b.cache.Channel(ctx, id, false)
}

// DMChannel returns the direct message channel with user, opening it if needed.
func (b *Bot) DMChannel(ctx context.Context, user models.ID) (*models.Channel, error) {
	return b.cache.DMChannel(ctx, user, false)
}

func (b *Bot) Users() []*models.User { return b.cache.Users() }

func (b *Bot) User(ctx context.Context, id models.ID) (*models.User, error) {
	return b.cache.User(ctx, id, false)
}

func (b *Bot) Member(ctx context.Context, server, user models.ID) (*models.Member, error) {
	sc, err := b.cache.ResolveServer(ctx, server, false)
	if sc == nil || err != nil {
		return nil, err
	}
	return sc.Member(ctx, user, false)
}

func (b *Bot) Role(server, role models.ID) *models.Role {
	if sc := b.cache.ServerCache(server); sc != nil {
		return sc.Role(role)
	}
	return nil
}

func (b *Bot) Emoji(server, emoji models.ID) (models.Emoji, bool) {
	sc := b.cache.ServerCache(server)
	if sc == nil {
		return models.Emoji{}, false
	}
	for _, e := range sc.Emojis() {
		if e.ID == emoji {
			return e, true
		}
	}
	return models.Emoji{}, false
}

// SendMessage posts content to channel and caches the created message.
func (b *Bot) SendMessage(ctx context.Context, channel models.ID, content string, tts bool) (*models.Message, error) {
	raw, err := b.api.SendMessage(ctx, channel, rest.MessageSend{Content: content, TTS: tts})
	if err != nil {
		return nil, err
	}
	return b.cache.Messages(channel).PutMessage(raw, false)
}

// DeleteMessages bulk deletes messages, skipping those too old for the bulk
// endpoint. Only messages the API accepted leave the cache.
func (b *Bot) DeleteMessages(ctx context.Context, channel models.ID, ids []models.ID) (int, error) {
	deleted, err := b.api.BulkDeleteMessages(ctx, channel, ids)

	messages := b.cache.Messages(channel)
	for _, id := range deleted {
		messages.RemoveMessage(id)
	}
	return len(deleted), err
}

// ParseMention resolves a mention to a *models.Member or *models.User,
// a *models.Channel, a *models.Role or a models.Emoji. Roles and emoji are
// looked up in server first and then in every cached server.
func (b *Bot) ParseMention(ctx context.Context, text string, server models.ID) (interface{}, error) {
	kind, id, ok := models.ParseMention(text)
	if !ok {
		return nil, nil
	}

	switch kind {
	case models.MentionUser:
		if server != 0 {
			m, err := b.Member(ctx, server, id)
			if m == nil || err != nil {
				return nil, err
			}
			return m, nil
		}
		u, err := b.User(ctx, id)
		if u == nil || err != nil {
			return nil, err
		}
		return u, nil
	case models.MentionChannel:
		ch, err := b.Channel(ctx, id)
		if ch == nil || err != nil {
			return nil, err
		}
		return ch, nil
	case models.MentionRole:
		if r := b.Role(server, id); r != nil {
			return r, nil
		}
		for _, s := range b.cache.Servers() {
			if r := b.Role(s.ID(), id); r != nil {
				return r, nil
			}
		}
	case models.MentionEmoji:
		if e, ok := b.Emoji(server, id); ok {
			return e, nil
		}
		for _, s := range b.cache.Servers() {
			if e, ok := b.Emoji(s.ID(), id); ok {
				return e, nil
			}
		}
	}
	return nil, nil
}

var statusAliases = map[string]models.Status{ //nolint:gochecknoglobals
	"online":    models.StatusOnline,
	"idle":      models.StatusIdle,
	"away":      models.StatusIdle,
	"dnd":       models.StatusDND,
	"busy":      models.StatusDND,
	"invisible": models.StatusInvisible,
	"hidden":    models.StatusInvisible,
	"offline":   models.StatusOffline,
}

// ParseStatus accepts the status names and their aliases (away, busy, hidden).
func ParseStatus(name string) (models.Status, bool) {
	s, ok := statusAliases[strings.ToLower(name)]
	return s, ok
}

// ChangeStatus updates the bot presence. An empty status keeps the current
// one and a nil game clears the playing line.
func (b *Bot) ChangeStatus(status models.Status, game *models.Game) error {
	if !b.Connected() {
		return gateway.ErrNotConnected
	}

	if status == "" {
		status = b.Presence().Status
	} else if s, ok := ParseStatus(string(status)); ok {
		status = s
	} else {
		return errors.Wrapf(ErrInvalidStatus, "%q", status)
	}

	var payload interface{}
	if game != nil && game.Name != "" {
		payload = game
	} else {
		game = nil
	}

	if err := b.gateway.SendStatusUpdate(string(status), nil, payload, false); err != nil {
		return err
	}

	b.mu.Lock()
	b.presence = models.Presence{Status: status, Game: game}
	b.mu.Unlock()
	return nil
}

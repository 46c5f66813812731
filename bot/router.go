package bot

import (
	"encoding/json"
	"time"

	"github.com/Mijyuoon/MijDiscord/cache"
	"github.com/Mijyuoon/MijDiscord/events"
	"github.com/Mijyuoon/MijDiscord/gateway"
	"github.com/Mijyuoon/MijDiscord/models"
	"github.com/Mijyuoon/MijDiscord/rest"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// router applies gateway dispatches to the cache and raises the matching events.
type router struct {
	*Bot
}

type route func(b *Bot, data json.RawMessage) error

var routes = map[string]route{ //nolint:gochecknoglobals
	gateway.EventConnect:    (*Bot).onConnect,
	gateway.EventDisconnect: (*Bot).onDisconnect,
	gateway.EventReady:      (*Bot).onReady,

	"GUILD_CREATE":        (*Bot).onServerCreate,
	"GUILD_UPDATE":        (*Bot).onServerUpdate,
	"GUILD_DELETE":        (*Bot).onServerDelete,
	"GUILD_MEMBERS_CHUNK": (*Bot).onMembersChunk,
	"GUILD_MEMBER_ADD":    (*Bot).onMemberAdd,
	"GUILD_MEMBER_UPDATE": (*Bot).onMemberUpdate,
	"GUILD_MEMBER_REMOVE": (*Bot).onMemberRemove,
	"GUILD_ROLE_CREATE":   (*Bot).onRoleCreate,
	"GUILD_ROLE_UPDATE":   (*Bot).onRoleUpdate,
	"GUILD_ROLE_DELETE":   (*Bot).onRoleDelete,
	"GUILD_EMOJIS_UPDATE": (*Bot).onEmojisUpdate,
	"GUILD_BAN_ADD":       banRoute(events.BanUser),
	"GUILD_BAN_REMOVE":    banRoute(events.UnbanUser),

	"CHANNEL_CREATE":           (*Bot).onChannelCreate,
	"CHANNEL_UPDATE":           (*Bot).onChannelUpdate,
	"CHANNEL_DELETE":           (*Bot).onChannelDelete,
	"CHANNEL_RECIPIENT_ADD":    recipientRoute(events.AddRecipient),
	"CHANNEL_RECIPIENT_REMOVE": recipientRoute(events.RemoveRecipient),

	"MESSAGE_CREATE":              (*Bot).onMessageCreate,
	"MESSAGE_UPDATE":              (*Bot).onMessageUpdate,
	"MESSAGE_DELETE":              (*Bot).onMessageDelete,
	"MESSAGE_DELETE_BULK":         (*Bot).onMessageDeleteBulk,
	"MESSAGE_ACK":                 func(*Bot, json.RawMessage) error { return nil },
	"MESSAGE_REACTION_ADD":        reactionRoute(events.AddReaction),
	"MESSAGE_REACTION_REMOVE":     reactionRoute(events.RemoveReaction),
	"MESSAGE_REACTION_REMOVE_ALL": (*Bot).onReactionsClear,
	"TYPING_START":                (*Bot).onTyping,

	"USER_UPDATE":        (*Bot).onUserUpdate,
	"PRESENCE_UPDATE":    (*Bot).onPresence,
	"VOICE_STATE_UPDATE": (*Bot).onVoiceState,
}

// Dispatch runs in the gateway read loop. A failing route is logged and
// raised as an exception event, it never reaches the gateway.
func (r router) Dispatch(name string, data json.RawMessage) {
	b := r.Bot
	defer func() {
		if rec := recover(); rec != nil {
			b.dispatchFailed(name, data, errors.Errorf("dispatch panic: %v", rec))
		}
	}()

	b.logger.Debug().Str("event", name).RawJSON("data", nonEmpty(data)).Msg("dispatch")
	b.checkUnavailable()
	b.runRawHandlers(name, data)

	handle, ok := routes[name]
	if !ok {
		b.logger.Warn().Str("event", name).Msg("unhandled gateway event type")
		b.trigger(&events.UnhandledEvent{Generic: events.Generic{Kind: events.Unhandled}, Name: name, Data: data})
		return
	}

	if err := handle(b, data); err != nil {
		b.dispatchFailed(name, data, err)
	}
}

func (r router) Heartbeat() {
	r.checkUnavailable()
	r.trigger(events.NewGeneric(events.Heartbeat))
}

func (b *Bot) dispatchFailed(name string, data json.RawMessage, err error) {
	b.logger.Error().Err(err).Str("event", name).Msg("an error occurred in dispatch handler")
	b.events.Exception(b.ctx, events.SourceDispatch, err, &events.UnhandledEvent{
		Generic: events.Generic{Kind: events.Unhandled},
		Name:    name,
		Data:    data,
	})
}

func (b *Bot) runRawHandlers(name string, data json.RawMessage) {
	b.mu.RLock()
	handlers := b.rawHandlers
	b.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	var seq int64
	if s := b.gateway.Session(); s != nil {
		seq = s.Sequence()
	}
	for _, h := range handlers {
		h(name, seq, data)
	}
}

func (b *Bot) trigger(ev events.Event) {
	b.events.Trigger(b.ctx, ev)
}

func (b *Bot) notifyReady() {
	b.gateway.NotifyReady()
	b.trigger(events.NewGeneric(events.Ready))
}

// checkUnavailable gives up on servers still missing after the ready timeout.
func (b *Bot) checkUnavailable() {
	b.mu.Lock()
	if b.unavailable == 0 || time.Now().Before(b.unavailableDeadline) {
		b.mu.Unlock()
		return
	}
	missing := b.unavailable
	b.unavailable = 0
	b.mu.Unlock()

	b.logger.Warn().Int("servers", missing).Msg("proceeding with servers still unavailable")
	b.notifyReady()
}

func (b *Bot) onConnect(json.RawMessage) error {
	b.trigger(events.NewGeneric(events.Connect))
	return nil
}

func (b *Bot) onDisconnect(json.RawMessage) error {
	b.trigger(events.NewGeneric(events.Disconnect))
	return nil
}

func (b *Bot) onReady(data json.RawMessage) error {
	var ready struct {
		User            json.RawMessage   `json:"user"`
		Guilds          []json.RawMessage `json:"guilds"`
		PrivateChannels []json.RawMessage `json:"private_channels"`
	}
	if err := json.Unmarshal(data, &ready); err != nil {
		return errors.Wrap(err, "invalid READY payload")
	}

	b.cache.Reset()
	profile, err := b.cache.PutUser(ready.User, true)
	if err != nil {
		return err
	}

	unavailable := 0
	for _, raw := range ready.Guilds {
		if gjson.GetBytes(raw, "unavailable").Bool() {
			unavailable++
			continue
		}
		if _, err := b.cache.PutServer(raw, false); err != nil {
			b.logger.Error().Err(err).Msg("skipping server from READY")
		}
	}
	for _, raw := range ready.PrivateChannels {
		if _, err := b.cache.PutChannel(raw, false); err != nil {
			b.logger.Error().Err(err).Msg("skipping private channel from READY")
		}
	}

	b.mu.Lock()
	b.profile = profile
	if b.clientID == 0 {
		b.clientID = profile.ID()
	}
	b.presence = models.Presence{Status: models.StatusOnline}
	b.unavailable = unavailable
	b.unavailableDeadline = time.Now().Add(b.cfg.ReadyTimeout)
	b.mu.Unlock()

	b.logger.Info().
		Str("user", profile.Tag()).
		Int("servers", len(ready.Guilds)).
		Int("unavailable", unavailable).
		Msg("session ready")

	if unavailable == 0 {
		b.notifyReady()
	}
	return nil
}

func (b *Bot) onServerCreate(data json.RawMessage) error {
	sc, err := b.cache.PutServer(data, false)
	if err != nil {
		return err
	}

	// an explicit unavailable=false marks a server that was missing from READY
	if flag := gjson.GetBytes(data, "unavailable"); flag.Exists() && !flag.Bool() {
		b.mu.Lock()
		if b.unavailable == 0 {
			b.mu.Unlock()
			return nil
		}
		b.unavailable--
		left := b.unavailable
		b.unavailableDeadline = time.Now().Add(b.cfg.ReadyTimeout)
		b.mu.Unlock()

		if left == 0 {
			b.notifyReady()
		}
		return nil
	}

	b.trigger(serverEvent(events.CreateServer, sc.Server()))
	return nil
}

func (b *Bot) onServerUpdate(data json.RawMessage) error {
	sc, err := b.cache.PutServer(data, true)
	if err != nil {
		return err
	}
	b.trigger(serverEvent(events.UpdateServer, sc.Server()))
	return nil
}

func (b *Bot) onServerDelete(data json.RawMessage) error {
	id, err := models.PeekID(data)
	if err != nil {
		return err
	}

	server := b.cache.RemoveServer(id)
	if gjson.GetBytes(data, "unavailable").Bool() {
		b.logger.Warn().Stringer("server", id).Msg("server became unavailable due to an outage")
		return nil
	}

	b.trigger(serverEvent(events.DeleteServer, server))
	return nil
}

func (b *Bot) onMembersChunk(data json.RawMessage) error {
	sc, err := b.serverOf(data)
	if err != nil {
		return err
	}
	n := sc.PutMembersChunk(data)
	b.logger.Debug().Stringer("server", sc.ID()).Int("members", n).Msg("members chunk stored")
	return nil
}

func (b *Bot) onMemberAdd(data json.RawMessage) error {
	sc, err := b.serverOf(data)
	if err != nil {
		return err
	}
	member, err := sc.PutMember(data, false)
	if err != nil {
		return err
	}
	sc.Server().AddMemberCount(1)

	b.trigger(&events.MemberEvent{ServerEvent: *serverEvent(events.CreateMember, sc.Server()), Member: member})
	return nil
}

func (b *Bot) onMemberUpdate(data json.RawMessage) error {
	sc, err := b.serverOf(data)
	if err != nil {
		return err
	}
	member, err := sc.PutMember(data, true)
	if err != nil {
		return err
	}

	b.trigger(&events.MemberEvent{ServerEvent: *serverEvent(events.UpdateMember, sc.Server()), Member: member})
	return nil
}

func (b *Bot) onMemberRemove(data json.RawMessage) error {
	sc, err := b.serverOf(data)
	if err != nil {
		return err
	}
	id, err := models.ParseID(gjson.GetBytes(data, "user.id").String())
	if err != nil {
		return errors.Wrap(err, "invalid member remove payload")
	}
	member := sc.RemoveMember(id)
	sc.Server().AddMemberCount(-1)

	b.trigger(&events.MemberEvent{ServerEvent: *serverEvent(events.DeleteMember, sc.Server()), Member: member})
	return nil
}

func (b *Bot) onRoleCreate(data json.RawMessage) error {
	return b.putRole(events.CreateRole, data, false)
}

func (b *Bot) onRoleUpdate(data json.RawMessage) error {
	return b.putRole(events.UpdateRole, data, true)
}

func (b *Bot) putRole(t events.Type, data json.RawMessage, update bool) error {
	sc, err := b.serverOf(data)
	if err != nil {
		return err
	}
	role, err := sc.PutRole(json.RawMessage(gjson.GetBytes(data, "role").Raw), update)
	if err != nil {
		return err
	}

	b.trigger(&events.RoleEvent{ServerEvent: *serverEvent(t, sc.Server()), Role: role})
	return nil
}

func (b *Bot) onRoleDelete(data json.RawMessage) error {
	sc, err := b.serverOf(data)
	if err != nil {
		return err
	}

	fields := gjson.GetManyBytes(data, "role_id", "role.id")
	raw := fields[0].String()
	if raw == "" {
		raw = fields[1].String()
	}
	id, err := models.ParseID(raw)
	if err != nil {
		return errors.Wrap(err, "invalid role delete payload")
	}

	role := sc.RemoveRole(id)
	b.trigger(&events.RoleEvent{ServerEvent: *serverEvent(events.DeleteRole, sc.Server()), Role: role})
	return nil
}

func (b *Bot) onEmojisUpdate(data json.RawMessage) error {
	sc, err := b.serverOf(data)
	if err != nil {
		return err
	}
	before, after, err := sc.UpdateEmojis(data)
	if err != nil {
		return err
	}

	b.trigger(&events.EmojiEvent{
		ServerEvent: *serverEvent(events.UpdateEmoji, sc.Server()),
		Added:       emojiDiff(after, before),
		Removed:     emojiDiff(before, after),
	})
	return nil
}

// emojiDiff lists the emoji of a that are missing from b.
func emojiDiff(a, b []models.Emoji) []models.Emoji {
	seen := make(map[models.ID]bool, len(b))
	for _, e := range b {
		seen[e.ID] = true
	}

	var diff []models.Emoji
	for _, e := range a {
		if !seen[e.ID] {
			diff = append(diff, e)
		}
	}
	return diff
}

func banRoute(t events.Type) route {
	return func(b *Bot, data json.RawMessage) error {
		sc, err := b.serverOf(data)
		if err != nil {
			return err
		}
		user, err := b.cache.PutUser(json.RawMessage(gjson.GetBytes(data, "user").Raw), false)
		if err != nil {
			return err
		}

		b.trigger(&events.BanEvent{ServerEvent: *serverEvent(t, sc.Server()), User: user})
		return nil
	}
}

func (b *Bot) onChannelCreate(data json.RawMessage) error {
	ch, err := b.cache.PutChannel(data, false)
	if err != nil {
		return err
	}
	b.trigger(b.channelEvent(events.CreateChannel, ch))
	return nil
}

func (b *Bot) onChannelUpdate(data json.RawMessage) error {
	ch, err := b.cache.PutChannel(data, true)
	if err != nil {
		return err
	}
	b.trigger(b.channelEvent(events.UpdateChannel, ch))
	return nil
}

func (b *Bot) onChannelDelete(data json.RawMessage) error {
	id, err := models.PeekID(data)
	if err != nil {
		return err
	}
	b.trigger(b.channelEvent(events.DeleteChannel, b.cache.RemoveChannel(id)))
	return nil
}

func recipientRoute(t events.Type) route {
	return func(b *Bot, data json.RawMessage) error {
		ch, err := b.channelOf(data)
		if err != nil {
			return err
		}

		user, err := b.cache.PutUser(json.RawMessage(gjson.GetBytes(data, "user").Raw), true)
		if err != nil {
			return err
		}
		if t == events.AddRecipient {
			ch.AddRecipient(user.Data())
		} else {
			ch.RemoveRecipient(user.ID())
		}

		b.trigger(&events.RecipientEvent{ChannelEvent: *b.channelEvent(t, ch), Recipient: user})
		return nil
	}
}

// skipAuthor applies the ignore list and the bot filter to a message author.
func (b *Bot) skipAuthor(author gjson.Result) bool {
	id, _ := models.ParseID(author.Get("id").String())
	if b.IgnoredUser(id) {
		return true
	}
	return b.cfg.IgnoreBots && author.Get("bot").Bool()
}

func (b *Bot) onMessageCreate(data json.RawMessage) error {
	if b.skipAuthor(gjson.GetBytes(data, "author")) {
		return nil
	}

	ch, err := b.channelOf(data)
	if err != nil {
		return err
	}
	msg, err := b.cache.Messages(ch.ID()).PutMessage(data, false)
	if err != nil {
		return err
	}

	server := b.localServer(ch.ServerID())
	b.trigger(&events.MessageEvent{Generic: events.Generic{Kind: events.CreateMessage}, Message: msg, Server: server})

	kind := events.ChannelMessage
	if ch.Private() {
		kind = events.PrivateMessage
	}
	b.trigger(&events.MessageEvent{Generic: events.Generic{Kind: kind}, Message: msg, Server: server})
	return nil
}

func (b *Bot) onMessageUpdate(data json.RawMessage) error {
	// embed only updates carry no author
	author := gjson.GetBytes(data, "author")
	if !author.Exists() || b.skipAuthor(author) {
		return nil
	}

	ch, err := b.channelOf(data)
	if err != nil {
		return err
	}
	msg, err := b.cache.Messages(ch.ID()).PutMessage(data, true)
	if err != nil {
		return err
	}

	b.trigger(&events.MessageEvent{
		Generic: events.Generic{Kind: events.EditMessage},
		Message: msg,
		Server:  b.localServer(ch.ServerID()),
	})
	return nil
}

func (b *Bot) onMessageDelete(data json.RawMessage) error {
	id, err := models.PeekID(data)
	if err != nil {
		return err
	}
	ch, err := b.channelOf(data)
	if err != nil {
		return err
	}

	b.cache.Messages(ch.ID()).RemoveMessage(id)
	b.trigger(b.messageDeleteEvent(id, ch))
	return nil
}

func (b *Bot) onMessageDeleteBulk(data json.RawMessage) error {
	var bulk struct {
		IDs []models.ID `json:"ids"`
	}
	if err := json.Unmarshal(data, &bulk); err != nil {
		return errors.Wrap(err, "invalid bulk delete payload")
	}
	ch, err := b.channelOf(data)
	if err != nil {
		return err
	}

	messages := b.cache.Messages(ch.ID())
	for _, id := range bulk.IDs {
		messages.RemoveMessage(id)
		b.trigger(b.messageDeleteEvent(id, ch))
	}
	return nil
}

func (b *Bot) messageDeleteEvent(id models.ID, ch *models.Channel) *events.MessageDeleteEvent {
	return &events.MessageDeleteEvent{
		Generic: events.Generic{Kind: events.DeleteMessage},
		ID:      id,
		Channel: ch,
		Server:  b.localServer(ch.ServerID()),
	}
}

type reactionPayload struct {
	UserID    models.ID    `json:"user_id"`
	ChannelID models.ID    `json:"channel_id"`
	MessageID models.ID    `json:"message_id"`
	GuildID   models.ID    `json:"guild_id"`
	Emoji     models.Emoji `json:"emoji"`
}

func reactionRoute(t events.Type) route {
	return func(b *Bot, data json.RawMessage) error {
		var p reactionPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return errors.Wrap(err, "invalid reaction payload")
		}
		if b.IgnoredUser(p.UserID) {
			return nil
		}

		ev, err := b.reactionEvent(t, p)
		if err != nil {
			return err
		}
		b.trigger(ev)

		toggle := *ev
		toggle.Kind = events.ToggleReaction
		b.trigger(&toggle)
		return nil
	}
}

func (b *Bot) onReactionsClear(data json.RawMessage) error {
	var p reactionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return errors.Wrap(err, "invalid reaction payload")
	}

	ev, err := b.reactionEvent(events.ClearReactions, p)
	if err != nil {
		return err
	}
	b.trigger(ev)
	return nil
}

func (b *Bot) reactionEvent(t events.Type, p reactionPayload) (*events.ReactionEvent, error) {
	ch, err := b.cache.Channel(b.ctx, p.ChannelID, false)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, errors.Errorf("unknown channel %d", p.ChannelID)
	}

	ev := &events.ReactionEvent{
		Generic:   events.Generic{Kind: t},
		MessageID: p.MessageID,
		Channel:   ch,
		Server:    b.localServer(ch.ServerID()),
		Emoji:     p.Emoji,
	}
	if p.UserID != 0 {
		if ev.User, err = b.participant(ch.ServerID(), p.UserID); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// participant resolves a user as a server member when the channel belongs to a server.
func (b *Bot) participant(server, user models.ID) (models.IDObject, error) {
	if sc := b.cache.ServerCache(server); sc != nil {
		m, err := sc.Member(b.ctx, user, false)
		if m == nil || err != nil {
			return nil, err
		}
		return m, nil
	}

	u, err := b.cache.User(b.ctx, user, false)
	if u == nil || err != nil {
		return nil, err
	}
	return u, nil
}

func (b *Bot) onTyping(data json.RawMessage) error {
	var typing models.Typing
	if err := json.Unmarshal(data, &typing); err != nil {
		return errors.Wrap(err, "invalid typing payload")
	}

	ch, err := b.cache.Channel(b.ctx, typing.ChannelID, false)
	if errors.Is(err, rest.ErrForbidden) {
		// typing is sent for channels the bot cannot read
		return nil
	}
	if err != nil {
		return err
	}
	if ch == nil {
		return errors.Errorf("unknown channel %d", typing.ChannelID)
	}

	user, err := b.participant(ch.ServerID(), typing.UserID)
	if err != nil {
		return err
	}

	b.trigger(&events.TypingEvent{
		Generic:   events.Generic{Kind: events.StartTyping},
		Channel:   ch,
		Server:    b.localServer(ch.ServerID()),
		User:      user,
		Timestamp: typing.Time(),
	})
	return nil
}

func (b *Bot) onUserUpdate(data json.RawMessage) error {
	user, err := b.cache.PutUser(data, true)
	if err != nil {
		return err
	}
	b.trigger(&events.UserEvent{Generic: events.Generic{Kind: events.UpdateUser}, User: user})
	return nil
}

func (b *Bot) onPresence(data json.RawMessage) error {
	if !gjson.GetBytes(data, "guild_id").Exists() {
		return nil
	}

	sc, err := b.serverOf(data)
	if err != nil {
		return err
	}
	member, oldGame, err := sc.ApplyPresence(data)
	if err != nil {
		return err
	}

	game := member.Game()
	kind := events.UpdatePresence
	if !sameGame(oldGame, game) {
		kind = events.UpdatePlaying
	}

	b.trigger(&events.PresenceEvent{
		ServerEvent: *serverEvent(kind, sc.Server()),
		User:        member.User(),
		Member:      member,
		Status:      member.Status(),
		Game:        game,
	})
	return nil
}

func sameGame(a, b *models.Game) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (b *Bot) onVoiceState(data json.RawMessage) error {
	sc, err := b.serverOf(data)
	if err != nil {
		return err
	}
	state, err := sc.UpdateVoiceState(data)
	if err != nil {
		return err
	}

	member, err := sc.Member(b.ctx, state.UserID, true)
	if err != nil {
		return err
	}

	b.trigger(&events.VoiceStateEvent{
		MemberEvent: events.MemberEvent{ServerEvent: *serverEvent(events.UpdateVoiceState, sc.Server()), Member: member},
		State:       state,
	})
	return nil
}

// serverOf resolves the server named by the guild_id of a payload.
func (b *Bot) serverOf(data json.RawMessage) (*cache.ServerCache, error) {
	id, err := models.ParseID(gjson.GetBytes(data, "guild_id").String())
	if err != nil {
		return nil, errors.Wrap(err, "invalid guild_id")
	}

	sc, err := b.cache.ResolveServer(b.ctx, id, false)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		return nil, errors.Errorf("unknown server %d", id)
	}
	return sc, nil
}

// channelOf resolves the channel named by the channel_id of a payload.
func (b *Bot) channelOf(data json.RawMessage) (*models.Channel, error) {
	id, err := models.ParseID(gjson.GetBytes(data, "channel_id").String())
	if err != nil {
		return nil, errors.Wrap(err, "invalid channel_id")
	}

	ch, err := b.cache.Channel(b.ctx, id, false)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, errors.Errorf("unknown channel %d", id)
	}
	return ch, nil
}

func (b *Bot) localServer(id models.ID) *models.Server {
	if sc := b.cache.ServerCache(id); sc != nil {
		return sc.Server()
	}
	return nil
}

func (b *Bot) channelEvent(t events.Type, ch *models.Channel) *events.ChannelEvent {
	ev := &events.ChannelEvent{Generic: events.Generic{Kind: t}, Channel: ch}
	if ch != nil {
		ev.Server = b.localServer(ch.ServerID())
	}
	return ev
}

func serverEvent(t events.Type, server *models.Server) *events.ServerEvent {
	return &events.ServerEvent{Generic: events.Generic{Kind: t}, Server: server}
}

func nonEmpty(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	return data
}

package cache

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Mijyuoon/MijDiscord/models"
	"github.com/Mijyuoon/MijDiscord/rest"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// ServerCache is the per-server tier: members, roles, channels, voice states and emojis.
type ServerCache struct {
	bot    *BotCache
	server *models.Server

	mu          sync.RWMutex
	members     map[models.ID]*models.Member
	roles       map[models.ID]*models.Role
	channels    map[models.ID]*models.Channel
	voiceStates map[models.ID]models.VoiceState
	emojis      map[models.ID]models.Emoji
}

func newServerCache(bot *BotCache, server *models.Server) *ServerCache {
	return &ServerCache{
		bot:         bot,
		server:      server,
		members:     make(map[models.ID]*models.Member),
		roles:       make(map[models.ID]*models.Role),
		channels:    make(map[models.ID]*models.Channel),
		voiceStates: make(map[models.ID]models.VoiceState),
		emojis:      make(map[models.ID]models.Emoji),
	}
}

func (s *ServerCache) Server() *models.Server { return s.server }
func (s *ServerCache) ID() models.ID          { return s.server.ID() }

func (s *ServerCache) Members() []*models.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return values(s.members)
}

func (s *ServerCache) Roles() []*models.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return values(s.roles)
}

func (s *ServerCache) Channels() []*models.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return values(s.channels)
}

func (s *ServerCache) Emojis() []models.Emoji {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return values(s.emojis)
}

func (s *ServerCache) VoiceStates() []models.VoiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return values(s.voiceStates)
}

func (s *ServerCache) Member(ctx context.Context, id models.ID, local bool) (*models.Member, error) {
	s.mu.RLock()
	m := s.members[id]
	s.mu.RUnlock()

	if m != nil || local {
		return m, nil
	}

	key := "member:" + s.ID().String() + ":" + id.String()
	raw, err := s.bot.load(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		return s.bot.fetch.Member(ctx, s.ID(), id)
	})
	if errors.Is(err, rest.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve member %d", id)
	}

	return s.PutMember(raw, false)
}

// Role is local only, the API has no single role lookup.
func (s *ServerCache) Role(id models.ID) *models.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roles[id]
}

// Channel falls back to the process tier and accepts the result only if it belongs to this server.
func (s *ServerCache) Channel(ctx context.Context, id models.ID, local bool) (*models.Channel, error) {
	s.mu.RLock()
	ch := s.channels[id]
	s.mu.RUnlock()
	if ch != nil {
		return ch, nil
	}

	ch, err := s.bot.Channel(ctx, id, local)
	if err != nil || ch == nil || ch.ServerID() != s.ID() {
		return nil, err
	}

	s.addChannel(ch)
	return ch, nil
}

// PutMember is keyed by the id of the embedded user object.
func (s *ServerCache) PutMember(raw json.RawMessage, update bool) (*models.Member, error) {
	userRaw := gjson.GetBytes(raw, "user")
	if !userRaw.IsObject() {
		return nil, errors.New("member payload has no user")
	}

	user, err := s.bot.PutUser(json.RawMessage(userRaw.Raw), update)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.members[user.ID()]; ok {
		if update {
			if err := m.Update(raw); err != nil {
				return nil, err
			}
		}
		return m, nil
	}

	m, err := models.NewMember(user, s.ID(), raw)
	if err != nil {
		return nil, err
	}

	s.members[user.ID()] = m
	return m, nil
}

func (s *ServerCache) PutRole(raw json.RawMessage, update bool) (*models.Role, error) {
	id, err := models.PeekID(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid role payload")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.roles[id]; ok {
		if update {
			if err := r.Update(raw); err != nil {
				return nil, err
			}
		}
		return r, nil
	}

	r, err := models.NewRole(s.ID(), raw)
	if err != nil {
		return nil, err
	}

	s.roles[id] = r
	return r, nil
}

// PutChannel registers the channel in the process tier and then here.
func (s *ServerCache) PutChannel(raw json.RawMessage, update bool) (*models.Channel, error) {
	return s.bot.putChannel(raw, s.ID(), update)
}

func (s *ServerCache) addChannel(ch *models.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bot.mu.RLock()
	_, cached := s.bot.channels[ch.ID()]
	s.bot.mu.RUnlock()

	if cached {
		s.channels[ch.ID()] = ch
	}
}

func (s *ServerCache) RemoveMember(id models.ID) *models.Member {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.members[id]
	delete(s.members, id)
	delete(s.voiceStates, id)
	return m
}

func (s *ServerCache) RemoveRole(id models.ID) *models.Role {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.roles[id]
	delete(s.roles, id)
	return r
}

// RemoveChannel removes the channel from every tier.
func (s *ServerCache) RemoveChannel(id models.ID) *models.Channel {
	s.mu.RLock()
	_, ok := s.channels[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.bot.RemoveChannel(id)
}

// UpdateEmojis replaces the emoji list from a GUILD_EMOJIS_UPDATE payload and
// returns the lists before and after.
func (s *ServerCache) UpdateEmojis(raw json.RawMessage) (before, after []models.Emoji, err error) {
	var payload struct {
		Emojis []models.Emoji `json:"emojis"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, nil, errors.Wrap(err, "invalid emojis payload")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	before = values(s.emojis)
	s.emojis = make(map[models.ID]models.Emoji, len(payload.Emojis))
	for _, e := range payload.Emojis {
		s.emojis[e.ID] = e
	}
	return before, payload.Emojis, nil
}

// UpdateVoiceState stores a voice state; a state without channel means the user left voice.
func (s *ServerCache) UpdateVoiceState(raw json.RawMessage) (models.VoiceState, error) {
	var state models.VoiceState
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, errors.Wrap(err, "invalid voice state payload")
	}
	if state.GuildID == 0 {
		state.GuildID = s.ID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if state.ChannelID == 0 {
		delete(s.voiceStates, state.UserID)
	} else {
		s.voiceStates[state.UserID] = state
	}
	return state, nil
}

func (s *ServerCache) VoiceState(user models.ID) (models.VoiceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.voiceStates[user]
	return state, ok
}

// PutMembersChunk stores the members of a GUILD_MEMBERS_CHUNK payload.
func (s *ServerCache) PutMembersChunk(raw json.RawMessage) int {
	return s.putList(gjson.GetBytes(raw, "members"), s.putMemberResult(true))
}

// ApplyPresence updates the member named by a PRESENCE_UPDATE payload and
// returns it with the game it had before.
func (s *ServerCache) ApplyPresence(raw json.RawMessage) (*models.Member, *models.Game, error) {
	var update models.PresenceUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil, nil, errors.Wrap(err, "invalid presence payload")
	}

	member, err := s.PutMember(raw, true)
	if err != nil {
		return nil, nil, err
	}

	old := member.Game()
	member.ApplyPresence(update)
	return member, old, nil
}

// populate fills the tier from the lists embedded in a server payload.
func (s *ServerCache) populate(raw json.RawMessage) {
	fields := gjson.GetManyBytes(raw, "roles", "channels", "members", "presences", "voice_states", "emojis")

	s.putList(fields[0], s.putRoleResult(false))
	s.putList(fields[1], func(item json.RawMessage) error {
		_, err := s.PutChannel(item, false)
		return err
	})
	s.putList(fields[2], s.putMemberResult(false))
	s.putList(fields[3], func(item json.RawMessage) error {
		_, _, err := s.ApplyPresence(item)
		return err
	})
	s.putList(fields[4], func(item json.RawMessage) error {
		_, err := s.UpdateVoiceState(item)
		return err
	})
	if fields[5].IsArray() {
		_, _, _ = s.UpdateEmojis(json.RawMessage(`{"emojis":` + fields[5].Raw + `}`))
	}
}

func (s *ServerCache) putRoleResult(update bool) func(json.RawMessage) error {
	return func(item json.RawMessage) error {
		_, err := s.PutRole(item, update)
		return err
	}
}

func (s *ServerCache) putMemberResult(update bool) func(json.RawMessage) error {
	return func(item json.RawMessage) error {
		_, err := s.PutMember(item, update)
		return err
	}
}

func (s *ServerCache) putList(list gjson.Result, put func(json.RawMessage) error) int {
	n := 0
	list.ForEach(func(_, item gjson.Result) bool {
		if err := put(json.RawMessage(item.Raw)); err != nil {
			s.bot.logger.Warn().Err(err).
				Stringer("server", s.ID()).
				Msg("skipping malformed server list entry")
			return true
		}
		n++
		return true
	})
	return n
}

func values[K comparable, V any](m map[K]V) []V {
	list := make([]V, 0, len(m))
	for _, v := range m {
		list = append(list, v)
	}
	return list
}

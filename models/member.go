package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync/atomic"
	"time"
)

type MemberData struct {
	Nick     string    `json:"nick"`
	Roles    []ID      `json:"roles"`
	JoinedAt time.Time `json:"joined_at"`
	Deaf     bool      `json:"deaf"`
	Mute     bool      `json:"mute"`
}

func (d MemberData) clone() MemberData {
	d.Roles = slices.Clone(d.Roles)
	return d
}

// Member is a user's membership in one server. It owns the shared *User and
// forwards the user accessors, so a Member can stand wherever a user is expected.
type Member struct {
	user     *User
	server   ID
	data     atomic.Pointer[MemberData]
	presence atomic.Pointer[Presence]
}

func NewMember(user *User, server ID, raw json.RawMessage) (*Member, error) {
	data, err := decode[MemberData](raw, "member")
	if err != nil {
		return nil, err
	}

	m := &Member{user: user, server: server}
	m.data.Store(data)
	m.presence.Store(&Presence{Status: StatusOffline})
	return m, nil
}

func (m *Member) Update(raw json.RawMessage) error {
	return merge(&m.data, raw, MemberData.clone)
}

func (m *Member) ID() ID {
	if m == nil {
		return 0
	}
	return m.user.ID()
}

func (m *Member) User() *User           { return m.user }
func (m *Member) Username() string      { return m.user.Username() }
func (m *Member) Discriminator() string { return m.user.Discriminator() }
func (m *Member) Avatar() string        { return m.user.Avatar() }
func (m *Member) Bot() bool             { return m.user.Bot() }
func (m *Member) Tag() string           { return m.user.Tag() }

func (m *Member) ServerID() ID        { return m.server }
func (m *Member) Data() MemberData    { return m.data.Load().clone() }
func (m *Member) Nick() string        { return m.data.Load().Nick }
func (m *Member) Roles() []ID         { return slices.Clone(m.data.Load().Roles) }
func (m *Member) JoinedAt() time.Time { return m.data.Load().JoinedAt }

func (m *Member) HasRole(role ID) bool {
	return slices.Contains(m.data.Load().Roles, role)
}

// DisplayName is the server nickname when set, the username otherwise.
func (m *Member) DisplayName() string {
	if nick := m.Nick(); nick != "" {
		return nick
	}
	return m.user.Username()
}

func (m *Member) Mention() string {
	if m.Nick() != "" {
		return fmt.Sprintf("<@!%d>", m.ID())
	}
	return m.user.Mention()
}

func (m *Member) Presence() Presence { return *m.presence.Load() }
func (m *Member) Status() Status     { return m.presence.Load().Status }

func (m *Member) Game() *Game {
	if g := m.presence.Load().Game; g != nil {
		game := *g
		return &game
	}
	return nil
}

func (m *Member) SetPresence(p Presence) {
	if p.Game != nil {
		game := *p.Game
		p.Game = &game
	}
	m.presence.Store(&p)
}

// ApplyPresence copies the member fields carried by a presence update.
func (m *Member) ApplyPresence(update PresenceUpdate) {
	m.SetPresence(update.Presence)
	if update.Roles == nil && update.Nick == nil {
		return
	}

	modify(&m.data, MemberData.clone, func(d *MemberData) {
		if update.Roles != nil {
			d.Roles = slices.Clone(update.Roles)
		}
		if update.Nick != nil {
			d.Nick = *update.Nick
		}
	})
}

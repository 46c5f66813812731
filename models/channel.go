package models

import (
	"encoding/json"
	"slices"
	"sync/atomic"
)

type ChannelType int

const (
	ChannelText ChannelType = iota
	ChannelDM
	ChannelVoice
	ChannelGroup
	ChannelCategory
)

func (t ChannelType) String() string {
	switch t {
	case ChannelText:
		return "text"
	case ChannelDM:
		return "dm"
	case ChannelVoice:
		return "voice"
	case ChannelGroup:
		return "group"
	case ChannelCategory:
		return "category"
	}
	return "unknown"
}

type ChannelData struct {
	ID            ID          `json:"id"`
	Type          ChannelType `json:"type"`
	GuildID       ID          `json:"guild_id"`
	Name          string      `json:"name"`
	Topic         string      `json:"topic"`
	Position      int         `json:"position"`
	NSFW          bool        `json:"nsfw"`
	ParentID      ID          `json:"parent_id"`
	LastMessageID ID          `json:"last_message_id"`
	Bitrate       int         `json:"bitrate"`
	UserLimit     int         `json:"user_limit"`
	OwnerID       ID          `json:"owner_id"`
	Recipients    []UserData  `json:"recipients"`
}

func (d ChannelData) clone() ChannelData {
	d.Recipients = slices.Clone(d.Recipients)
	return d
}

type Channel struct {
	data atomic.Pointer[ChannelData]
}

// NewChannel decodes a channel payload. Channels listed inside a server payload
// carry no guild_id, so server is used when the payload omits it.
func NewChannel(raw json.RawMessage, server ID) (*Channel, error) {
	data, err := decode[ChannelData](raw, "channel")
	if err != nil {
		return nil, err
	}

	if data.GuildID == 0 {
		data.GuildID = server
	}

	c := new(Channel)
	c.data.Store(data)
	return c, nil
}

func (c *Channel) Update(raw json.RawMessage) error {
	return merge(&c.data, raw, ChannelData.clone)
}

func (c *Channel) ID() ID {
	if c == nil {
		return 0
	}
	return c.data.Load().ID
}

func (c *Channel) Data() ChannelData { return c.data.Load().clone() }
func (c *Channel) Type() ChannelType { return c.data.Load().Type }
func (c *Channel) ServerID() ID      { return c.data.Load().GuildID }
func (c *Channel) Name() string      { return c.data.Load().Name }
func (c *Channel) Topic() string     { return c.data.Load().Topic }
func (c *Channel) Position() int     { return c.data.Load().Position }
func (c *Channel) ParentID() ID      { return c.data.Load().ParentID }
func (c *Channel) Mention() string   { return "<#" + c.ID().String() + ">" }

func (c *Channel) Private() bool {
	t := c.Type()
	return t == ChannelDM || t == ChannelGroup
}

func (c *Channel) DM() bool { return c.Type() == ChannelDM }

// Recipient is the other party of a DM channel, zero for any other channel.
func (c *Channel) Recipient() ID {
	d := c.data.Load()
	if d.Type != ChannelDM || len(d.Recipients) == 0 {
		return 0
	}
	return d.Recipients[0].ID
}

func (c *Channel) Recipients() []UserData {
	return slices.Clone(c.data.Load().Recipients)
}

func (c *Channel) AddRecipient(user UserData) {
	modify(&c.data, ChannelData.clone, func(d *ChannelData) {
		for _, r := range d.Recipients {
			if r.ID == user.ID {
				return
			}
		}
		d.Recipients = append(d.Recipients, user)
	})
}

func (c *Channel) RemoveRecipient(user ID) {
	modify(&c.data, ChannelData.clone, func(d *ChannelData) {
		d.Recipients = slices.DeleteFunc(d.Recipients, func(r UserData) bool { return r.ID == user })
	})
}

func (c *Channel) SetLastMessage(id ID) {
	modify(&c.data, ChannelData.clone, func(d *ChannelData) { d.LastMessageID = id })
}

package models

import (
	"encoding/json"
	"slices"
	"sync/atomic"
	"time"
)

type Attachment struct {
	ID       ID     `json:"id"`
	Filename string `json:"filename"`
	Size     int    `json:"size"`
	URL      string `json:"url"`
	ProxyURL string `json:"proxy_url"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type MessageData struct {
	ID              ID           `json:"id"`
	ChannelID       ID           `json:"channel_id"`
	GuildID         ID           `json:"guild_id"`
	Author          UserData     `json:"author"`
	Content         string       `json:"content"`
	Timestamp       time.Time    `json:"timestamp"`
	EditedTimestamp time.Time    `json:"edited_timestamp"`
	TTS             bool         `json:"tts"`
	MentionEveryone bool         `json:"mention_everyone"`
	Mentions        []UserData   `json:"mentions"`
	MentionRoles    []ID         `json:"mention_roles"`
	Attachments     []Attachment `json:"attachments"`
	Pinned          bool         `json:"pinned"`
	WebhookID       ID           `json:"webhook_id"`
	Type            int          `json:"type"`
}

func (d MessageData) clone() MessageData {
	d.Mentions = slices.Clone(d.Mentions)
	d.MentionRoles = slices.Clone(d.MentionRoles)
	d.Attachments = slices.Clone(d.Attachments)
	return d
}

// Message links to the cached author and channel it was resolved against.
type Message struct {
	author  *User
	channel *Channel
	data    atomic.Pointer[MessageData]
}

func NewMessage(raw json.RawMessage, author *User, channel *Channel) (*Message, error) {
	data, err := decode[MessageData](raw, "message")
	if err != nil {
		return nil, err
	}

	m := &Message{author: author, channel: channel}
	m.data.Store(data)
	return m, nil
}

func (m *Message) Update(raw json.RawMessage) error {
	return merge(&m.data, raw, MessageData.clone)
}

func (m *Message) ID() ID {
	if m == nil {
		return 0
	}
	return m.data.Load().ID
}

func (m *Message) Data() MessageData          { return m.data.Load().clone() }
func (m *Message) Author() *User              { return m.author }
func (m *Message) Channel() *Channel          { return m.channel }
func (m *Message) ChannelID() ID              { return m.data.Load().ChannelID }
func (m *Message) ServerID() ID {
	if m.channel != nil {
		return m.channel.ServerID()
	}
	return m.data.Load().GuildID
}


func (m *Message) Content() string            { return m.data.Load().Content }
func (m *Message) Timestamp() time.Time       { return m.data.Load().Timestamp }
func (m *Message) EditedTimestamp() time.Time { return m.data.Load().EditedTimestamp }
func (m *Message) Edited() bool               { return !m.data.Load().EditedTimestamp.IsZero() }
func (m *Message) TTS() bool                  { return m.data.Load().TTS }
func (m *Message) Pinned() bool               { return m.data.Load().Pinned }
func (m *Message) Webhook() bool              { return m.data.Load().WebhookID != 0 }

func (m *Message) Mentions() []ID {
	d := m.data.Load()
	ids := make([]ID, 0, len(d.Mentions))
	for _, u := range d.Mentions {
		ids = append(ids, u.ID)
	}
	return ids
}

func (m *Message) Attachments() []Attachment {
	return slices.Clone(m.data.Load().Attachments)
}

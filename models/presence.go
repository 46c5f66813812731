package models

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusOnline    Status = "online"
	StatusIdle      Status = "idle"
	StatusDND       Status = "dnd"
	StatusInvisible Status = "invisible"
	StatusOffline   Status = "offline"
)

type GameType int

const (
	GamePlaying GameType = iota
	GameStreaming
	GameListening
	GameWatching
)

type Game struct {
	Name string   `json:"name"`
	Type GameType `json:"type"`
	URL  string   `json:"url,omitempty"`
}

type Presence struct {
	Status Status `json:"status"`
	Game   *Game  `json:"game"`
}

// PresenceUpdate is the gateway payload of PRESENCE_UPDATE.
type PresenceUpdate struct {
	User    json.RawMessage `json:"user"`
	GuildID ID              `json:"guild_id"`
	Roles   []ID            `json:"roles"`
	Nick    *string         `json:"nick"`
	Presence
}

type Emoji struct {
	ID            ID     `json:"id"`
	Name          string `json:"name"`
	Animated      bool   `json:"animated"`
	Managed       bool   `json:"managed"`
	RequireColons bool   `json:"require_colons"`
	Roles         []ID   `json:"roles"`
}

// Mention renders the emoji for message content. Unicode emoji have no ID and render as-is.
func (e Emoji) Mention() string {
	if e.ID == 0 {
		return e.Name
	}

	prefix := ""
	if e.Animated {
		prefix = "a"
	}
	return "<" + prefix + ":" + e.Name + ":" + e.ID.String() + ">"
}

// Reaction is the query form used by reaction endpoints.
func (e Emoji) Reaction() string {
	if e.ID == 0 {
		return e.Name
	}
	return e.Name + ":" + e.ID.String()
}

type VoiceState struct {
	GuildID   ID     `json:"guild_id"`
	ChannelID ID     `json:"channel_id"`
	UserID    ID     `json:"user_id"`
	SessionID string `json:"session_id"`
	Deaf      bool   `json:"deaf"`
	Mute      bool   `json:"mute"`
	SelfDeaf  bool   `json:"self_deaf"`
	SelfMute  bool   `json:"self_mute"`
	Suppress  bool   `json:"suppress"`
}

type Ban struct {
	GuildID ID              `json:"guild_id"`
	User    json.RawMessage `json:"user"`
	Reason  string          `json:"reason"`
}

// Typing is the payload of TYPING_START.
type Typing struct {
	ChannelID ID    `json:"channel_id"`
	GuildID   ID    `json:"guild_id"`
	UserID    ID    `json:"user_id"`
	Timestamp int64 `json:"timestamp"`
}

func (t Typing) Time() time.Time {
	return time.Unix(t.Timestamp, 0).UTC()
}

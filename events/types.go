package events

import (
	"fmt"
	"time"

	"github.com/Mijyuoon/MijDiscord/models"
)

type Type int

const (
	Ready Type = 1 + iota
	Heartbeat
	Connect
	Disconnect
	Exception
	UpdateUser

	CreateServer
	UpdateServer
	DeleteServer
	UpdateEmoji
	BanUser
	UnbanUser
	UpdatePresence
	UpdatePlaying

	CreateRole
	UpdateRole
	DeleteRole
	CreateMember
	UpdateMember
	DeleteMember
	UpdateVoiceState

	CreateChannel
	UpdateChannel
	DeleteChannel
	AddRecipient
	RemoveRecipient

	CreateMessage
	ChannelMessage
	PrivateMessage
	EditMessage
	DeleteMessage
	StartTyping

	AddReaction
	RemoveReaction
	ToggleReaction
	ClearReactions

	Unhandled
)

var typeNames = map[Type]string{
	Ready:            "ready",
	Heartbeat:        "heartbeat",
	Connect:          "connect",
	Disconnect:       "disconnect",
	Exception:        "exception",
	UpdateUser:       "update_user",
	CreateServer:     "create_server",
	UpdateServer:     "update_server",
	DeleteServer:     "delete_server",
	UpdateEmoji:      "update_emoji",
	BanUser:          "ban_user",
	UnbanUser:        "unban_user",
	UpdatePresence:   "update_presence",
	UpdatePlaying:    "update_playing",
	CreateRole:       "create_role",
	UpdateRole:       "update_role",
	DeleteRole:       "delete_role",
	CreateMember:     "create_member",
	UpdateMember:     "update_member",
	DeleteMember:     "delete_member",
	UpdateVoiceState: "update_voice_state",
	CreateChannel:    "create_channel",
	UpdateChannel:    "update_channel",
	DeleteChannel:    "delete_channel",
	AddRecipient:     "add_recipient",
	RemoveRecipient:  "remove_recipient",
	CreateMessage:    "create_message",
	ChannelMessage:   "channel_message",
	PrivateMessage:   "private_message",
	EditMessage:      "edit_message",
	DeleteMessage:    "delete_message",
	StartTyping:      "start_typing",
	AddReaction:      "add_reaction",
	RemoveReaction:   "remove_reaction",
	ToggleReaction:   "toggle_reaction",
	ClearReactions:   "clear_reactions",
	Unhandled:        "unhandled",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseType is the inverse of Type.String.
func ParseType(name string) (Type, bool) {
	for t, n := range typeNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// Event is an immutable snapshot built after the cache has applied the
// dispatch it describes.
type Event interface {
	Type() Type
}

// Generic carries no payload: ready, heartbeat, connect and disconnect.
type Generic struct {
	Kind Type
}

func (e *Generic) Type() Type { return e.Kind }

// Exception sources.
const (
	SourceEvent    = "event"
	SourceDispatch = "dispatch"
)

type ExceptionEvent struct {
	Generic
	Source  string
	Err     error
	Payload interface{}
}

type UserEvent struct {
	Generic
	User *models.User
}

type ServerEvent struct {
	Generic
	Server *models.Server
}

type EmojiEvent struct {
	ServerEvent
	Added   []models.Emoji
	Removed []models.Emoji
}

type BanEvent struct {
	ServerEvent
	User *models.User
}

type RoleEvent struct {
	ServerEvent
	Role *models.Role
}

type MemberEvent struct {
	ServerEvent
	Member *models.Member
}

type VoiceStateEvent struct {
	MemberEvent
	State models.VoiceState
}

type ChannelEvent struct {
	Generic
	Channel *models.Channel
	Server  *models.Server
}

type RecipientEvent struct {
	ChannelEvent
	Recipient *models.User
}

type MessageEvent struct {
	Generic
	Message *models.Message
	Server  *models.Server
}

func (e *MessageEvent) Author() *models.User     { return e.Message.Author() }
func (e *MessageEvent) Channel() *models.Channel { return e.Message.Channel() }
func (e *MessageEvent) Content() string          { return e.Message.Content() }

type MessageDeleteEvent struct {
	Generic
	ID      models.ID
	Channel *models.Channel
	Server  *models.Server
}

type ReactionEvent struct {
	Generic
	MessageID models.ID
	Channel   *models.Channel
	Server    *models.Server
	// User is a *models.Member on servers and a *models.User elsewhere.
	User  models.IDObject
	Emoji models.Emoji
}

type TypingEvent struct {
	Generic
	Channel   *models.Channel
	Server    *models.Server
	User      models.IDObject
	Timestamp time.Time
}

type PresenceEvent struct {
	ServerEvent
	User   *models.User
	Member *models.Member
	Status models.Status
	Game   *models.Game
}

// UnhandledEvent is raised for dispatch names with no route.
type UnhandledEvent struct {
	Generic
	Name string
	Data []byte
}

func NewGeneric(t Type) *Generic { return &Generic{Kind: t} }

package events

import (
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/Mijyuoon/MijDiscord/models"
)

// Filter maps declared filter names to the value a callback wants to see.
type Filter map[string]interface{}

type Mode int

const (
	ModeEqual Mode = iota
	ModeNotEqual
	// ModePattern compares a string field with a string param for equality
	// or matches it against a *regexp.Regexp param.
	ModePattern
	ModeLess
	ModeGreater
	ModeCustom
)

// Accept reports whether a filter param has a kind the matcher understands.
type Accept func(param interface{}) bool

func AnyValue(interface{}) bool { return true }

func IDValue(param interface{}) bool {
	_, ok := models.AsID(param)
	return ok
}

func StringValue(param interface{}) bool {
	_, ok := param.(string)
	return ok
}

func PatternValue(param interface{}) bool {
	_, ok := param.(*regexp.Regexp)
	return ok
}

func TimeValue(param interface{}) bool {
	_, ok := param.(time.Time)
	return ok
}

// ValueOf accepts params of exactly type T.
func ValueOf[T any]() Accept {
	return func(param interface{}) bool {
		_, ok := param.(T)
		return ok
	}
}

func OneOf(accepts ...Accept) Accept {
	return func(param interface{}) bool {
		for _, accept := range accepts {
			if accept(param) {
				return true
			}
		}
		return false
	}
}

type Matcher struct {
	Field  func(Event) interface{}
	Accept Accept
	Mode   Mode
	Custom func(value, param interface{}) bool
}

func (m Matcher) match(ev Event, param interface{}) bool {
	if m.Accept != nil && !m.Accept(param) {
		return false
	}

	value := m.Field(ev)
	switch m.Mode {
	case ModeEqual:
		return equal(value, param)
	case ModeNotEqual:
		return !equal(value, param)
	case ModePattern:
		s, ok := value.(string)
		if !ok {
			return false
		}
		switch p := param.(type) {
		case string:
			return s == p
		case *regexp.Regexp:
			return p.MatchString(s)
		}
		return false
	case ModeLess, ModeGreater:
		v, ok1 := value.(time.Time)
		p, ok2 := param.(time.Time)
		if !ok1 || !ok2 {
			return false
		}
		if m.Mode == ModeLess {
			return v.Before(p)
		}
		return v.After(p)
	case ModeCustom:
		return m.Custom != nil && m.Custom(value, param)
	}
	return false
}

func equal(value, param interface{}) bool {
	if p, ok := models.AsID(param); ok {
		if v, ok := models.AsID(value); ok {
			return v == p
		}
	}

	if value == nil || param == nil {
		return value == nil && param == nil
	}
	t := reflect.TypeOf(value)
	if t != reflect.TypeOf(param) || !t.Comparable() {
		return false
	}
	return value == param
}

// matches is true when every supplied filter name has at least one
// declared matcher that accepts the event.
func matches(decl map[string][]Matcher, ev Event, filter Filter) bool {
	for name, param := range filter {
		hit := false
		for _, m := range decl[name] {
			if m.match(ev, param) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

type user interface {
	models.IDObject
	Username() string
}

func serverOf(ev Event) *models.Server {
	switch e := ev.(type) {
	case *ServerEvent:
		return e.Server
	case *EmojiEvent:
		return e.Server
	case *BanEvent:
		return e.Server
	case *RoleEvent:
		return e.Server
	case *MemberEvent:
		return e.Server
	case *VoiceStateEvent:
		return e.Server
	case *PresenceEvent:
		return e.Server
	case *ChannelEvent:
		return e.Server
	case *RecipientEvent:
		return e.Server
	case *MessageEvent:
		return e.Server
	case *MessageDeleteEvent:
		return e.Server
	case *ReactionEvent:
		return e.Server
	case *TypingEvent:
		return e.Server
	}
	return nil
}

func channelOf(ev Event) *models.Channel {
	switch e := ev.(type) {
	case *ChannelEvent:
		return e.Channel
	case *RecipientEvent:
		return e.Channel
	case *MessageEvent:
		return e.Message.Channel()
	case *MessageDeleteEvent:
		return e.Channel
	case *ReactionEvent:
		return e.Channel
	case *TypingEvent:
		return e.Channel
	}
	return nil
}

func userOf(ev Event) user {
	var u user
	switch e := ev.(type) {
	case *UserEvent:
		u = e.User
	case *BanEvent:
		u = e.User
	case *MemberEvent:
		u = e.Member
	case *VoiceStateEvent:
		u = e.Member
	case *PresenceEvent:
		u = e.User
	case *RecipientEvent:
		u = e.Recipient
	case *MessageEvent:
		u = e.Message.Author()
	case *ReactionEvent:
		u, _ = e.User.(user)
	case *TypingEvent:
		u, _ = e.User.(user)
	}
	if u == nil || reflect.ValueOf(u).IsNil() {
		return nil
	}
	return u
}

func serverField(ev Event) interface{} { return serverOf(ev) }

func serverName(ev Event) interface{} {
	if s := serverOf(ev); s != nil {
		return s.Name()
	}
	return nil
}

func channelField(ev Event) interface{} { return channelOf(ev) }

func channelName(ev Event) interface{} {
	if c := channelOf(ev); c != nil {
		return c.Name()
	}
	return nil
}

func userField(ev Event) interface{} {
	if u := userOf(ev); u != nil {
		return u
	}
	return nil
}

func userName(ev Event) interface{} {
	if u := userOf(ev); u != nil {
		return u.Username()
	}
	return nil
}

// byIDOrName declares the usual pair: a name matched by string or pattern, or an id.
func byIDOrName(id, name func(Event) interface{}) []Matcher {
	return []Matcher{
		{Field: name, Accept: OneOf(StringValue, PatternValue), Mode: ModePattern},
		{Field: id, Accept: IDValue, Mode: ModeEqual},
	}
}

func timestampFilters(decl map[string][]Matcher, ts func(Event) interface{}) {
	decl["before"] = []Matcher{{Field: ts, Accept: TimeValue, Mode: ModeLess}}
	decl["after"] = []Matcher{{Field: ts, Accept: TimeValue, Mode: ModeGreater}}
}

func stringTest(fn func(s, sub string) bool) func(value, param interface{}) bool {
	return func(value, param interface{}) bool {
		s, ok1 := value.(string)
		p, ok2 := param.(string)
		return ok1 && ok2 && fn(s, p)
	}
}

func sameStatus(value, param interface{}) bool {
	v, ok := value.(models.Status)
	if !ok {
		return false
	}
	switch p := param.(type) {
	case models.Status:
		return v == p
	case string:
		return string(v) == p
	}
	return false
}

var declarations = buildDeclarations()

func buildDeclarations() map[Type]map[string][]Matcher {
	decls := make(map[Type]map[string][]Matcher)
	declare := func(build func(map[string][]Matcher), types ...Type) {
		for _, t := range types {
			decl, ok := decls[t]
			if !ok {
				decl = make(map[string][]Matcher)
				decls[t] = decl
			}
			build(decl)
		}
	}

	for _, t := range []Type{Ready, Heartbeat, Connect, Disconnect} {
		decls[t] = map[string][]Matcher{}
	}

	declare(func(d map[string][]Matcher) {
		d["type"] = []Matcher{{
			Field:  func(ev Event) interface{} { return ev.(*ExceptionEvent).Source },
			Accept: StringValue,
			Mode:   ModeEqual,
		}}
	}, Exception)

	declare(func(d map[string][]Matcher) {
		d["name"] = []Matcher{{
			Field:  func(ev Event) interface{} { return ev.(*UnhandledEvent).Name },
			Accept: OneOf(StringValue, PatternValue),
			Mode:   ModePattern,
		}}
	}, Unhandled)

	declare(func(d map[string][]Matcher) {
		d["server"] = byIDOrName(serverField, serverName)
	}, CreateServer, UpdateServer, DeleteServer, UpdateEmoji, BanUser, UnbanUser,
		UpdatePresence, UpdatePlaying, CreateRole, UpdateRole, DeleteRole,
		CreateMember, UpdateMember, DeleteMember, UpdateVoiceState,
		CreateChannel, UpdateChannel, DeleteChannel, AddRecipient, RemoveRecipient,
		CreateMessage, ChannelMessage, PrivateMessage, EditMessage, DeleteMessage, StartTyping,
		AddReaction, RemoveReaction, ToggleReaction, ClearReactions)

	declare(func(d map[string][]Matcher) {
		d["user"] = byIDOrName(userField, userName)
	}, UpdateUser, BanUser, UnbanUser, CreateMember, UpdateMember, DeleteMember, UpdateVoiceState,
		AddRecipient, RemoveRecipient, CreateMessage, ChannelMessage, PrivateMessage, EditMessage,
		StartTyping, AddReaction, RemoveReaction, ToggleReaction)

	declare(func(d map[string][]Matcher) {
		d["channel"] = byIDOrName(channelField, channelName)
	}, CreateChannel, UpdateChannel, DeleteChannel, AddRecipient, RemoveRecipient,
		CreateMessage, ChannelMessage, PrivateMessage, EditMessage, DeleteMessage, StartTyping,
		AddReaction, RemoveReaction, ToggleReaction, ClearReactions)

	declare(func(d map[string][]Matcher) {
		d["type"] = []Matcher{{
			Field: func(ev Event) interface{} {
				if c := channelOf(ev); c != nil {
					return c.Type()
				}
				return nil
			},
			Accept: ValueOf[models.ChannelType](),
			Mode:   ModeEqual,
		}}
	}, CreateChannel, UpdateChannel, DeleteChannel, AddRecipient, RemoveRecipient)

	declare(func(d map[string][]Matcher) {
		d["role"] = byIDOrName(
			func(ev Event) interface{} { return ev.(*RoleEvent).Role },
			func(ev Event) interface{} {
				if r := ev.(*RoleEvent).Role; r != nil {
					return r.Name()
				}
				return nil
			})
	}, CreateRole, UpdateRole, DeleteRole)

	declare(func(d map[string][]Matcher) {
		d["user"] = []Matcher{{Field: userField, Accept: IDValue, Mode: ModeEqual}}
		d["status"] = []Matcher{{
			Field:  func(ev Event) interface{} { return ev.(*PresenceEvent).Status },
			Accept: OneOf(StringValue, ValueOf[models.Status]()),
			Mode:   ModeCustom,
			Custom: sameStatus,
		}}
		d["game"] = []Matcher{{
			Field: func(ev Event) interface{} {
				if g := ev.(*PresenceEvent).Game; g != nil {
					return g.Name
				}
				return nil
			},
			Accept: OneOf(StringValue, PatternValue),
			Mode:   ModePattern,
		}}
	}, UpdatePresence, UpdatePlaying)

	declare(func(d map[string][]Matcher) {
		message := func(ev Event) interface{} { return ev.(*MessageEvent).Message }
		content := func(ev Event) interface{} { return ev.(*MessageEvent).Message.Content() }

		d["message"] = []Matcher{{Field: message, Accept: IDValue, Mode: ModeEqual}}
		d["include"] = []Matcher{
			{Field: content, Accept: PatternValue, Mode: ModePattern},
			{Field: content, Accept: StringValue, Mode: ModeCustom, Custom: stringTest(strings.Contains)},
		}
		d["start_with"] = []Matcher{
			{Field: content, Accept: StringValue, Mode: ModeCustom, Custom: stringTest(strings.HasPrefix)},
		}
		d["end_with"] = []Matcher{
			{Field: content, Accept: StringValue, Mode: ModeCustom, Custom: stringTest(strings.HasSuffix)},
		}
		timestampFilters(d, func(ev Event) interface{} { return ev.(*MessageEvent).Message.Timestamp() })
	}, CreateMessage, ChannelMessage, PrivateMessage, EditMessage)

	declare(func(d map[string][]Matcher) {
		d["message"] = []Matcher{{
			Field:  func(ev Event) interface{} { return ev.(*MessageDeleteEvent).ID },
			Accept: IDValue,
			Mode:   ModeEqual,
		}}
	}, DeleteMessage)

	declare(func(d map[string][]Matcher) {
		timestampFilters(d, func(ev Event) interface{} { return ev.(*TypingEvent).Timestamp })
	}, StartTyping)

	declare(func(d map[string][]Matcher) {
		d["message"] = []Matcher{{
			Field:  func(ev Event) interface{} { return ev.(*ReactionEvent).MessageID },
			Accept: IDValue,
			Mode:   ModeEqual,
		}}
		d["emoji"] = []Matcher{
			{Field: func(ev Event) interface{} { return ev.(*ReactionEvent).Emoji.Name }, Accept: OneOf(StringValue, PatternValue), Mode: ModePattern},
			{Field: func(ev Event) interface{} { return ev.(*ReactionEvent).Emoji.ID }, Accept: IDValue, Mode: ModeEqual},
		}
	}, AddReaction, RemoveReaction, ToggleReaction, ClearReactions)

	return decls
}

// Filters lists the filter names a type declares.
func Filters(t Type) []string {
	decl := declarations[t]
	names := make([]string, 0, len(decl))
	for name := range decl {
		names = append(names, name)
	}
	return names
}

package models

import (
	"regexp"
)

type MentionKind int

const (
	MentionUser MentionKind = iota + 1
	MentionChannel
	MentionRole
	MentionEmoji
)

var mentionRx = regexp.MustCompile(`^<(@!?|@&|#|a?:[\w-]+:)(\d+)>$`)

// ParseMention recognises <@id>, <@!id>, <#id>, <@&id> and <:name:id> forms.
func ParseMention(text string) (MentionKind, ID, bool) {
	m := mentionRx.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, false
	}

	id, err := ParseID(m[2])
	if err != nil {
		return 0, 0, false
	}

	switch prefix := m[1]; {
	case prefix == "@" || prefix == "@!":
		return MentionUser, id, true
	case prefix == "@&":
		return MentionRole, id, true
	case prefix == "#":
		return MentionChannel, id, true
	default:
		return MentionEmoji, id, true
	}
}

package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DiscordEpoch is the first second of 2015 in unix milliseconds, the zero point of every snowflake.
const DiscordEpoch = 1420070400000

// CharacterLimit is the maximum length of message content accepted by the API.
const CharacterLimit = 2000

// ID is a snowflake identifier. The upper 42 bits hold milliseconds since DiscordEpoch.
type ID uint64

// IDObject is implemented by every entity that carries a snowflake.
type IDObject interface {
	ID() ID
}

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// CreationTime extracts the timestamp encoded into the snowflake.
func (id ID) CreationTime() time.Time {
	return time.UnixMilli(int64(id>>22) + DiscordEpoch).UTC()
}

func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(id.String())), nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*id = 0
		return nil
	}

	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid snowflake %q", s)
	}

	*id = ID(v)
	return nil
}

// SynthesizeID builds the smallest snowflake that could have been created at t.
func SynthesizeID(t time.Time) ID {
	ms := t.UnixMilli() - DiscordEpoch
	if ms < 0 {
		return 0
	}

	return ID(uint64(ms) << 22)
}

func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid snowflake %q", s)
	}

	return ID(v), nil
}

// AsID converts raw integers, decimal strings and ID-carrying entities into an ID.
// The second result is false when v has no ID representation.
func AsID(v interface{}) (ID, bool) {
	switch x := v.(type) {
	case ID:
		return x, true
	case IDObject:
		return x.ID(), true
	case uint64:
		return ID(x), true
	case uint:
		return ID(x), true
	case uint32:
		return ID(x), true
	case int:
		if x < 0 {
			return 0, false
		}
		return ID(x), true
	case int64:
		if x < 0 {
			return 0, false
		}
		return ID(x), true
	case int32:
		if x < 0 {
			return 0, false
		}
		return ID(x), true
	case json.Number:
		id, err := ParseID(x.String())
		return id, err == nil
	case string:
		id, err := ParseID(x)
		return id, err == nil
	}

	return 0, false
}

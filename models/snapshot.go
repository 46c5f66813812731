package models

import (
	"encoding/json"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

func decode[T any](raw json.RawMessage, what string) (*T, error) {
	data := new(T)
	if err := json.Unmarshal(raw, data); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", what)
	}

	return data, nil
}

// merge decodes a partial payload over a copy of the current snapshot and
// swaps the result in. Fields absent from raw keep their previous values.
// clone must detach every slice so the decoder never writes into the old snapshot.
func merge[T any](p *atomic.Pointer[T], raw json.RawMessage, clone func(T) T) error {
	for {
		old := p.Load()
		next := *old
		if clone != nil {
			next = clone(next)
		}

		if err := json.Unmarshal(raw, &next); err != nil {
			return errors.Wrap(err, "failed to merge update")
		}

		if p.CompareAndSwap(old, &next) {
			return nil
		}
	}
}

// modify applies fn to a copy of the current snapshot and swaps it in.
func modify[T any](p *atomic.Pointer[T], clone func(T) T, fn func(*T)) {
	for {
		old := p.Load()
		next := *old
		if clone != nil {
			next = clone(next)
		}

		fn(&next)
		if p.CompareAndSwap(old, &next) {
			return
		}
	}
}

// PeekID reads the "id" member of a payload without decoding the rest of it.
func PeekID(raw json.RawMessage) (ID, error) {
	if !gjson.ValidBytes(raw) {
		return 0, errors.New("failed to read id: malformed payload")
	}

	res := gjson.GetBytes(raw, "id")
	var text string
	switch res.Type {
	case gjson.String:
		text = res.Str
	case gjson.Number:
		// Raw keeps snowflakes above 2^53 exact
		text = res.Raw
	default:
		return 0, errors.New("payload has no id")
	}

	id, err := ParseID(text)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read id")
	}
	if id == 0 {
		return 0, errors.New("payload has no id")
	}
	return id, nil
}

package models

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

type UserData struct {
	ID            ID     `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Avatar        string `json:"avatar"`
	Bot           bool   `json:"bot"`
}

// User is a cached account. Its identity is stable, the data behind it is
// replaced atomically on every update.
type User struct {
	data atomic.Pointer[UserData]
}

func NewUser(raw json.RawMessage) (*User, error) {
	data, err := decode[UserData](raw, "user")
	if err != nil {
		return nil, err
	}

	return NewUserFromData(*data), nil
}

func NewUserFromData(data UserData) *User {
	u := new(User)
	u.data.Store(&data)
	return u
}

func (u *User) Update(raw json.RawMessage) error {
	return merge(&u.data, raw, nil)
}

func (u *User) Data() UserData { return *u.data.Load() }

func (u *User) ID() ID {
	if u == nil {
		return 0
	}
	return u.data.Load().ID
}

func (u *User) Username() string      { return u.data.Load().Username }
func (u *User) Discriminator() string { return u.data.Load().Discriminator }
func (u *User) Avatar() string        { return u.data.Load().Avatar }
func (u *User) Bot() bool             { return u.data.Load().Bot }

// Tag returns "name#discriminator".
func (u *User) Tag() string {
	d := u.data.Load()
	return d.Username + "#" + d.Discriminator
}

func (u *User) Mention() string {
	return fmt.Sprintf("<@%d>", u.ID())
}

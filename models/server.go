package models

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

type ServerData struct {
	ID                ID        `json:"id"`
	Name              string    `json:"name"`
	Icon              string    `json:"icon"`
	OwnerID           ID        `json:"owner_id"`
	Region            string    `json:"region"`
	AFKChannelID      ID        `json:"afk_channel_id"`
	AFKTimeout        int       `json:"afk_timeout"`
	VerificationLevel int       `json:"verification_level"`
	MemberCount       int       `json:"member_count"`
	Large             bool      `json:"large"`
	Unavailable       bool      `json:"unavailable"`
	JoinedAt          time.Time `json:"joined_at"`
}

type Server struct {
	data atomic.Pointer[ServerData]
}

func NewServer(raw json.RawMessage) (*Server, error) {
	data, err := decode[ServerData](raw, "server")
	if err != nil {
		return nil, err
	}

	s := new(Server)
	s.data.Store(data)
	return s, nil
}

func (s *Server) Update(raw json.RawMessage) error {
	return merge(&s.data, raw, nil)
}

func (s *Server) ID() ID {
	if s == nil {
		return 0
	}
	return s.data.Load().ID
}

func (s *Server) Data() ServerData  { return *s.data.Load() }
func (s *Server) Name() string      { return s.data.Load().Name }
func (s *Server) OwnerID() ID       { return s.data.Load().OwnerID }
func (s *Server) Region() string    { return s.data.Load().Region }
func (s *Server) Large() bool       { return s.data.Load().Large }
func (s *Server) Unavailable() bool { return s.data.Load().Unavailable }
func (s *Server) MemberCount() int  { return s.data.Load().MemberCount }

func (s *Server) AddMemberCount(delta int) {
	modify(&s.data, nil, func(d *ServerData) { d.MemberCount += delta })
}

type RoleData struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	Color       int    `json:"color"`
	Hoist       bool   `json:"hoist"`
	Position    int    `json:"position"`
	Permissions int64  `json:"permissions"`
	Managed     bool   `json:"managed"`
	Mentionable bool   `json:"mentionable"`
}

type Role struct {
	server ID
	data   atomic.Pointer[RoleData]
}

func NewRole(server ID, raw json.RawMessage) (*Role, error) {
	data, err := decode[RoleData](raw, "role")
	if err != nil {
		return nil, err
	}

	r := &Role{server: server}
	r.data.Store(data)
	return r, nil
}

func (r *Role) Update(raw json.RawMessage) error {
	return merge(&r.data, raw, nil)
}

func (r *Role) ID() ID {
	if r == nil {
		return 0
	}
	return r.data.Load().ID
}

func (r *Role) ServerID() ID       { return r.server }
func (r *Role) Data() RoleData     { return *r.data.Load() }
func (r *Role) Name() string       { return r.data.Load().Name }
func (r *Role) Position() int      { return r.data.Load().Position }
func (r *Role) Permissions() int64 { return r.data.Load().Permissions }
func (r *Role) Mention() string    { return "<@&" + r.ID().String() + ">" }

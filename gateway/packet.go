package gateway

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/Mijyuoon/MijDiscord/models"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

type Opcode int

const (
	OpDispatch          Opcode = 0
	OpHeartbeat         Opcode = 1
	OpIdentify          Opcode = 2
	OpPresence          Opcode = 3
	OpVoiceState        Opcode = 4
	OpResume            Opcode = 6
	OpReconnect         Opcode = 7
	OpRequestMembers    Opcode = 8
	OpInvalidateSession Opcode = 9
	OpHello             Opcode = 10
	OpHeartbeatAck      Opcode = 11
)

// Synthetic dispatch names raised by the gateway itself.
const (
	EventConnect    = "CONNECT"
	EventDisconnect = "DISCONNECT"
	EventReady      = "READY"
	EventResumed    = "RESUMED"
)

// Close codes after which no reconnect is attempted.
var fatalCloseCodes = map[int]bool{
	1000: true,
	4004: true,
	4010: true,
	4011: true,
}

// closeResume is sent when the client drops a connection it wants to resume.
const closeResume = 4000

type Packet struct {
	Op       Opcode          `json:"op"`
	Data     json.RawMessage `json:"d"`
	Sequence *int64          `json:"s,omitempty"`
	Type     string          `json:"t,omitempty"`
}

type outPacket struct {
	Op   Opcode      `json:"op"`
	Data interface{} `json:"d"`
}

type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type Ready struct {
	Version   int    `json:"v"`
	SessionID string `json:"session_id"`
	User      struct {
		ID models.ID `json:"id"`
	} `json:"user"`
}

type Properties struct {
	OS              string `json:"os"`
	Browser         string `json:"browser"`
	Device          string `json:"device"`
	Referrer        string `json:"referrer"`
	ReferringDomain string `json:"referring_domain"`
}

type Identify struct {
	Token          string     `json:"token"`
	Properties     Properties `json:"properties"`
	Compress       bool       `json:"compress"`
	LargeThreshold int        `json:"large_threshold"`
	Shard          []int      `json:"shard,omitempty"`
}

type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

type StatusUpdate struct {
	Status string      `json:"status"`
	Since  *int64      `json:"since"`
	Game   interface{} `json:"game"`
	AFK    bool        `json:"afk"`
}

type VoiceStateUpdate struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

type RequestMembers struct {
	GuildID string `json:"guild_id"`
	Query   string `json:"query"`
	Limit   int    `json:"limit"`
}

// decodePacket parses a frame, inflating it first when it starts with the zlib header byte.
func decodePacket(frame []byte) (*Packet, error) {
	if len(frame) > 0 && frame[0] == 0x78 {
		r, err := zlib.NewReader(bytes.NewReader(frame))
		if err != nil {
			return nil, errors.Wrap(err, "failed to open compressed frame")
		}
		defer r.Close()

		frame, err = io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(err, "failed to inflate frame")
		}
	}

	packet := new(Packet)
	if err := json.Unmarshal(frame, packet); err != nil {
		return nil, errors.Wrap(err, "malformed frame")
	}
	return packet, nil
}

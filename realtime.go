package realtime

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// event names pushed by the platform. The payload shape for entity events is
// `{<entity>Id, projectId, changes}`. Membership events carry `{userId, projectId}`.
const (
	EventTodoCreated    = "todoCreated"
	EventTodoUpdated    = "todoUpdated"
	EventTodoDeleted    = "todoDeleted"
	EventFeatureCreated = "featureCreated"
	EventFeatureUpdated = "featureUpdated"
	EventFeatureDeleted = "featureDeleted"
	EventProjectUpdated = "projectUpdated"
	EventUserJoined     = "userJoined"
	EventUserLeft       = "userLeft"
	EventSessionStarted = "sessionStarted"
	EventSessionEnded   = "sessionEnded"
)

// internal lifecycle events emitted by the channel itself
const (
	EventConnected    = "connected"
	EventReconnecting = "reconnecting"
	EventReconnected  = "reconnected"
)

var ErrNotConnected = errors.New("not connected")

// PushEvent is the decoded form of one message from the push channel.
// Not retained beyond dispatch.
type PushEvent struct {
	Name      string
	EntityId  Id
	ProjectId Id
	UserId    Id
	Changes   map[string]any
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := parseUuid(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// UserSummary identifies one user in a presence snapshot or membership event.
type UserSummary struct {
	UserId    Id     `json:"user_id"`
	Name      string `json:"name"`
	AvatarUrl string `json:"avatar_url,omitempty"`
}

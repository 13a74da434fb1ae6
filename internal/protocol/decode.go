package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned by Decode when the "t" discriminator does not match any known client message.
var ErrUnknownType = errors.New("unknown message type")

// ErrMalformed is returned by Decode when the frame is not valid JSON or does not match the shape of its declared
// type.
var ErrMalformed = errors.New("malformed frame")

// clientFactories maps each client->server "t" discriminator to a constructor for its payload type. Using a
// dispatch table instead of a type switch keeps the set of handled tags exhaustive and makes an unrecognised tag a
// data fact (absent key) rather than a fallthrough branch that is easy to forget to update.
var clientFactories = map[string]func() any{
	TLogin:         func() any { return new(ClientLogin) },
	TStatusUpdate:  func() any { return new(ClientStatusUpdate) },
	TPrefsUpdate:   func() any { return new(ClientPrefsUpdate) },
	THeartbeat:     func() any { return new(struct{}) },
	TCreateChannel: func() any { return new(ClientCreateChannel) },
	TJoinChannel:   func() any { return new(ClientJoinChannel) },
	TLeaveChannel:  func() any { return new(ClientLeaveChannel) },
	TChannelMsg:    func() any { return new(ClientChannelMessage) },
	TSetStatus:     func() any { return new(ClientSetCustomStatus) },
	TClearStatus:   func() any { return new(struct{}) },
}

// Decode inspects the "t" field of raw and unmarshals the remainder into the matching client message struct. It
// returns the discriminator, the decoded payload (as the concrete pointer type returned by the matching factory),
// and an error. Unknown discriminators yield ErrUnknownType; invalid JSON or field shape yields ErrMalformed. Neither
// error should terminate the connection: an invalid frame is non-fatal and the connection stays open.
func Decode(raw []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.T == "" {
		return "", nil, fmt.Errorf("%w: missing \"t\"", ErrMalformed)
	}

	factory, ok := clientFactories[env.T]
	if !ok {
		return env.T, nil, ErrUnknownType
	}

	payload := factory()
	if err := json.Unmarshal(raw, payload); err != nil {
		return env.T, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env.T, payload, nil
}

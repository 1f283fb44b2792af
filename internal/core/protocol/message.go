package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/zeusync/syncplant/pkg/generic"
)

type EnvelopeType string

const (
	TypeRequest  EnvelopeType = "request"
	TypeResponse EnvelopeType = "response"
)

// Envelope is the unit carried by every transport. A request with an empty
// id is one-way and gets no response.
type Envelope struct {
	Type   EnvelopeType    `json:"type"`
	ID     string          `json:"id,omitempty"`
	Name   string          `json:"name,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Return json.RawMessage `json:"return,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// NewRequest builds a request envelope; pass an empty id for one-way
// messages.
func NewRequest(id, name string, args any) (*Envelope, error) {
	raw, err := marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s args: %w", name, err)
	}
	return &Envelope{Type: TypeRequest, ID: id, Name: name, Args: raw}, nil
}

// NewResponse answers request id with ret, or with err when it is not nil.
func NewResponse(id string, ret any, err error) (*Envelope, error) {
	if err != nil {
		return &Envelope{Type: TypeResponse, ID: id, Error: WrapError(err)}, nil
	}
	raw, err := marshal(ret)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return &Envelope{Type: TypeResponse, ID: id, Return: raw}, nil
}

func marshal(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (e *Envelope) OneWay() bool {
	return e.Type == TypeRequest && e.ID == ""
}

func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeRequest:
		if e.Name == "" {
			return fmt.Errorf("%w: request without name", ErrInvalidMessage)
		}
	case TypeResponse:
		if e.ID == "" {
			return fmt.Errorf("%w: response without id", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: envelope type %q", ErrInvalidMessage, e.Type)
	}
	return nil
}

// DecodeArgs unmarshals the request arguments into v.
func (e *Envelope) DecodeArgs(v any) error {
	return decodeRaw(e.Args, v)
}

// DecodeReturn unmarshals the response value into v.
func (e *Envelope) DecodeReturn(v any) error {
	return decodeRaw(e.Return, v)
}

func decodeRaw(raw json.RawMessage, v any) error {
	if len(raw) == 0 || v == nil {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

var buffers = generic.NewPool(func() *bytes.Buffer { return new(bytes.Buffer) }, (*bytes.Buffer).Reset)

// Encode renders e as JSON.
func Encode(e *Envelope) ([]byte, error) {
	buf := buffers.Get()
	defer buffers.Put(buf)
	if err := json.NewEncoder(buf).Encode(e); err != nil {
		return nil, err
	}
	// Encoder terminates every value with a newline.
	return bytes.Clone(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// Decode parses and validates one envelope. A positive maxSize bounds the
// input length.
func Decode(data []byte, maxSize int) (*Envelope, error) {
	if maxSize > 0 && len(data) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

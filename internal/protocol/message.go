// Package protocol implements the messages a remote session exchanges with a
// host over a websocket.
//
// Requests carry an ID and are answered by exactly one result or error
// message with the same ID. The host pushes change batches as "changes"
// messages without an ID. Pushed batches that precede a response on the
// connection were produced before the response.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/mutation"
)

// MessageType identifies the type of protocol message.
type MessageType string

const (
	// Requests (session -> host)
	MsgFetchBase         MessageType = "fetchBase"
	MsgFetchTable        MessageType = "fetchTable"
	MsgUnsubscribeTable  MessageType = "unsubscribeTable"
	MsgFetchView         MessageType = "fetchView"
	MsgUnsubscribeView   MessageType = "unsubscribeView"
	MsgFetchCursor       MessageType = "fetchCursor"
	MsgUnsubscribeCursor MessageType = "unsubscribeCursor"
	MsgApplyMutation     MessageType = "applyMutation"
	MsgCheckPermission   MessageType = "checkPermission"

	// Responses (host -> session)
	MsgResult MessageType = "result"
	MsgError  MessageType = "error"

	// Pushes (host -> session)
	MsgChanges MessageType = "changes"
)

// Message is the base protocol message structure.
type Message struct {
	ID   string          `json:"id,omitempty"`
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TableRequest names a table.
type TableRequest struct {
	TableID string `json:"tableId"`
}

// ViewRequest names a view.
type ViewRequest struct {
	TableID string `json:"tableId"`
	ViewID  string `json:"viewId"`
}

// ChangesMessage carries change batches in delivery order. Batches are kept
// apart because each one is applied atomically.
type ChangesMessage struct {
	Batches [][]delta.Change `json:"batches"`
}

// ErrorMessage represents an error response. Validation failures keep their
// code and location so the receiving side can rebuild them.
type ErrorMessage struct {
	Code        string `json:"code,omitempty"`
	Description string `json:"description"`
	TableID     string `json:"tableId,omitempty"`
	RecordID    string `json:"recordId,omitempty"`
	FieldID     string `json:"fieldId,omitempty"`
}

// RemoteError is an error reported by the other side of a connection.
type RemoteError struct {
	Description string
}

func (e *RemoteError) Error() string {
	return e.Description
}

// NewErrorMessage converts err for the wire.
func NewErrorMessage(err error) ErrorMessage {
	var verr *mutation.ValidationError
	if errors.As(err, &verr) {
		return ErrorMessage{
			Code:        verr.Code,
			Description: verr.Reason,
			TableID:     verr.TableID,
			RecordID:    verr.RecordID,
			FieldID:     verr.FieldID,
		}
	}
	return ErrorMessage{Description: err.Error()}
}

// Err converts an error message back into an error.
func (e ErrorMessage) Err() error {
	if e.Code != "" {
		return &mutation.ValidationError{
			Code:     e.Code,
			Reason:   e.Description,
			TableID:  e.TableID,
			RecordID: e.RecordID,
			FieldID:  e.FieldID,
		}
	}
	return &RemoteError{Description: e.Description}
}

// NewMessage builds a message, marshaling data when it is not nil.
func NewMessage(id string, msgType MessageType, data any) (*Message, error) {
	msg := &Message{ID: id, Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", msgType, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// NewResult builds the result message answering request id.
func NewResult(id string, result any) (*Message, error) {
	return NewMessage(id, MsgResult, result)
}

// NewError builds the error message answering request id.
func NewError(id string, err error) *Message {
	data, _ := json.Marshal(NewErrorMessage(err))
	return &Message{ID: id, Type: MsgError, Data: data}
}

// Encode serializes a message.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode unmarshals the message data into v.
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: missing data", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%s: %w", m.Type, err)
	}
	return nil
}

// IsResponse reports whether m answers a request.
func (m *Message) IsResponse() bool {
	return m.Type == MsgResult || m.Type == MsgError
}

// ParseMessage parses a raw JSON message.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, errors.New("message has no type")
	}
	return &msg, nil
}

// ParseMessages parses raw JSON that may be a single message or an array of
// messages. Array order is preserved.
func ParseMessages(data []byte) ([]*Message, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] != '[' {
		msg, err := ParseMessage(data)
		if err != nil {
			return nil, err
		}
		return []*Message{msg}, nil
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, err
	}
	result := make([]*Message, len(msgs))
	for i := range msgs {
		if msgs[i].Type == "" {
			return nil, fmt.Errorf("message %d has no type", i)
		}
		result[i] = &msgs[i]
	}
	return result, nil
}

// EncodeBatch serializes several messages as one array frame.
func EncodeBatch(msgs []*Message) ([]byte, error) {
	if len(msgs) == 1 {
		return msgs[0].Encode()
	}
	return json.Marshal(msgs)
}

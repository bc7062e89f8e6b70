// Package notify defines the outbound notification contract.
package notify

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// ErrDispatch wraps every notification failure.
var ErrDispatch = errors.New("notification dispatch failed")

// MessageHandle locates a posted message and, once started, its thread.
type MessageHandle struct {
	ChannelID string
	MessageID string
	ThreadID  string
}

// Field is one name/value row of a rendered message.
type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Message is a rendered notification.
type Message struct {
	Title       string
	Description string
	URL         string
	Color       int
	Fields      []Field
	Footer      string
	Mention     string // role or user mention sent as plain content
	ThreadName  string // used when a reply starts a thread
}

// Dispatcher posts notifications.
type Dispatcher interface {
	// Send posts a new top-level message for an entity.
	Send(ctx context.Context, entity common.Address, msg Message) (MessageHandle, error)

	// Reply posts an update under handle. The returned handle carries the
	// thread the reply landed in.
	Reply(ctx context.Context, handle MessageHandle, msg Message) (MessageHandle, error)

	// Ready reports whether the client session is usable.
	Ready() bool
}

// Reconnector is implemented by dispatchers whose session can be re-opened.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

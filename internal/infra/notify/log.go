package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
)

// LogDispatcher writes notifications to the log. It is used when no
// messaging platform is configured.
type LogDispatcher struct {
	log *slog.Logger
	seq atomic.Uint64
}

func NewLogDispatcher() *LogDispatcher {
	return &LogDispatcher{log: slog.Default().With("component", "notify")}
}

func (d *LogDispatcher) Send(ctx context.Context, entity common.Address, msg Message) (MessageHandle, error) {
	id := fmt.Sprintf("log-%d", d.seq.Add(1))
	d.log.Info(msg.Title, "entity", entity.Hex(), "message_id", id, "fields", len(msg.Fields))
	return MessageHandle{MessageID: id}, nil
}

func (d *LogDispatcher) Reply(ctx context.Context, handle MessageHandle, msg Message) (MessageHandle, error) {
	if handle.ThreadID == "" {
		handle.ThreadID = "thread-" + handle.MessageID
	}
	d.log.Info(msg.Title, "thread_id", handle.ThreadID, "fields", len(msg.Fields))
	return handle, nil
}

func (d *LogDispatcher) Ready() bool { return true }

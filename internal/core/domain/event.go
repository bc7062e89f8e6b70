package domain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind identifies the handler set an event is dispatched to.
type EventKind string

const (
	KindTokenCreated     EventKind = "token_created"
	KindCrowdfundCreated EventKind = "crowdfund_created"
	KindContributed      EventKind = "contributed"
	KindFinalized        EventKind = "finalized"
	KindRefunded         EventKind = "refunded"
)

// EntityKinds are the per-crowdfund event kinds each tracked address subscribes to.
var EntityKinds = []EventKind{KindContributed, KindFinalized, KindRefunded}

// Event is a decoded ledger log.
type Event struct {
	Kind        EventKind
	Source      common.Address
	Fields      map[string]any
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
}

// Address returns an address field.
func (e Event) Address(name string) (common.Address, error) {
	v, ok := e.Fields[name]
	if !ok {
		return common.Address{}, fmt.Errorf("event %s: missing field %q", e.Kind, name)
	}
	addr, ok := v.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("event %s: field %q is %T, not address", e.Kind, name, v)
	}
	return addr, nil
}

// BigInt returns an integer field.
func (e Event) BigInt(name string) (*big.Int, error) {
	v, ok := e.Fields[name]
	if !ok {
		return nil, fmt.Errorf("event %s: missing field %q", e.Kind, name)
	}
	n, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("event %s: field %q is %T, not integer", e.Kind, name, v)
	}
	return new(big.Int).Set(n), nil
}

// Text returns a string field, or "" when absent.
func (e Event) Text(name string) string {
	s, _ := e.Fields[name].(string)
	return s
}

package evm

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/partywatch/internal/core/domain"
)

// ErrUnknownEvent is returned for logs whose signature is not registered.
var ErrUnknownEvent = errors.New("unknown event signature")

type binding struct {
	kind  domain.EventKind
	abi   abi.ABI
	event abi.Event
}

// Decoder turns raw logs into domain events by their topic0 signature.
type Decoder struct {
	byTopic map[common.Hash]binding
	byKind  map[domain.EventKind]common.Hash
}

// NewDecoder registers every watched event.
func NewDecoder(abis *ABIs) (*Decoder, error) {
	d := &Decoder{
		byTopic: make(map[common.Hash]binding),
		byKind:  make(map[domain.EventKind]common.Hash),
	}
	regs := []struct {
		kind domain.EventKind
		abi  abi.ABI
		name string
	}{
		{domain.KindTokenCreated, abis.ClankerFactory, "TokenCreated"},
		{domain.KindCrowdfundCreated, abis.CrowdfundFactory, "ERC20LaunchCrowdfundCreated"},
		{domain.KindContributed, abis.Crowdfund, "Contributed"},
		{domain.KindFinalized, abis.Crowdfund, "Finalized"},
		{domain.KindRefunded, abis.Crowdfund, "Refunded"},
	}
	for _, r := range regs {
		ev, ok := r.abi.Events[r.name]
		if !ok {
			return nil, fmt.Errorf("abi has no event %s", r.name)
		}
		d.byTopic[ev.ID] = binding{kind: r.kind, abi: r.abi, event: ev}
		d.byKind[r.kind] = ev.ID
	}
	return d, nil
}

// Topic returns the topic0 signature hash of a kind.
func (d *Decoder) Topic(kind domain.EventKind) common.Hash {
	return d.byKind[kind]
}

// Decode unpacks both the data section and the indexed topics of l.
func (d *Decoder) Decode(l types.Log) (domain.Event, error) {
	if len(l.Topics) == 0 {
		return domain.Event{}, fmt.Errorf("%w: anonymous log", ErrUnknownEvent)
	}
	b, ok := d.byTopic[l.Topics[0]]
	if !ok {
		return domain.Event{}, fmt.Errorf("%w: %s", ErrUnknownEvent, l.Topics[0].Hex())
	}

	fields := make(map[string]any)
	if len(b.event.Inputs.NonIndexed()) > 0 {
		if err := b.abi.UnpackIntoMap(fields, b.event.Name, l.Data); err != nil {
			return domain.Event{}, fmt.Errorf("unpack %s: %w", b.event.Name, err)
		}
	}

	var indexed abi.Arguments
	for _, arg := range b.event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(fields, indexed, l.Topics[1:]); err != nil {
			return domain.Event{}, fmt.Errorf("parse topics %s: %w", b.event.Name, err)
		}
	}

	return domain.Event{
		Kind:        b.kind,
		Source:      l.Address,
		Fields:      fields,
		TxHash:      l.TxHash,
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
	}, nil
}

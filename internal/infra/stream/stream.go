// Package stream owns the single websocket transport to the ledger node.
package stream

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	// ErrConnection is returned when the transport cannot be established or fails.
	ErrConnection = errors.New("stream connection error")

	// ErrNotConnected is returned by operations that need an open transport.
	ErrNotConnected = errors.New("stream not connected")

	// ErrSubscription is returned when a log subscription cannot be created.
	ErrSubscription = errors.New("subscription failed")
)

// Client is the part of the ethclient API the connection relies on.
type Client interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Dialer opens a Client.
type Dialer func(ctx context.Context, url string) (Client, error)

// DialEthereum dials a websocket JSON-RPC endpoint.
func DialEthereum(ctx context.Context, url string) (Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Filter selects logs by emitting address and topics.
type Filter struct {
	Addresses []common.Address
	Topics    [][]common.Hash
}

func (f Filter) query() ethereum.FilterQuery {
	return ethereum.FilterQuery{Addresses: f.Addresses, Topics: f.Topics}
}

// Handler receives logs in the order the transport delivers them.
type Handler func(types.Log)

// Handle identifies a subscription on one transport epoch.
type Handle struct {
	ID    uint64
	Epoch uint64
}

// FaultFunc is called at most once per epoch when the transport fails.
type FaultFunc func(epoch uint64, err error)

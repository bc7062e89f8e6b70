package redis

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/partywatch/internal/core/domain"
	"github.com/vietddude/partywatch/internal/infra/storage"
)

// StateStore persists crowdfund state in Redis. Every mutation of a record
// runs as a single Lua script, so updates to one record are atomic.
//
// Layout per crowdfund:
//
//	<prefix>crowdfund:<addr>                hash of record fields
//	<prefix>crowdfund:<addr>:txs            set of applied tx hashes
//	<prefix>crowdfund:<addr>:contributions  list of encoded contributions
//	<prefix>crowdfunds:active               set of active addresses
type StateStore struct {
	client *Client
	prefix string
	now    func() time.Time
}

var _ storage.StateStore = (*StateStore)(nil)

// NewStateStore creates a store on an existing client.
func NewStateStore(client *Client, prefix string) *StateStore {
	return &StateStore{client: client, prefix: prefix, now: time.Now}
}

// Key helpers
func addrKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func (s *StateStore) recordKey(a common.Address) string {
	return fmt.Sprintf("%scrowdfund:%s", s.prefix, addrKey(a))
}

func (s *StateStore) txsKey(a common.Address) string {
	return fmt.Sprintf("%scrowdfund:%s:txs", s.prefix, addrKey(a))
}

func (s *StateStore) contributionsKey(a common.Address) string {
	return fmt.Sprintf("%scrowdfund:%s:contributions", s.prefix, addrKey(a))
}

func (s *StateStore) activeKey() string {
	return s.prefix + "crowdfunds:active"
}

func (s *StateStore) stamp() string {
	return strconv.FormatInt(s.now().UnixNano(), 10)
}

func (s *StateStore) CreateEntity(ctx context.Context, address common.Address, messageID string) error {
	created, err := createScript.Run(ctx, s.client.rdb,
		[]string{s.recordKey(address), s.activeKey()},
		messageID, s.stamp(), addrKey(address),
	).Int()
	if err != nil {
		return fmt.Errorf("create crowdfund failed: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, address.Hex())
	}
	return nil
}

func (s *StateStore) GetEntity(ctx context.Context, address common.Address) (*domain.CrowdfundRecord, error) {
	var fields *redis.MapStringStringCmd
	var entries *redis.StringSliceCmd
	_, err := s.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, s.recordKey(address))
		entries = pipe.LRange(ctx, s.contributionsKey(address), 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get crowdfund failed: %w", err)
	}

	h := fields.Val()
	if len(h) == 0 {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, address.Hex())
	}

	rec := &domain.CrowdfundRecord{
		Address:   address,
		Status:    domain.Status(h["status"]),
		MessageID: h["message_id"],
		ThreadID:  h["thread_id"],
		CreatedAt: parseStamp(h["created_at"]),
		UpdatedAt: parseStamp(h["updated_at"]),
	}
	if token := h["token_address"]; token != "" {
		addr := common.HexToAddress(token)
		rec.TokenAddress = &addr
	}
	total, ok := new(big.Int).SetString(h["total"], 10)
	if !ok {
		return nil, fmt.Errorf("crowdfund %s: corrupt total %q", address.Hex(), h["total"])
	}
	rec.TotalContributed = total

	rec.Contributions = make([]domain.Contribution, 0, len(entries.Val()))
	for _, raw := range entries.Val() {
		c, err := decodeContribution(raw)
		if err != nil {
			return nil, fmt.Errorf("crowdfund %s: %w", address.Hex(), err)
		}
		rec.Contributions = append(rec.Contributions, c)
	}
	return rec, nil
}

func (s *StateStore) SetStatus(
	ctx context.Context,
	address common.Address,
	status domain.Status,
	token *common.Address,
) error {
	if !status.IsTerminal() {
		current, err := s.client.rdb.HGet(ctx, s.recordKey(address), "status").Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, address.Hex())
		}
		if err != nil {
			return fmt.Errorf("set status failed: %w", err)
		}
		_, err = domain.CheckTransition(domain.Status(current), status)
		return err
	}

	tokenArg := ""
	if token != nil {
		tokenArg = strings.ToLower(token.Hex())
	}
	res, err := setStatusScript.Run(ctx, s.client.rdb,
		[]string{s.recordKey(address), s.activeKey()},
		string(status), tokenArg, s.stamp(), addrKey(address),
	).Slice()
	if err != nil {
		return fmt.Errorf("set status failed: %w", err)
	}
	code, current, err := scriptReply(res)
	if err != nil {
		return err
	}

	switch code {
	case -1:
		return fmt.Errorf("%w: %s", storage.ErrNotFound, address.Hex())
	case 2:
		_, err := domain.CheckTransition(domain.Status(current), status)
		return err
	default:
		return nil
	}
}

func (s *StateStore) SetThread(ctx context.Context, address common.Address, threadID string) error {
	code, err := setThreadScript.Run(ctx, s.client.rdb,
		[]string{s.recordKey(address)},
		threadID, s.stamp(),
	).Int()
	if err != nil {
		return fmt.Errorf("set thread failed: %w", err)
	}
	if code == -1 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, address.Hex())
	}
	return nil
}

func (s *StateStore) AppendContributionIfNew(
	ctx context.Context,
	address common.Address,
	c domain.Contribution,
) (storage.AppendResult, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}

	hash := c.TransactionHash.Hex()
	prefix := strings.Join([]string{hash, strings.ToLower(c.Contributor.Hex()), c.Amount.String()}, "|") + "|"
	suffix := "|" + strconv.FormatInt(c.Timestamp.UnixNano(), 10)

	res, err := appendScript.Run(ctx, s.client.rdb,
		[]string{s.recordKey(address), s.txsKey(address), s.contributionsKey(address)},
		hash, c.RunningTotal.String(), prefix, suffix, s.stamp(),
	).Slice()
	if err != nil {
		return 0, fmt.Errorf("append contribution failed: %w", err)
	}
	code, _, err := scriptReply(res)
	if err != nil {
		return 0, err
	}

	switch code {
	case -1:
		return 0, fmt.Errorf("%w: %s", storage.ErrNotFound, address.Hex())
	case 0:
		return storage.AppendDuplicate, nil
	case 2:
		return storage.AppendClosed, nil
	default:
		return storage.AppendApplied, nil
	}
}

func (s *StateStore) ListActiveAddresses(ctx context.Context) ([]common.Address, error) {
	members, err := s.client.rdb.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers failed: %w", err)
	}

	out := make([]common.Address, 0, len(members))
	for _, m := range members {
		if !common.IsHexAddress(m) {
			continue
		}
		out = append(out, common.HexToAddress(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out, nil
}

func (s *StateStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func (s *StateStore) Close() error {
	return s.client.Close()
}

func scriptReply(res []any) (int64, string, error) {
	if len(res) != 2 {
		return 0, "", fmt.Errorf("unexpected script reply %v", res)
	}
	code, ok := res[0].(int64)
	if !ok {
		return 0, "", fmt.Errorf("unexpected script code %T", res[0])
	}
	val, _ := res[1].(string)
	return code, val, nil
}

// Contributions are stored as hash|contributor|amount|running|unixnano.
func decodeContribution(raw string) (domain.Contribution, error) {
	parts := strings.Split(raw, "|")
	if len(parts) != 5 {
		return domain.Contribution{}, errors.New("corrupt contribution entry")
	}
	amount, ok := new(big.Int).SetString(parts[2], 10)
	if !ok {
		return domain.Contribution{}, fmt.Errorf("corrupt contribution amount %q", parts[2])
	}
	running, ok := new(big.Int).SetString(parts[3], 10)
	if !ok {
		return domain.Contribution{}, fmt.Errorf("corrupt running total %q", parts[3])
	}
	return domain.Contribution{
		TransactionHash: common.HexToHash(parts[0]),
		Contributor:     common.HexToAddress(parts[1]),
		Amount:          amount,
		RunningTotal:    running,
		Timestamp:       parseStamp(parts[4]).UTC(),
	}, nil
}

func parseStamp(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n)
}

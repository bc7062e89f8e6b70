package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"

	"github.com/vietddude/partywatch/internal/core/domain"
	"github.com/vietddude/partywatch/internal/infra/storage"
)

// StateStore persists crowdfund state in PostgreSQL. Mutations lock the
// crowdfund row with SELECT ... FOR UPDATE, which serializes concurrent
// updates to the same record.
type StateStore struct {
	db *DB
}

var _ storage.StateStore = (*StateStore)(nil)

func NewStateStore(db *DB) *StateStore {
	return &StateStore{db: db}
}

type crowdfundRow struct {
	Address          string    `db:"address"`
	Status           string    `db:"status"`
	MessageID        string    `db:"message_id"`
	ThreadID         string    `db:"thread_id"`
	TokenAddress     string    `db:"token_address"`
	TotalContributed string    `db:"total_contributed"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

type contributionRow struct {
	TxHash        string    `db:"tx_hash"`
	Contributor   string    `db:"contributor"`
	Amount        string    `db:"amount"`
	RunningTotal  string    `db:"running_total"`
	ContributedAt time.Time `db:"contributed_at"`
}

func addrKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func (s *StateStore) CreateEntity(ctx context.Context, address common.Address, messageID string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO crowdfunds (address, status, message_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO NOTHING`,
		addrKey(address), string(domain.StatusActive), messageID,
	)
	if err != nil {
		return fmt.Errorf("insert crowdfund failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert crowdfund failed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, address.Hex())
	}
	return nil
}

func (s *StateStore) GetEntity(ctx context.Context, address common.Address) (*domain.CrowdfundRecord, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("begin failed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row crowdfundRow
	err = tx.GetContext(ctx, &row, `
		SELECT address, status, message_id, thread_id, token_address,
		       total_contributed::text AS total_contributed, created_at, updated_at
		FROM crowdfunds WHERE address = $1`, addrKey(address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, address.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("select crowdfund failed: %w", err)
	}

	var rows []contributionRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT tx_hash, contributor, amount::text AS amount,
		       running_total::text AS running_total, contributed_at
		FROM contributions WHERE crowdfund_address = $1 ORDER BY seq`, addrKey(address))
	if err != nil {
		return nil, fmt.Errorf("select contributions failed: %w", err)
	}

	return toRecord(address, row, rows)
}

func (s *StateStore) SetStatus(
	ctx context.Context,
	address common.Address,
	status domain.Status,
	token *common.Address,
) error {
	return s.withLockedRow(ctx, address, func(tx *sqlx.Tx, current domain.Status, _ *big.Int) error {
		noop, err := domain.CheckTransition(current, status)
		if err != nil || noop {
			return err
		}
		tokenArg := ""
		if token != nil {
			tokenArg = addrKey(*token)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE crowdfunds
			SET status = $2,
			    token_address = CASE WHEN $3 = '' THEN token_address ELSE $3 END,
			    updated_at = now()
			WHERE address = $1`,
			addrKey(address), string(status), tokenArg,
		)
		if err != nil {
			return fmt.Errorf("update status failed: %w", err)
		}
		return nil
	})
}

func (s *StateStore) SetThread(ctx context.Context, address common.Address, threadID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE crowdfunds
		SET thread_id = CASE WHEN thread_id = '' THEN $2 ELSE thread_id END,
		    updated_at = now()
		WHERE address = $1`,
		addrKey(address), threadID,
	)
	if err != nil {
		return fmt.Errorf("update thread failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update thread failed: %w", err)
	}
	if n == 0 {
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

	result := storage.AppendApplied
	err := s.withLockedRow(ctx, address, func(tx *sqlx.Tx, status domain.Status, stored *big.Int) error {
		var seen bool
		err := tx.GetContext(ctx, &seen, `
			SELECT EXISTS (
				SELECT 1 FROM contributions WHERE crowdfund_address = $1 AND tx_hash = $2
			)`, addrKey(address), c.TransactionHash.Hex())
		if err != nil {
			return fmt.Errorf("dedup lookup failed: %w", err)
		}
		if seen {
			result = storage.AppendDuplicate
			return nil
		}
		if status.IsTerminal() {
			result = storage.AppendClosed
			return nil
		}

		total := domain.MaxInt(stored, c.RunningTotal)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO contributions
			    (crowdfund_address, tx_hash, contributor, amount, running_total, contributed_at)
			VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6)`,
			addrKey(address), c.TransactionHash.Hex(), addrKey(c.Contributor),
			c.Amount.String(), total.String(), c.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert contribution failed: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE crowdfunds SET total_contributed = $2::numeric, updated_at = now()
			WHERE address = $1`,
			addrKey(address), total.String(),
		)
		if err != nil {
			return fmt.Errorf("update total failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

func (s *StateStore) ListActiveAddresses(ctx context.Context) ([]common.Address, error) {
	var addrs []string
	err := s.db.SelectContext(ctx, &addrs,
		`SELECT address FROM crowdfunds WHERE status = $1 ORDER BY address`,
		string(domain.StatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("select active failed: %w", err)
	}

	out := make([]common.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, common.HexToAddress(a))
	}
	return out, nil
}

func (s *StateStore) Ping(ctx context.Context) error {
	return s.db.Health(ctx)
}

func (s *StateStore) Close() error {
	return s.db.Close()
}

// withLockedRow runs fn in a transaction holding the crowdfund row lock.
func (s *StateStore) withLockedRow(
	ctx context.Context,
	address common.Address,
	fn func(tx *sqlx.Tx, status domain.Status, total *big.Int) error,
) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin failed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row struct {
		Status string `db:"status"`
		Total  string `db:"total_contributed"`
	}
	err = tx.GetContext(ctx, &row, `
		SELECT status, total_contributed::text AS total_contributed
		FROM crowdfunds WHERE address = $1 FOR UPDATE`, addrKey(address))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, address.Hex())
	}
	if err != nil {
		return fmt.Errorf("lock crowdfund failed: %w", err)
	}
	total, ok := new(big.Int).SetString(row.Total, 10)
	if !ok {
		return fmt.Errorf("crowdfund %s: corrupt total %q", address.Hex(), row.Total)
	}

	if err := fn(tx, domain.Status(row.Status), total); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

func toRecord(address common.Address, row crowdfundRow, rows []contributionRow) (*domain.CrowdfundRecord, error) {
	total, ok := new(big.Int).SetString(row.TotalContributed, 10)
	if !ok {
		return nil, fmt.Errorf("crowdfund %s: corrupt total %q", address.Hex(), row.TotalContributed)
	}
	rec := &domain.CrowdfundRecord{
		Address:          address,
		Status:           domain.Status(row.Status),
		MessageID:        row.MessageID,
		ThreadID:         row.ThreadID,
		TotalContributed: total,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
		Contributions:    make([]domain.Contribution, 0, len(rows)),
	}
	if row.TokenAddress != "" {
		token := common.HexToAddress(row.TokenAddress)
		rec.TokenAddress = &token
	}

	for _, r := range rows {
		amount, ok := new(big.Int).SetString(r.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("contribution %s: corrupt amount %q", r.TxHash, r.Amount)
		}
		running, ok := new(big.Int).SetString(r.RunningTotal, 10)
		if !ok {
			return nil, fmt.Errorf("contribution %s: corrupt running total %q", r.TxHash, r.RunningTotal)
		}
		rec.Contributions = append(rec.Contributions, domain.Contribution{
			TransactionHash: common.HexToHash(r.TxHash),
			Contributor:     common.HexToAddress(r.Contributor),
			Amount:          amount,
			RunningTotal:    running,
			Timestamp:       r.ContributedAt,
		})
	}
	return rec, nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/madiyars/payments-ledger/internal/domain/models"

	_ "github.com/lib/pq"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrSenderNotFound    = errors.New("sender not found")
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

type Storage struct {
	db *sql.DB
}

func New(dbUrl string) (*Storage, error) {
	db, err := sql.Open("postgres", dbUrl)
	if err != nil {
		return nil, fmt.Errorf("database connection error %s", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect database error %s", err)
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Stop() error {
	return s.db.Close()
}

// GetAccount reads a single account row by username.
func (s *Storage) GetAccount(ctx context.Context, username string) (*models.Account, error) {
	const op = "storage.postgres.GetAccount"

	var account models.Account
	err := s.db.QueryRowContext(ctx,
		"SELECT username, password_hash, balance, created_at FROM users WHERE username = $1",
		username,
	).Scan(&account.Username, &account.PasswordHash, &account.Balance, &account.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &account, nil
}

// Transfer moves amount from one account to another and appends the ledger
// row, all inside a single transaction. Both account rows are locked with
// FOR UPDATE in lexicographic username order so two concurrent transfers
// touching the same pair cannot deadlock, and two concurrent transfers from
// the same account cannot both pass the funds check against a stale balance.
// Returns the two new balances.
func (s *Storage) Transfer(ctx context.Context, fromUser, toUser string, amount int64) (int64, int64, error) {
	const op = "storage.postgres.Transfer"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	first, second := fromUser, toUser
	if first > second {
		first, second = second, first
	}

	balances := make(map[string]int64, 2)
	for _, username := range []string{first, second} {
		var balance int64
		err := tx.QueryRowContext(ctx,
			"SELECT balance FROM users WHERE username = $1 FOR UPDATE",
			username,
		).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			if username == toUser {
				return 0, 0, ErrRecipientNotFound
			}
			return 0, 0, ErrSenderNotFound
		}
		if err != nil {
			return 0, 0, fmt.Errorf("%s: %w", op, err)
		}
		balances[username] = balance
	}

	if balances[fromUser] < amount {
		return 0, 0, ErrInsufficientFunds
	}

	newFromBalance := balances[fromUser] - amount
	newToBalance := balances[toUser] + amount

	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET balance = $1 WHERE username = $2",
		newFromBalance, fromUser,
	); err != nil {
		return 0, 0, fmt.Errorf("%s: %w", op, err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET balance = $1 WHERE username = $2",
		newToBalance, toUser,
	); err != nil {
		return 0, 0, fmt.Errorf("%s: %w", op, err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO transactions (from_user, to_user, amount, date) VALUES ($1, $2, $3, $4)",
		fromUser, toUser, amount, time.Now(),
	); err != nil {
		return 0, 0, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("%s: %w", op, err)
	}

	return newFromBalance, newToBalance, nil
}

// TopUp credits amount to the account and returns the new balance. Same
// locked read-modify-write discipline as Transfer, one row instead of two.
func (s *Storage) TopUp(ctx context.Context, username string, amount int64) (int64, error) {
	const op = "storage.postgres.TopUp"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx,
		"SELECT balance FROM users WHERE username = $1 FOR UPDATE",
		username,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	newBalance := balance + amount

	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET balance = $1 WHERE username = $2",
		newBalance, username,
	); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return newBalance, nil
}

// ListTransfers returns up to fetchLimit most recent ledger rows where the
// user is either side, newest first. Direction filtering happens in the
// handler, after the fetch.
func (s *Storage) ListTransfers(ctx context.Context, username string, fetchLimit int) ([]models.Transfer, error) {
	const op = "storage.postgres.ListTransfers"

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, from_user, to_user, amount, date FROM transactions WHERE from_user = $1 OR to_user = $1 ORDER BY date DESC LIMIT $2",
		username, fetchLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var transfers []models.Transfer
	for rows.Next() {
		var t models.Transfer
		if err := rows.Scan(&t.ID, &t.FromUser, &t.ToUser, &t.Amount, &t.Date); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return transfers, nil
}

package models

import "time"

// Transfer is one immutable ledger row. Rows are appended on a successful
// transfer and never updated or deleted.
type Transfer struct {
	ID       int64     `json:"-"`
	FromUser string    `json:"from_user"`
	ToUser   string    `json:"to_user"`
	Amount   int64     `json:"amount"`
	Date     time.Time `json:"date"`
}

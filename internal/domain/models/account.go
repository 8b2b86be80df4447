package models

type Account struct {
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Balance      int64  `json:"balance"`
	CreatedAt    string `json:"created_at"`
}

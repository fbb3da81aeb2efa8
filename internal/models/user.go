package models

import "time"

// ProviderTesla Tesla 身份提供方
const ProviderTesla = "tesla"

// User 本地用户聚合
type User struct {
	ID        string      `json:"id" db:"id"`
	Email     string      `json:"email" db:"email"`
	Link      AccountLink `json:"link"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// ExternalIdentity 本地用户与身份提供方 subject 的映射，创建后不可变
type ExternalIdentity struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Provider  string    `json:"provider" db:"provider"`
	Subject   string    `json:"subject" db:"subject"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

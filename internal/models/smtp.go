package models

import "time"

// SMTPSettings is the stored SMTP configuration document.
type SMTPSettings struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Secure  bool   `json:"secure"`
	User    string `json:"user"`
	Pass    string `json:"pass,omitempty"`
	From    string `json:"from"`
	Service string `json:"service,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

package models

import "time"

type TemplateContent struct {
	HTML string `json:"html"`
	Text string `json:"text,omitempty"`
}

type Template struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Subject     string          `json:"subject"`
	Content     TemplateContent `json:"content"`
	Version     int             `json:"version"`
	IsActive    bool            `json:"isActive"`
	Variables   []string        `json:"variables"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

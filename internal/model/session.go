package model

import (
	"fmt"
	"strings"
)

// Role identifies the author of a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation about the active dataset.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Credential is the bearer token issued by the auth endpoints.
type Credential struct {
	Token string `json:"token"`
	Email string `json:"email"`
}

// View selects which part of the dataset is presented.
type View string

const (
	ViewOverview View = "overview"
	ViewCharts   View = "charts"
	ViewStats    View = "stats"
	ViewAsk      View = "ask"
)

// DefaultView is used for every new dataset and after a reset.
const DefaultView = ViewOverview

// Views lists the selectable views in display order.
func Views() []View {
	return []View{ViewOverview, ViewCharts, ViewStats, ViewAsk}
}

// ParseView converts a user or stored value into a View.
func ParseView(s string) (View, error) {
	v := View(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Views() {
		if v == known {
			return v, nil
		}
	}
	return "", fmt.Errorf("invalid view %q (use overview|charts|stats|ask)", s)
}

// QueryRequest is the payload of the answering endpoint.
type QueryRequest struct {
	DatasetID string    `json:"dataset_id"`
	Question  string    `json:"question"`
	History   []Message `json:"history"`
}

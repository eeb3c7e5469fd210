package models

import "time"

// Authorization is returned when the backend starts an OAuth flow.
type Authorization struct {
	AuthURL     string `json:"auth_url"`
	State       string `json:"state"`
	RedirectURI string `json:"redirect_uri"`
}

// OAuthCredentials are the client credentials used to start a new account connection.
type OAuthCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Account is a connected email account as reported by the backend.
type Account struct {
	ID       string     `json:"id"`
	Email    string     `json:"email"`
	Provider string     `json:"provider"`
	LastSync *time.Time `json:"last_sync,omitempty"`
}

// AuthStatus is the payload of GET /api/email/auth/status.
type AuthStatus struct {
	Connected bool      `json:"connected"`
	Accounts  []Account `json:"accounts"`
}

// Label is a mailbox label or folder.
type Label struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Type           string `json:"type,omitempty"`
	MessagesTotal  int    `json:"messagesTotal,omitempty"`
	MessagesUnread int    `json:"messagesUnread,omitempty"`
}

// ModifyMessageRequest adds and removes labels on a message.
type ModifyMessageRequest struct {
	AddLabelIDs    []string `json:"add_label_ids,omitempty"`
	RemoveLabelIDs []string `json:"remove_label_ids,omitempty"`
}

// DeleteResult is the payload returned after deleting a message.
type DeleteResult struct {
	Deleted   bool   `json:"deleted"`
	MessageID string `json:"message_id"`
	Permanent bool   `json:"permanent"`
}

package domain

import "time"

// Account holds credentials for an external service, scoped to a project and
// optionally overridden per site. Credential fields carry vault ciphertext;
// they are decrypted only transiently when a provider client is built.
type Account struct {
	ID             string
	ProjectID      string
	SiteID         *string
	ServiceTypeID  string
	Name           string
	Email          string
	APIKey         []byte
	APIToken       []byte
	Login          []byte
	Password       []byte
	Extra          []byte // encrypted JSON blob of provider-specific fields
	LastTestAt     *time.Time
	LastTestResult string
	CreatedAt      time.Time
}

// Credentials is the transient decrypted form of an account's secrets. Never
// persisted or logged.
type Credentials struct {
	Email    string
	APIKey   string
	APIToken string
	Login    string
	Password string
	Extra    map[string]string
}

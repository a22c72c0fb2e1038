// Package credentials persists the provider credentials between runs.
// Stores only load and save; validation belongs to the caller.
package credentials

import (
	"context"
	"os"
	"strings"
)

// AccountMarker is the substring every Twilio account SID carries.
const AccountMarker = "AC"

// Keys under which the three values are persisted.
const (
	KeyFromNumber = "from_number"
	KeyAccountSID = "account_sid"
	KeyAuthToken  = "auth_token"
)

// Credentials are the values needed to talk to the provider.
type Credentials struct {
	FromNumber string `toml:"from_number" json:"from_number"`
	AccountSID string `toml:"account_sid" json:"account_sid"`
	AuthToken  string `toml:"auth_token" json:"auth_token"`
}

// Complete reports whether all three fields are set. Saving requires it.
func (c Credentials) Complete() bool {
	return c.FromNumber != "" && c.AccountSID != "" && c.AuthToken != ""
}

// Configured reports whether the credentials can be used for sending: SID and
// token set and the SID looks like an account SID.
func (c Credentials) Configured() bool {
	return c.AccountSID != "" && c.AuthToken != "" && strings.Contains(c.AccountSID, AccountMarker)
}

// Masked returns a copy safe for display, with the token reduced to its last
// four characters.
func (c Credentials) Masked() Credentials {
	if c.AuthToken == "" {
		return c
	}
	tail := c.AuthToken
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	c.AuthToken = "••••" + tail
	return c
}

// ApplyEnv overrides fields from SMSBATCH_FROM_NUMBER, SMSBATCH_ACCOUNT_SID and
// SMSBATCH_AUTH_TOKEN when they are set.
func (c Credentials) ApplyEnv() Credentials {
	if v := os.Getenv("SMSBATCH_FROM_NUMBER"); v != "" {
		c.FromNumber = v
	}
	if v := os.Getenv("SMSBATCH_ACCOUNT_SID"); v != "" {
		c.AccountSID = v
	}
	if v := os.Getenv("SMSBATCH_AUTH_TOKEN"); v != "" {
		c.AuthToken = v
	}
	return c
}

// Store persists Credentials.
type Store interface {
	Load(ctx context.Context) (Credentials, error)
	Save(ctx context.Context, c Credentials) error
}

// EnvStore wraps a Store and applies environment overrides on Load.
type EnvStore struct {
	Store
}

func (s EnvStore) Load(ctx context.Context) (Credentials, error) {
	c, err := s.Store.Load(ctx)
	if err != nil {
		return Credentials{}, err
	}
	return c.ApplyEnv(), nil
}

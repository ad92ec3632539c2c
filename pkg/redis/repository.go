package redis

import (
	"context"
	"time"
)

// The methods below give *AccountStore the shape of ports.AccountRepository
// (List/Get/Upsert/UpdateTokenCredentials/UpdateProjectID/SetDisabled) so it
// can back the account pool interchangeably with pkg/sqlite. They're thin
// renames over the existing Account CRUD methods above, which predate the
// repository interface and are kept for the account manager's direct use.

// List returns every known account.
func (s *AccountStore) List(ctx context.Context) ([]*Account, error) {
	return s.ListAccounts(ctx)
}

// Get returns a single account by email, or (nil, nil) if absent.
func (s *AccountStore) Get(ctx context.Context, email string) (*Account, error) {
	return s.GetAccount(ctx, email)
}

// Upsert creates or fully replaces an account.
func (s *AccountStore) Upsert(ctx context.Context, account *Account) error {
	return s.SetAccount(ctx, account)
}

// UpdateTokenCredentials updates refresh token and/or API key in place.
func (s *AccountStore) UpdateTokenCredentials(ctx context.Context, email, refreshToken, apiKey string) error {
	account, err := s.GetAccount(ctx, email)
	if err != nil {
		return err
	}
	if account == nil {
		return nil
	}
	if refreshToken != "" {
		account.RefreshToken = refreshToken
	}
	if apiKey != "" {
		account.APIKey = apiKey
	}
	return s.SetAccount(ctx, account)
}

// UpdateProjectID updates an account's project id in place.
func (s *AccountStore) UpdateProjectID(ctx context.Context, email, projectID string) error {
	account, err := s.GetAccount(ctx, email)
	if err != nil {
		return err
	}
	if account == nil {
		return nil
	}
	account.ProjectID = projectID
	return s.SetAccount(ctx, account)
}

// SetDisabled marks an account invalid or clears that state.
func (s *AccountStore) SetDisabled(ctx context.Context, email string, disabled bool, reason string) error {
	account, err := s.GetAccount(ctx, email)
	if err != nil {
		return err
	}
	if account == nil {
		return nil
	}
	account.IsInvalid = disabled
	account.InvalidReason = reason
	if disabled {
		account.InvalidAt = time.Now().UnixMilli()
	} else {
		account.InvalidReason = ""
		account.InvalidAt = 0
	}
	return s.SetAccount(ctx, account)
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

// AccountStore is the SQLite-backed implementation of ports.AccountRepository.
type AccountStore struct {
	client *Client
}

// NewAccountStore creates a new AccountStore over an open Client.
func NewAccountStore(client *Client) *AccountStore {
	return &AccountStore{client: client}
}

// List returns every known account.
func (s *AccountStore) List(ctx context.Context) ([]*redis.Account, error) {
	rows, err := s.client.db.QueryContext(ctx, `SELECT email FROM accounts ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	accounts := make([]*redis.Account, 0, len(emails))
	for _, email := range emails {
		account, err := s.Get(ctx, email)
		if err != nil {
			return nil, err
		}
		if account != nil {
			accounts = append(accounts, account)
		}
	}
	return accounts, nil
}

// Get returns a single account by email, or (nil, nil) if absent.
func (s *AccountStore) Get(ctx context.Context, email string) (*redis.Account, error) {
	row := s.client.db.QueryRowContext(ctx, `
		SELECT email, source, enabled, refresh_token, api_key, project_id,
		       is_invalid, invalid_reason, invalid_at, last_used,
		       proxy_disabled, proxy_url, quota_threshold,
		       subscription_json, quota_json, model_quota_thresholds_json,
		       protected_models_json
		FROM accounts WHERE email = ?`, email)

	var (
		account                                                  redis.Account
		quotaThreshold                                           sql.NullFloat64
		subscriptionJSON, quotaJSON, modelThresholdsJSON, protJSON string
	)
	err := row.Scan(
		&account.Email, &account.Source, &account.Enabled, &account.RefreshToken,
		&account.APIKey, &account.ProjectID, &account.IsInvalid, &account.InvalidReason,
		&account.InvalidAt, &account.LastUsed, &account.ProxyDisabled, &account.ProxyURL,
		&quotaThreshold, &subscriptionJSON, &quotaJSON, &modelThresholdsJSON, &protJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if quotaThreshold.Valid {
		account.QuotaThreshold = &quotaThreshold.Float64
	}
	if subscriptionJSON != "" {
		var sub redis.SubscriptionInfo
		if err := json.Unmarshal([]byte(subscriptionJSON), &sub); err == nil {
			account.Subscription = &sub
		}
	}
	if quotaJSON != "" {
		var quota redis.QuotaInfo
		if err := json.Unmarshal([]byte(quotaJSON), &quota); err == nil {
			account.Quota = &quota
		}
	}
	if modelThresholdsJSON != "" {
		var thresholds map[string]float64
		if err := json.Unmarshal([]byte(modelThresholdsJSON), &thresholds); err == nil {
			account.ModelQuotaThresholds = thresholds
		}
	}
	if protJSON != "" {
		var models []string
		if err := json.Unmarshal([]byte(protJSON), &models); err == nil {
			account.ProtectedModels = models
		}
	}

	return &account, nil
}

// Upsert creates or fully replaces an account row.
func (s *AccountStore) Upsert(ctx context.Context, account *redis.Account) error {
	var quotaThreshold sql.NullFloat64
	if account.QuotaThreshold != nil {
		quotaThreshold = sql.NullFloat64{Float64: *account.QuotaThreshold, Valid: true}
	}

	subscriptionJSON, err := marshalOrEmpty(account.Subscription)
	if err != nil {
		return err
	}
	quotaJSON, err := marshalOrEmpty(account.Quota)
	if err != nil {
		return err
	}
	modelThresholdsJSON, err := marshalOrEmpty(nonEmptyMap(account.ModelQuotaThresholds))
	if err != nil {
		return err
	}
	protJSON, err := marshalOrEmpty(nonEmptySlice(account.ProtectedModels))
	if err != nil {
		return err
	}

	_, err = s.client.db.ExecContext(ctx, `
		INSERT INTO accounts (
			email, source, enabled, refresh_token, api_key, project_id,
			is_invalid, invalid_reason, invalid_at, last_used,
			proxy_disabled, proxy_url, quota_threshold,
			subscription_json, quota_json, model_quota_thresholds_json,
			protected_models_json, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			source=excluded.source, enabled=excluded.enabled,
			refresh_token=excluded.refresh_token, api_key=excluded.api_key,
			project_id=excluded.project_id, is_invalid=excluded.is_invalid,
			invalid_reason=excluded.invalid_reason, invalid_at=excluded.invalid_at,
			last_used=excluded.last_used, proxy_disabled=excluded.proxy_disabled,
			proxy_url=excluded.proxy_url, quota_threshold=excluded.quota_threshold,
			subscription_json=excluded.subscription_json, quota_json=excluded.quota_json,
			model_quota_thresholds_json=excluded.model_quota_thresholds_json,
			protected_models_json=excluded.protected_models_json,
			updated_at=excluded.updated_at`,
		account.Email, account.Source, account.Enabled, account.RefreshToken,
		account.APIKey, account.ProjectID, account.IsInvalid, account.InvalidReason,
		account.InvalidAt, account.LastUsed, account.ProxyDisabled, account.ProxyURL,
		quotaThreshold, subscriptionJSON, quotaJSON, modelThresholdsJSON, protJSON,
		time.Now().UnixMilli(),
	)
	return err
}

// UpdateTokenCredentials updates refresh token and/or API key in place.
func (s *AccountStore) UpdateTokenCredentials(ctx context.Context, email, refreshToken, apiKey string) error {
	account, err := s.Get(ctx, email)
	if err != nil || account == nil {
		return err
	}
	if refreshToken != "" {
		account.RefreshToken = refreshToken
	}
	if apiKey != "" {
		account.APIKey = apiKey
	}
	return s.Upsert(ctx, account)
}

// UpdateProjectID updates an account's project id in place.
func (s *AccountStore) UpdateProjectID(ctx context.Context, email, projectID string) error {
	account, err := s.Get(ctx, email)
	if err != nil || account == nil {
		return err
	}
	account.ProjectID = projectID
	return s.Upsert(ctx, account)
}

// SetDisabled marks an account invalid or clears that state.
func (s *AccountStore) SetDisabled(ctx context.Context, email string, disabled bool, reason string) error {
	account, err := s.Get(ctx, email)
	if err != nil || account == nil {
		return err
	}
	account.IsInvalid = disabled
	if disabled {
		account.InvalidReason = reason
		account.InvalidAt = time.Now().UnixMilli()
	} else {
		account.InvalidReason = ""
		account.InvalidAt = 0
	}
	return s.Upsert(ctx, account)
}

func marshalOrEmpty(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nonEmptyMap(m map[string]float64) map[string]float64 {
	if len(m) == 0 {
		return nil
	}
	return m
}

func nonEmptySlice(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

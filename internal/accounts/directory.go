package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"signaltrader/internal/domain"
	"signaltrader/internal/exchange"
	"signaltrader/internal/security/secretbox"
)

// Directory resolves the accounts a signal fans out to, each account's
// effective risk profile, and its live equity.
type Directory interface {
	ListAccountIDs() []string
	RiskProfile(accountID string) (domain.RiskProfile, error)
	Equity(ctx context.Context, accountID string) (float64, error)
	Credentials(accountID string) (apiKey, apiSecret string, err error)
}

// BalanceSource supplies live equity; the exchange gateway implements it.
type BalanceSource interface {
	Balance(ctx context.Context, accountID string) (exchange.AccountBalance, error)
}

type account struct {
	id        string
	apiKey    string
	apiSecret string
	profile   domain.RiskProfile
}

// Static is a Directory loaded once from a JSON accounts file. Account
// fields left unset in the file inherit the global defaults; credentials
// may be stored encrypted.
type Static struct {
	order    []string
	accounts map[string]account
	balances BalanceSource
}

// fileAccount mirrors one entry of the accounts file. Risk override fields
// are pointers so absent keys fall back to the defaults rather than to
// zero.
type fileAccount struct {
	ID                 string `json:"id"`
	APIKey             string `json:"api_key,omitempty"`
	APISecret          string `json:"api_secret,omitempty"`
	APIKeyEncrypted    string `json:"api_key_encrypted,omitempty"`
	APISecretEncrypted string `json:"api_secret_encrypted,omitempty"`

	RiskPercent         *float64  `json:"risk_percent,omitempty"`
	DefaultLeverage     *int      `json:"default_leverage,omitempty"`
	MaxLeverage         *int      `json:"max_leverage,omitempty"`
	MaxDcaLayers        *int      `json:"max_dca_layers,omitempty"`
	MaxPositionSizeUsdt *float64  `json:"max_position_size_usdt,omitempty"`
	DailyLossLimitUsdt  *float64  `json:"daily_loss_limit_usdt,omitempty"`
	DcaRiskMultiplier   *float64  `json:"dca_risk_multiplier,omitempty"`
	AllowedSymbols      []string  `json:"allowed_symbols,omitempty"`
	Timezone            *string   `json:"timezone,omitempty"`
}

// Load reads the accounts file. With no file configured it builds a single
// account from the environment credentials, which keeps single-account
// deployments free of any extra setup. box may be nil when credentials are
// stored in plaintext.
func Load(path, defaultID, envKey, envSecret string, defaults domain.RiskProfile, box *secretbox.Box, balances BalanceSource) (*Static, error) {
	s := &Static{
		accounts: make(map[string]account),
		balances: balances,
	}

	if path == "" {
		s.order = []string{defaultID}
		s.accounts[defaultID] = account{
			id:        defaultID,
			apiKey:    envKey,
			apiSecret: envSecret,
			profile:   defaults,
		}
		return s, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	var entries []fileAccount
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("accounts file %s lists no accounts", path)
	}

	for _, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("accounts file entry without an id")
		}
		if _, dup := s.accounts[e.ID]; dup {
			return nil, fmt.Errorf("duplicate account id %q", e.ID)
		}
		acct := account{
			id:        e.ID,
			apiKey:    e.APIKey,
			apiSecret: e.APISecret,
			profile:   e.applyTo(defaults),
		}
		if e.APIKeyEncrypted != "" || e.APISecretEncrypted != "" {
			if box == nil {
				return nil, fmt.Errorf("account %s has encrypted credentials but no encryption key is configured", e.ID)
			}
			if acct.apiKey, err = box.Decrypt(e.APIKeyEncrypted); err != nil {
				return nil, fmt.Errorf("decrypt api key for %s: %w", e.ID, err)
			}
			if acct.apiSecret, err = box.Decrypt(e.APISecretEncrypted); err != nil {
				return nil, fmt.Errorf("decrypt api secret for %s: %w", e.ID, err)
			}
		}
		s.order = append(s.order, e.ID)
		s.accounts[e.ID] = acct
	}

	log.Info().Int("accounts", len(s.order)).Str("file", path).Msg("accounts loaded")
	return s, nil
}

func (e fileAccount) applyTo(p domain.RiskProfile) domain.RiskProfile {
	if e.RiskPercent != nil {
		p.RiskPercent = *e.RiskPercent
	}
	if e.DefaultLeverage != nil {
		p.DefaultLeverage = *e.DefaultLeverage
	}
	if e.MaxLeverage != nil {
		p.MaxLeverage = *e.MaxLeverage
	}
	if e.MaxDcaLayers != nil {
		p.MaxDcaLayers = *e.MaxDcaLayers
	}
	if e.MaxPositionSizeUsdt != nil {
		p.MaxPositionSizeUsdt = *e.MaxPositionSizeUsdt
	}
	if e.DailyLossLimitUsdt != nil {
		p.DailyLossLimitUsdt = *e.DailyLossLimitUsdt
	}
	if e.DcaRiskMultiplier != nil {
		p.DcaRiskMultiplier = *e.DcaRiskMultiplier
	}
	if len(e.AllowedSymbols) > 0 {
		p.AllowedSymbols = e.AllowedSymbols
	}
	if e.Timezone != nil {
		p.Timezone = *e.Timezone
	}
	return p
}

// SetBalanceSource wires the equity provider after construction; the
// gateway needs the directory for credentials first.
func (s *Static) SetBalanceSource(b BalanceSource) { s.balances = b }

func (s *Static) ListAccountIDs() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Static) RiskProfile(accountID string) (domain.RiskProfile, error) {
	a, ok := s.accounts[accountID]
	if !ok {
		return domain.RiskProfile{}, fmt.Errorf("unknown account %q", accountID)
	}
	return a.profile, nil
}

func (s *Static) Equity(ctx context.Context, accountID string) (float64, error) {
	if _, ok := s.accounts[accountID]; !ok {
		return 0, fmt.Errorf("unknown account %q", accountID)
	}
	if s.balances == nil {
		return 0, fmt.Errorf("no balance source configured")
	}
	b, err := s.balances.Balance(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("balance for %s: %w", accountID, err)
	}
	return b.TotalEquity, nil
}

func (s *Static) Credentials(accountID string) (string, string, error) {
	a, ok := s.accounts[accountID]
	if !ok {
		return "", "", fmt.Errorf("unknown account %q", accountID)
	}
	if a.apiKey == "" || a.apiSecret == "" {
		return "", "", fmt.Errorf("account %q has no credentials", accountID)
	}
	return a.apiKey, a.apiSecret, nil
}

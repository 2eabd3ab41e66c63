package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperspot/pkg/app/core/errs"
)

// Balance is a ledger row keyed by (AccountID, Asset).
type Balance struct {
	AccountID string          `json:"account_id"`
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// Total returns available + locked.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// TransferKind distinguishes deposit from withdraw requests.
type TransferKind string

const (
	Deposit  TransferKind = "deposit"
	Withdraw TransferKind = "withdraw"
)

// TransferStatus is the review state of a transfer request.
type TransferStatus string

const (
	TransferPending  TransferStatus = "pending"
	TransferApproved TransferStatus = "approved"
	TransferRejected TransferStatus = "rejected"
)

// Transfer is a queued deposit or withdrawal awaiting admin review.
type Transfer struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	Asset       string          `json:"asset"`
	Kind        TransferKind    `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Status      TransferStatus  `json:"status"`
	Notes       string          `json:"notes,omitempty"`
	ProcessedBy string          `json:"processed_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// KYCStatus mirrors the external KYC workflow outcome.
type KYCStatus string

const (
	KYCNone     KYCStatus = "none"
	KYCPending  KYCStatus = "pending"
	KYCApproved KYCStatus = "approved"
	KYCRejected KYCStatus = "rejected"
)

// ParseKYCStatus validates a KYC status string.
func ParseKYCStatus(s string) (KYCStatus, error) {
	switch st := KYCStatus(s); st {
	case KYCNone, KYCPending, KYCApproved, KYCRejected:
		return st, nil
	}
	return "", errs.New(errs.InvalidRequest, "invalid kyc status %q", s)
}

// Account carries the eligibility flags the core consumes.
type Account struct {
	ID        string    `json:"id"`
	Frozen    bool      `json:"frozen"`
	KYC       KYCStatus `json:"kyc"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidateAccountID rejects ids that are empty, too long, or contain
// characters outside [A-Za-z0-9._@-]. Repositories use ids inside
// composite keys, so separators must never appear in them.
func ValidateAccountID(id string) error {
	if id == "" || len(id) > 128 {
		return errs.New(errs.InvalidRequest, "invalid account id %q", id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '@', r == '-':
		default:
			return errs.New(errs.InvalidRequest, "invalid account id %q", id)
		}
	}
	return nil
}

// Package wallet queues deposit and withdraw requests for admin review and
// applies admin balance adjustments. Every balance change goes through the
// ledger in the same unit as the transfer record it belongs to.
package wallet

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/app/core/errs"
	"github.com/uhyunpark/hyperspot/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperspot/pkg/app/core/market"
	"github.com/uhyunpark/hyperspot/pkg/app/core/model"
	"github.com/uhyunpark/hyperspot/pkg/events"
	"github.com/uhyunpark/hyperspot/pkg/metrics"
	"github.com/uhyunpark/hyperspot/pkg/storage"
	"github.com/uhyunpark/hyperspot/pkg/util"
)

// Accounts is the account status the wallet consults before withdrawals.
type Accounts interface {
	IsFrozen(ctx context.Context, accountID string) (bool, error)
	KYCApproved(ctx context.Context, accountID string) (bool, error)
}

type Config struct {
	// RequireKYC blocks withdrawals of accounts without an approved KYC.
	RequireKYC bool
}

type Service struct {
	cfg      Config
	assets   *market.Registry
	ledger   *ledger.Ledger
	repo     storage.Repository
	accounts Accounts
	pub      events.Publisher
	metrics  *metrics.Metrics
	clock    util.Clock
	log      *zap.SugaredLogger
	newID    func() string

	mu sync.Mutex // serializes review decisions
}

type Option func(*Service)

func WithConfig(cfg Config) Option            { return func(s *Service) { s.cfg = cfg } }
func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.pub = p } }
func WithMetrics(m *metrics.Metrics) Option   { return func(s *Service) { s.metrics = m } }
func WithClock(c util.Clock) Option           { return func(s *Service) { s.clock = c } }
func WithLogger(l *zap.SugaredLogger) Option  { return func(s *Service) { s.log = l } }
func WithIDGenerator(fn func() string) Option { return func(s *Service) { s.newID = fn } }

func New(assets *market.Registry, l *ledger.Ledger, repo storage.Repository, accounts Accounts, opts ...Option) *Service {
	s := &Service{
		assets:   assets,
		ledger:   l,
		repo:     repo,
		accounts: accounts,
		pub:      events.Nop{},
		clock:    util.RealClock{},
		log:      zap.NewNop().Sugar(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestDeposit records a pending deposit. Balances change on approval.
func (s *Service) RequestDeposit(ctx context.Context, accountID, asset string, amount decimal.Decimal) (*model.Transfer, error) {
	t, err := s.newTransfer(accountID, asset, model.Deposit, amount)
	if err != nil {
		return nil, err
	}
	if _, err := s.commit(ctx, s.ledger.Begin(), t); err != nil {
		return nil, err
	}
	s.created(ctx, t, nil)
	return t, nil
}

// RequestWithdraw debits the amount immediately and records a pending
// withdrawal in the same unit. A rejection refunds it.
func (s *Service) RequestWithdraw(ctx context.Context, accountID, asset string, amount decimal.Decimal) (*model.Transfer, error) {
	t, err := s.newTransfer(accountID, asset, model.Withdraw, amount)
	if err != nil {
		return nil, err
	}
	if err := s.checkWithdrawable(ctx, accountID); err != nil {
		return nil, err
	}

	tx := s.ledger.Begin()
	if err := tx.DebitAvailable(t.AccountID, t.Asset, t.Amount); err != nil {
		return nil, err
	}
	rows, err := s.commit(ctx, tx, t)
	if err != nil {
		return nil, err
	}
	s.created(ctx, t, rows)
	return t, nil
}

func (s *Service) checkWithdrawable(ctx context.Context, accountID string) error {
	if s.accounts == nil {
		return nil
	}
	frozen, err := s.accounts.IsFrozen(ctx, accountID)
	if err != nil {
		return err
	}
	if frozen {
		return errs.New(errs.Forbidden, "account %s is frozen", accountID)
	}
	if !s.cfg.RequireKYC {
		return nil
	}
	ok, err := s.accounts.KYCApproved(ctx, accountID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.Forbidden, "account %s has no approved KYC", accountID)
	}
	return nil
}

// Approve completes a pending transfer. Deposits are credited now;
// withdrawals were debited when requested.
func (s *Service) Approve(ctx context.Context, id, admin string) (*model.Transfer, error) {
	return s.review(ctx, id, admin, "", model.TransferApproved)
}

// Reject closes a pending transfer. Withdrawals are refunded.
func (s *Service) Reject(ctx context.Context, id, admin, notes string) (*model.Transfer, error) {
	return s.review(ctx, id, admin, notes, model.TransferRejected)
}

func (s *Service) review(ctx context.Context, id, admin, notes string, status model.TransferStatus) (*model.Transfer, error) {
	if err := model.ValidateAccountID(admin); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.repo.FindTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != model.TransferPending {
		return nil, errs.New(errs.AlreadyTerminal, "transfer %s is %s", id, cur.Status)
	}

	now := s.clock.Now()
	next := *cur
	next.Status = status
	next.ProcessedBy = admin
	next.ProcessedAt = &now
	if notes = strings.TrimSpace(notes); notes != "" {
		next.Notes = notes
	}

	tx := s.ledger.Begin()
	switch {
	case status == model.TransferApproved && cur.Kind == model.Deposit,
		status == model.TransferRejected && cur.Kind == model.Withdraw:
		if err := tx.CreditAvailable(cur.AccountID, cur.Asset, cur.Amount); err != nil {
			return nil, err
		}
	}
	rows, err := s.commit(ctx, tx, &next)
	if err != nil {
		return nil, err
	}

	s.metrics.TransferProcessed(string(next.Kind), string(next.Status))
	s.log.Infow("transfer_reviewed", "transfer_id", id, "kind", next.Kind, "status", next.Status,
		"account", next.AccountID, "asset", next.Asset, "amount", next.Amount, "admin", admin)
	s.publish(ctx, append(balanceEvents(rows, now), events.ForTransfer(&next, now)))
	return &next, nil
}

// Credit is an admin adjustment adding to available.
func (s *Service) Credit(ctx context.Context, accountID, asset string, amount decimal.Decimal) (model.Balance, error) {
	asset = normalizeAsset(asset)
	return s.adjust(ctx, accountID, asset, amount, func(tx *ledger.Tx) error {
		return tx.CreditAvailable(accountID, asset, amount)
	})
}

// Debit is an admin adjustment taking from available.
func (s *Service) Debit(ctx context.Context, accountID, asset string, amount decimal.Decimal) (model.Balance, error) {
	asset = normalizeAsset(asset)
	return s.adjust(ctx, accountID, asset, amount, func(tx *ledger.Tx) error {
		return tx.DebitAvailable(accountID, asset, amount)
	})
}

func (s *Service) adjust(ctx context.Context, accountID, asset string, amount decimal.Decimal, stage func(*ledger.Tx) error) (model.Balance, error) {
	if err := s.validate(accountID, asset, amount); err != nil {
		return model.Balance{}, err
	}
	tx := s.ledger.Begin()
	if err := stage(tx); err != nil {
		return model.Balance{}, err
	}
	rows, err := s.commit(ctx, tx, nil)
	if err != nil {
		return model.Balance{}, err
	}

	now := s.clock.Now()
	s.log.Infow("balance_adjusted", "account", accountID, "asset", asset, "amount", amount)
	s.publish(ctx, balanceEvents(rows, now))
	return rows[0], nil
}

// Transfers lists an account's requests, newest first.
func (s *Service) Transfers(ctx context.Context, accountID string, limit int) ([]*model.Transfer, error) {
	if err := model.ValidateAccountID(accountID); err != nil {
		return nil, err
	}
	return s.repo.FindTransfersByAccount(ctx, accountID, limit)
}

// Pending lists requests awaiting review, oldest first.
func (s *Service) Pending(ctx context.Context) ([]*model.Transfer, error) {
	return s.repo.FindPendingTransfers(ctx)
}

func (s *Service) validate(accountID, asset string, amount decimal.Decimal) error {
	if err := model.ValidateAccountID(accountID); err != nil {
		return err
	}
	a, err := s.assets.GetAsset(asset)
	if err != nil {
		return err
	}
	if !a.Active {
		return errs.New(errs.InvalidRequest, "asset %s is not active", asset)
	}
	return a.CheckAmount(amount)
}

func (s *Service) newTransfer(accountID, asset string, kind model.TransferKind, amount decimal.Decimal) (*model.Transfer, error) {
	asset = normalizeAsset(asset)
	if err := s.validate(accountID, asset, amount); err != nil {
		return nil, err
	}
	return &model.Transfer{
		ID:        s.newID(),
		AccountID: accountID,
		Asset:     asset,
		Kind:      kind,
		Amount:    amount,
		Status:    model.TransferPending,
		CreatedAt: s.clock.Now(),
	}, nil
}

// commit applies tx and stores t (when set) with the changed rows.
func (s *Service) commit(ctx context.Context, tx *ledger.Tx, t *model.Transfer) ([]model.Balance, error) {
	return tx.Commit(ctx, func(ctx context.Context, rows []model.Balance) error {
		cs := &storage.Changeset{Balances: rows}
		if t != nil {
			cs.Transfers = []*model.Transfer{t}
		}
		return s.repo.Commit(ctx, cs)
	})
}

func (s *Service) created(ctx context.Context, t *model.Transfer, rows []model.Balance) {
	s.metrics.TransferProcessed(string(t.Kind), string(t.Status))
	s.log.Infow("transfer_requested", "transfer_id", t.ID, "kind", t.Kind, "account", t.AccountID,
		"asset", t.Asset, "amount", t.Amount)
	s.publish(ctx, append(balanceEvents(rows, t.CreatedAt), events.ForTransfer(t, t.CreatedAt)))
}

func (s *Service) publish(ctx context.Context, evs []events.Event) {
	if err := s.pub.Publish(ctx, evs...); err != nil {
		s.log.Warnw("publish_failed", "events", len(evs), "error", err)
	}
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

func balanceEvents(rows []model.Balance, at time.Time) []events.Event {
	evs := make([]events.Event, 0, len(rows))
	for _, b := range rows {
		evs = append(evs, events.ForBalance(b, at))
	}
	return evs
}

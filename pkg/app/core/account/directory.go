// Package account tracks per-account status the core consults before
// accepting orders or withdrawals: the frozen flag and the KYC decision.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/app/core/errs"
	"github.com/uhyunpark/hyperspot/pkg/app/core/model"
	"github.com/uhyunpark/hyperspot/pkg/events"
	"github.com/uhyunpark/hyperspot/pkg/storage"
	"github.com/uhyunpark/hyperspot/pkg/util"
)

// Directory manages account status records in a thread-safe manner.
// Uses an in-memory cache in front of the repository.
type Directory struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account // id -> account (cache)
	writeMu  sync.Mutex                // serializes read-modify-write updates
	repo     storage.Repository
	pub      events.Publisher
	clock    util.Clock
	log      *zap.SugaredLogger
}

func NewDirectory(repo storage.Repository, pub events.Publisher, clock util.Clock, log *zap.SugaredLogger) *Directory {
	if pub == nil {
		pub = events.Nop{}
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Directory{
		accounts: make(map[string]*model.Account),
		repo:     repo,
		pub:      pub,
		clock:    clock,
		log:      log,
	}
}

// Get returns the account status. Unknown accounts come back as a zero
// record (not frozen, KYC none) without being stored.
func (d *Directory) Get(ctx context.Context, id string) (model.Account, error) {
	if err := model.ValidateAccountID(id); err != nil {
		return model.Account{}, err
	}

	d.mu.RLock()
	acc, ok := d.accounts[id]
	d.mu.RUnlock()
	if ok {
		return *acc, nil
	}

	acc, err := d.repo.FindAccount(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return model.Account{ID: id, KYC: model.KYCNone}, nil
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("load account %s: %w", id, err)
	}

	d.mu.Lock()
	d.accounts[id] = acc
	d.mu.Unlock()
	return *acc, nil
}

func (d *Directory) IsFrozen(ctx context.Context, id string) (bool, error) {
	acc, err := d.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return acc.Frozen, nil
}

func (d *Directory) KYCApproved(ctx context.Context, id string) (bool, error) {
	acc, err := d.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return acc.KYC == model.KYCApproved, nil
}

func (d *Directory) SetFrozen(ctx context.Context, id string, frozen bool) (model.Account, error) {
	return d.update(ctx, id, func(a *model.Account) { a.Frozen = frozen })
}

func (d *Directory) SetKYCStatus(ctx context.Context, id string, status model.KYCStatus) (model.Account, error) {
	return d.update(ctx, id, func(a *model.Account) { a.KYC = status })
}

// update persists the mutated record before replacing the cached one.
func (d *Directory) update(ctx context.Context, id string, mutate func(*model.Account)) (model.Account, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	cur, err := d.Get(ctx, id)
	if err != nil {
		return model.Account{}, err
	}

	next := cur
	mutate(&next)
	next.UpdatedAt = d.clock.Now()

	if err := d.repo.Commit(ctx, &storage.Changeset{Accounts: []*model.Account{&next}}); err != nil {
		return model.Account{}, fmt.Errorf("save account %s: %w", id, err)
	}

	d.mu.Lock()
	stored := next
	d.accounts[id] = &stored
	d.mu.Unlock()

	d.log.Infow("account_updated", "account", id, "frozen", next.Frozen, "kyc", next.KYC)
	if err := d.pub.Publish(ctx, events.ForAccount(&next)); err != nil {
		d.log.Warnw("publish_failed", "event", events.AccountUpdated, "account", id, "error", err)
	}
	return next, nil
}

package account

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperspot/pkg/app/core/errs"
	"github.com/uhyunpark/hyperspot/pkg/app/core/model"
	"github.com/uhyunpark/hyperspot/pkg/events"
	"github.com/uhyunpark/hyperspot/pkg/storage"
	"github.com/uhyunpark/hyperspot/pkg/util"
)

func newDirectory(t *testing.T) (*Directory, *storage.MemoryStore, *events.Recorder) {
	t.Helper()
	repo := storage.NewMemoryStore()
	rec := events.NewRecorder()
	clock := util.NewManualClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	return NewDirectory(repo, rec, clock, nil), repo, rec
}

func TestUnknownAccount(t *testing.T) {
	d, _, _ := newDirectory(t)
	ctx := context.Background()

	frozen, err := d.IsFrozen(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, frozen)

	ok, err := d.KYCApproved(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidAccountID(t *testing.T) {
	d, _, _ := newDirectory(t)
	_, err := d.IsFrozen(context.Background(), "bad id/with:separators")
	assert.True(t, errors.Is(err, errs.ErrInvalidRequest))
}

func TestSetFrozenPersists(t *testing.T) {
	d, repo, rec := newDirectory(t)
	ctx := context.Background()

	acc, err := d.SetFrozen(ctx, "alice", true)
	require.NoError(t, err)
	assert.True(t, acc.Frozen)

	stored, err := repo.FindAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, stored.Frozen)
	assert.Len(t, rec.OfType(events.AccountUpdated), 1)

	// a fresh directory reads the stored record
	fresh := NewDirectory(repo, nil, nil, nil)
	frozen, err := fresh.IsFrozen(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, frozen)

	_, err = d.SetFrozen(ctx, "alice", false)
	require.NoError(t, err)
	frozen, err = d.IsFrozen(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, frozen)
}

func TestSetKYCStatus(t *testing.T) {
	d, _, _ := newDirectory(t)
	ctx := context.Background()

	tests := []struct {
		status model.KYCStatus
		want   bool
	}{
		{model.KYCPending, false},
		{model.KYCApproved, true},
		{model.KYCRejected, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			_, err := d.SetKYCStatus(ctx, "bob", tt.status)
			require.NoError(t, err)
			ok, err := d.KYCApproved(ctx, "bob")
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	_, err := d.SetFrozen(ctx, "bob", true)
	require.NoError(t, err)
	acc, err := d.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.KYCRejected, acc.KYC, "freezing keeps the KYC decision")
}

func TestFailedCommitKeepsCache(t *testing.T) {
	d, repo, rec := newDirectory(t)
	ctx := context.Background()

	repo.FailNextCommit(errors.New("disk full"))
	_, err := d.SetFrozen(ctx, "carol", true)
	require.Error(t, err)

	frozen, err := d.IsFrozen(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, frozen)
	assert.Empty(t, rec.Events())
}

package pebblestore

import (
	"fmt"
	"time"

	"github.com/uhyunpark/hyperspot/pkg/app/core/model"
)

// Key schema for Pebble storage
//
//   ord:<orderID>                                  → Order
//   oacc:<account>:<seq>:<orderID>                 → (index) account orders by seq
//   open:<market>:<side>:<orderID>                 → (index) resting orders
//   trd:<market>:<unixnano>:<seq>                  → Trade
//   tacc:<account>:<seq>                           → (index) trade key
//   bal:<account>:<asset>                          → Balance
//   xfer:<transferID>                              → Transfer
//   xacc:<account>:<unixnano>:<transferID>         → (index) account transfers
//   xpend:<unixnano>:<transferID>                  → (index) pending transfers
//   acct:<account>                                 → Account
//   meta:seq                                       → last committed sequence
//
// Numbers are zero-padded to 20 digits so lexicographic order is numeric
// order. Account ids never contain ':' (model.ValidateAccountID).

const (
	prefixOrder        = "ord:"
	prefixOrderAccount = "oacc:"
	prefixOpen         = "open:"
	prefixTrade        = "trd:"
	prefixTradeAccount = "tacc:"
	prefixBalance      = "bal:"
	prefixTransfer     = "xfer:"
	prefixXferAccount  = "xacc:"
	prefixXferPending  = "xpend:"
	prefixAccount      = "acct:"
)

var keySeq = []byte("meta:seq")

func orderKey(id string) []byte {
	return []byte(prefixOrder + id)
}

func orderAccountKey(o *model.Order) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixOrderAccount, o.AccountID, o.Seq, o.ID))
}

func orderAccountPrefix(accountID string) []byte {
	return []byte(prefixOrderAccount + accountID + ":")
}

func openKey(o *model.Order) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s", prefixOpen, o.Market, o.Side, o.ID))
}

func openPrefix(market string, side model.Side) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:", prefixOpen, market, side))
}

// tradeKey sorts by execution time, then sequence.
func tradeKey(t *model.Trade) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%020d", prefixTrade, t.Market, t.ExecutedAt.UnixNano(), t.Seq))
}

func tradePrefix(market string) []byte {
	return []byte(prefixTrade + market + ":")
}

func tradeSinceKey(market string, since time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixTrade, market, since.UnixNano()))
}

func tradeAccountKey(accountID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixTradeAccount, accountID, seq))
}

func tradeAccountPrefix(accountID string) []byte {
	return []byte(prefixTradeAccount + accountID + ":")
}

func balanceKey(accountID, asset string) []byte {
	return []byte(prefixBalance + accountID + ":" + asset)
}

func transferKey(id string) []byte {
	return []byte(prefixTransfer + id)
}

func transferAccountKey(t *model.Transfer) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixXferAccount, t.AccountID, t.CreatedAt.UnixNano(), t.ID))
}

func transferAccountPrefix(accountID string) []byte {
	return []byte(prefixXferAccount + accountID + ":")
}

func transferPendingKey(t *model.Transfer) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixXferPending, t.CreatedAt.UnixNano(), t.ID))
}

func accountKey(id string) []byte {
	return []byte(prefixAccount + id)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

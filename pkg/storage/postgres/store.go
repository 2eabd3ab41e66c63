// Package postgres is the PostgreSQL-backed storage.Repository. Every
// Changeset is written inside one transaction.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperspot/pkg/app/core/errs"
	"github.com/uhyunpark/hyperspot/pkg/app/core/model"
	"github.com/uhyunpark/hyperspot/pkg/storage"
)

//go:embed schema.sql
var schema string

// Config is the connection pool configuration.
type Config struct {
	DSN             string        `env:"DSN"`
	MaxConns        int32         `env:"MAX_CONNS" envDefault:"10"`
	MinConns        int32         `env:"MIN_CONNS" envDefault:"1"`
	MaxConnLifetime time.Duration `env:"MAX_CONN_LIFETIME" envDefault:"30m"`
	MaxConnIdleTime time.Duration `env:"MAX_CONN_IDLE_TIME" envDefault:"5m"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT" envDefault:"5s"`
	ApplicationName string        `env:"APPLICATION_NAME" envDefault:"hyperspot"`
}

// Store implements storage.Repository on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open creates the pool, pings the server and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	pgxConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgresql config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pgxConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pgxConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pgxConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pgxConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		pgxConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		pgxConfig.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgresql pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgresql: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const (
	upsertOrder = `
		INSERT INTO orders (id, account_id, market, side, type, price, quantity, filled, status, seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7::text::numeric, $8::text::numeric, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET filled = EXCLUDED.filled, status = EXCLUDED.status,
			price = EXCLUDED.price, updated_at = EXCLUDED.updated_at`
	insertTrade = `
		INSERT INTO trades (id, market, price, quantity, taker_side, taker_order_id, maker_order_id,
			taker_account_id, maker_account_id, seq, executed_at)
		VALUES ($1, $2, $3::text::numeric, $4::text::numeric, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`
	upsertBalance = `
		INSERT INTO balances (account_id, asset, available, locked)
		VALUES ($1, $2, $3::text::numeric, $4::text::numeric)
		ON CONFLICT (account_id, asset) DO UPDATE SET available = EXCLUDED.available, locked = EXCLUDED.locked`
	upsertTransfer = `
		INSERT INTO transfers (id, account_id, asset, kind, amount, status, notes, processed_by, created_at, processed_at)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, notes = EXCLUDED.notes,
			processed_by = EXCLUDED.processed_by, processed_at = EXCLUDED.processed_at`
	upsertAccount = `
		INSERT INTO accounts (id, frozen, kyc, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET frozen = EXCLUDED.frozen, kyc = EXCLUDED.kyc, updated_at = EXCLUDED.updated_at`
)

// Commit writes the changeset in one transaction using a pipelined batch.
func (s *Store) Commit(ctx context.Context, cs *storage.Changeset) error {
	if cs.Empty() {
		return nil
	}

	batch := &pgx.Batch{}
	for _, o := range cs.Orders {
		batch.Queue(upsertOrder, o.ID, o.AccountID, o.Market, string(o.Side), string(o.Type),
			o.Price.String(), o.Quantity.String(), o.Filled.String(), o.Status.String(),
			int64(o.Seq), o.CreatedAt, o.UpdatedAt)
	}
	for _, t := range cs.Trades {
		batch.Queue(insertTrade, t.ID, t.Market, t.Price.String(), t.Quantity.String(), string(t.TakerSide),
			t.TakerOrderID, t.MakerOrderID, t.TakerAccountID, t.MakerAccountID, int64(t.Seq), t.ExecutedAt)
	}
	for _, b := range cs.Balances {
		batch.Queue(upsertBalance, b.AccountID, b.Asset, b.Available.String(), b.Locked.String())
	}
	for _, t := range cs.Transfers {
		batch.Queue(upsertTransfer, t.ID, t.AccountID, t.Asset, string(t.Kind), t.Amount.String(),
			string(t.Status), t.Notes, t.ProcessedBy, t.CreatedAt, t.ProcessedAt)
	}
	for _, a := range cs.Accounts {
		batch.Queue(upsertAccount, a.ID, a.Frozen, string(a.KYC), a.UpdatedAt)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to write changeset: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit changeset: %w", err)
	}
	return nil
}

func (s *Store) SaveOrder(ctx context.Context, o *model.Order) error {
	return s.Commit(ctx, &storage.Changeset{Orders: []*model.Order{o}})
}

func (s *Store) SaveTrade(ctx context.Context, t *model.Trade) error {
	return s.Commit(ctx, &storage.Changeset{Trades: []*model.Trade{t}})
}

const orderColumns = `id, account_id, market, side, type, price::text, quantity::text, filled::text, status, seq, created_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o                       model.Order
		side, typ, status       string
		price, quantity, filled string
		seq                     int64
	)
	if err := row.Scan(&o.ID, &o.AccountID, &o.Market, &side, &typ, &price, &quantity, &filled,
		&status, &seq, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Side = model.Side(side)
	o.Type = model.OrderType(typ)
	o.Seq = uint64(seq)
	var err error
	if o.Status, err = model.ParseOrderStatus(status); err != nil {
		return nil, err
	}
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, err
	}
	if o.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, err
	}
	if o.Filled, err = decimal.NewFromString(filled); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) FindOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "order %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", id, err)
	}
	return o, nil
}

func (s *Store) FindOpenByMarket(ctx context.Context, market string, side model.Side) ([]*model.Order, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE market = $1 AND side = $2 AND status IN ('open', 'partial')`, market, string(side))
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return nil, err
	}
	storage.SortPriceTime(orders, side)
	return orders, nil
}

func (s *Store) FindByAccount(ctx context.Context, accountID string, filter storage.StatusFilter, limit int) ([]*model.Order, error) {
	statuses := make([]string, 0, len(filter))
	for _, st := range filter {
		statuses = append(statuses, st.String())
	}
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE account_id = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
		ORDER BY seq DESC LIMIT NULLIF($3, 0)`, accountID, statuses, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query account orders: %w", err)
	}
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]*model.Order, error) {
	defer rows.Close()
	var out []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const tradeColumns = `id, market, price::text, quantity::text, taker_side, taker_order_id, maker_order_id,
	taker_account_id, maker_account_id, seq, executed_at`

func collectTrades(rows pgx.Rows) ([]*model.Trade, error) {
	defer rows.Close()
	var out []*model.Trade
	for rows.Next() {
		var (
			t               model.Trade
			price, quantity string
			side            string
			seq             int64
		)
		if err := rows.Scan(&t.ID, &t.Market, &price, &quantity, &side, &t.TakerOrderID, &t.MakerOrderID,
			&t.TakerAccountID, &t.MakerAccountID, &seq, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.TakerSide = model.Side(side)
		t.Seq = uint64(seq)
		var err error
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if t.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *Store) FindTradesByMarket(ctx context.Context, market string, limit int) ([]*model.Trade, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeColumns+` FROM trades WHERE market = $1
		ORDER BY executed_at DESC, seq DESC LIMIT NULLIF($2, 0)`, market, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	return collectTrades(rows)
}

func (s *Store) FindTradesSince(ctx context.Context, market string, since time.Time) ([]*model.Trade, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeColumns+` FROM trades WHERE market = $1 AND executed_at >= $2
		ORDER BY executed_at, seq`, market, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	return collectTrades(rows)
}

func (s *Store) FindTradesByAccount(ctx context.Context, accountID string, limit int) ([]*model.Trade, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeColumns+` FROM trades
		WHERE taker_account_id = $1 OR maker_account_id = $1
		ORDER BY seq DESC LIMIT NULLIF($2, 0)`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query account trades: %w", err)
	}
	return collectTrades(rows)
}

func (s *Store) LoadBalances(ctx context.Context) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx, `SELECT account_id, asset, available::text, locked::text
		FROM balances ORDER BY account_id, asset`)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var out []model.Balance
	for rows.Next() {
		var b model.Balance
		var avail, locked string
		if err := rows.Scan(&b.AccountID, &b.Asset, &avail, &locked); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		if b.Available, err = decimal.NewFromString(avail); err != nil {
			return nil, err
		}
		if b.Locked, err = decimal.NewFromString(locked); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const transferColumns = `id, account_id, asset, kind, amount::text, status, notes, processed_by, created_at, processed_at`

func collectTransfers(rows pgx.Rows) ([]*model.Transfer, error) {
	defer rows.Close()
	var out []*model.Transfer
	for rows.Next() {
		var (
			t            model.Transfer
			kind, status string
			amount       string
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Asset, &kind, &amount, &status, &t.Notes,
			&t.ProcessedBy, &t.CreatedAt, &t.ProcessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		t.Kind = model.TransferKind(kind)
		t.Status = model.TransferStatus(status)
		var err error
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *Store) FindTransfer(ctx context.Context, id string) (*model.Transfer, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer: %w", err)
	}
	out, err := collectTransfers(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errs.New(errs.NotFound, "transfer %s not found", id)
	}
	return out[0], nil
}

func (s *Store) FindTransfersByAccount(ctx context.Context, accountID string, limit int) ([]*model.Transfer, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+transferColumns+` FROM transfers WHERE account_id = $1
		ORDER BY created_at DESC LIMIT NULLIF($2, 0)`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	return collectTransfers(rows)
}

func (s *Store) FindPendingTransfers(ctx context.Context) ([]*model.Transfer, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+transferColumns+` FROM transfers WHERE status = 'pending'
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending transfers: %w", err)
	}
	return collectTransfers(rows)
}

func (s *Store) FindAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var kyc string
	err := s.pool.QueryRow(ctx, `SELECT id, frozen, kyc, updated_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Frozen, &kyc, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "account %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", id, err)
	}
	a.KYC = model.KYCStatus(kyc)
	return &a, nil
}

func (s *Store) LastSequence(ctx context.Context) (uint64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT GREATEST(
		(SELECT COALESCE(MAX(seq), 0) FROM orders),
		(SELECT COALESCE(MAX(seq), 0) FROM trades))`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}
	return uint64(seq), nil
}

var _ storage.Repository = (*Store)(nil)

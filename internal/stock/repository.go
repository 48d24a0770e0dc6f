package stock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/foodstock/internal/platform/db"
)

// Reader exposes the reads shared by the store and transactions.
type Reader interface {
	ListActiveLots(ctx context.Context, ownerID int64) ([]Lot, error)
	ListActiveRuns(ctx context.Context, ownerID int64) ([]ProductionRun, error)
}

// Store is the persistence port of the stock core.
type Store interface {
	Reader
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetLot(ctx context.Context, ownerID, lotID int64) (Lot, error)
	ListLotsByKey(ctx context.Context, ownerID int64, key IngredientKey) ([]Lot, error)
	ListUsage(ctx context.Context, ownerID int64) ([]UsageRow, error)
	ListAggregates(ctx context.Context, ownerID int64, kind AggregateKind) ([]AggregateRow, error)
	ListOwners(ctx context.Context) ([]int64, error)
}

// TxRepository exposes transactional operations. Lock* methods take row locks
// held until the transaction ends.
type TxRepository interface {
	Reader

	InsertLot(ctx context.Context, lot Lot) (int64, error)
	GetLotForUpdate(ctx context.Context, ownerID, lotID int64) (Lot, error)
	UpdateLot(ctx context.Context, lot Lot) error
	SoftDeleteLot(ctx context.Context, ownerID, lotID int64, at time.Time) error
	LockActiveLots(ctx context.Context, ownerID int64, key IngredientKey) ([]Lot, error)
	DecrementLot(ctx context.Context, ownerID, lotID int64, amount decimal.Decimal) (decimal.Decimal, error)
	IncrementLot(ctx context.Context, ownerID, lotID int64, amount decimal.Decimal) (decimal.Decimal, error)

	InsertUsage(ctx context.Context, rec UsageRecord) (int64, error)
	ListUsageByEvent(ctx context.Context, ownerID int64, ref EventRef) ([]UsageRecord, error)
	DeleteUsageByEvent(ctx context.Context, ownerID int64, ref EventRef) (int64, error)

	InsertProductionRun(ctx context.Context, run ProductionRun) (int64, error)
	GetRunForUpdate(ctx context.Context, ownerID, runID int64) (ProductionRun, error)
	UpdateProductionRun(ctx context.Context, run ProductionRun) error
	LockActiveBatches(ctx context.Context, ownerID int64, key IngredientKey) ([]ProductionRun, error)
	DecrementBatch(ctx context.Context, ownerID, runID int64, amount decimal.Decimal) (decimal.Decimal, error)
	IncrementBatch(ctx context.Context, ownerID, runID int64, amount decimal.Decimal) (decimal.Decimal, error)

	InsertShipment(ctx context.Context, sh Shipment) (int64, error)
	GetShipment(ctx context.Context, ownerID, shipmentID int64) (Shipment, error)
	UpdateShipment(ctx context.Context, sh Shipment) error

	ReplaceAggregates(ctx context.Context, ownerID int64, kind AggregateKind, rows []AggregateRow) error
}

// ErrLotNotFound is returned by repositories for a missing lot row.
var ErrLotNotFound = errors.New("stock: lot row not found")

// ErrRunNotFound is returned by repositories for a missing production run row.
var ErrRunNotFound = errors.New("stock: production run row not found")

// ErrShipmentNotFound is returned by repositories for a missing shipment row.
var ErrShipmentNotFound = errors.New("stock: shipment row not found")

// Repository persists stock data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// WithTx executes the callback inside a repeatable-read transaction.
// Serialization failures surface as ErrConcurrencyConflict.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("stock repository not initialised")
	}
	return classifyPgError(db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	}))
}

const lotColumns = `id, owner_id, ingredient_key, name, unit, received_qty, remaining_qty, received_date, expiry_date, COALESCE(external_code, ''), deleted_at, created_at`

const runColumns = `id, owner_id, recipe_id, recipe_key, recipe_name, unit, batch_count, units_per_batch, waste_qty, produced_qty, remaining_qty, produced_at, deleted_at, created_at`

func (r *Repository) ListActiveLots(ctx context.Context, ownerID int64) ([]Lot, error) {
	return listActiveLots(ctx, r.pool, ownerID)
}

func (r *Repository) ListActiveRuns(ctx context.Context, ownerID int64) ([]ProductionRun, error) {
	return listActiveRuns(ctx, r.pool, ownerID)
}

func (r *Repository) GetLot(ctx context.Context, ownerID, lotID int64) (Lot, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+lotColumns+` FROM stock_lots WHERE owner_id=$1 AND id=$2`, ownerID, lotID)
	return scanLot(row)
}

// ListLotsByKey returns active lots of a key in FIFO order.
func (r *Repository) ListLotsByKey(ctx context.Context, ownerID int64, key IngredientKey) ([]Lot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lotColumns+` FROM stock_lots
WHERE owner_id=$1 AND ingredient_key=$2 AND deleted_at IS NULL
ORDER BY received_date ASC, id ASC`, ownerID, string(key))
	if err != nil {
		return nil, err
	}
	return collectLots(rows)
}

func (r *Repository) ListUsage(ctx context.Context, ownerID int64) ([]UsageRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT u.id, u.owner_id, u.event_kind, u.event_id, u.source_kind, u.source_id, u.quantity, u.created_at,
	COALESCE(pr.recipe_key, sh.recipe_key, ''),
	COALESCE(l.ingredient_key, b.recipe_key, ''),
	COALESCE(NULLIF(l.external_code, ''), 'batch-' || b.id::text, '')
FROM stock_usage u
LEFT JOIN production_runs pr ON u.event_kind = 'production' AND pr.id = u.event_id AND pr.owner_id = u.owner_id
LEFT JOIN shipments sh ON u.event_kind = 'shipment' AND sh.id = u.event_id AND sh.owner_id = u.owner_id
LEFT JOIN stock_lots l ON u.source_kind = 'lot' AND l.id = u.source_id AND l.owner_id = u.owner_id
LEFT JOIN production_runs b ON u.source_kind = 'batch' AND b.id = u.source_id AND b.owner_id = u.owner_id
WHERE u.owner_id = $1
ORDER BY u.event_kind ASC, u.event_id ASC, u.id ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UsageRow
	for rows.Next() {
		var row UsageRow
		var eventKind, sourceKind, eventKey, sourceKey string
		if err := rows.Scan(&row.ID, &row.OwnerID, &eventKind, &row.Event.ID, &sourceKind, &row.SourceID, &row.Quantity, &row.CreatedAt,
			&eventKey, &sourceKey, &row.SourceLabel); err != nil {
			return nil, err
		}
		row.Event.Kind = EventKind(eventKind)
		row.SourceKind = SourceKind(sourceKind)
		row.EventKey = IngredientKey(eventKey)
		row.SourceKey = IngredientKey(sourceKey)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *Repository) ListAggregates(ctx context.Context, ownerID int64, kind AggregateKind) ([]AggregateRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT owner_id, kind, agg_key, name, unit, total_on_hand, lot_id, external_code, updated_at
FROM stock_aggregates WHERE owner_id=$1 AND kind=$2 ORDER BY agg_key ASC`, ownerID, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AggregateRow
	for rows.Next() {
		var row AggregateRow
		var k, key string
		if err := rows.Scan(&row.OwnerID, &k, &key, &row.Name, &row.Unit, &row.TotalOnHand, &row.LotID, &row.ExternalCode, &row.UpdatedAt); err != nil {
			return nil, err
		}
		row.Kind = AggregateKind(k)
		row.Key = IngredientKey(key)
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListOwners returns every owner holding lots or production runs.
func (r *Repository) ListOwners(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT owner_id FROM stock_lots UNION SELECT owner_id FROM production_runs ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (r *txRepository) ListActiveLots(ctx context.Context, ownerID int64) ([]Lot, error) {
	return listActiveLots(ctx, r.tx, ownerID)
}

func (r *txRepository) ListActiveRuns(ctx context.Context, ownerID int64) ([]ProductionRun, error) {
	return listActiveRuns(ctx, r.tx, ownerID)
}

func (r *txRepository) InsertLot(ctx context.Context, lot Lot) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_lots (owner_id, ingredient_key, name, unit, received_qty, remaining_qty, received_date, expiry_date, external_code, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW()) RETURNING id`,
		lot.OwnerID, string(lot.Key), lot.Name, lot.Unit, lot.ReceivedQty, lot.RemainingQty, lot.ReceivedDate, lot.ExpiryDate, nullString(lot.ExternalCode)).Scan(&id)
	if isUniqueViolation(err) {
		return 0, ErrDuplicateLotCode
	}
	return id, err
}

func (r *txRepository) GetLotForUpdate(ctx context.Context, ownerID, lotID int64) (Lot, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM stock_lots WHERE owner_id=$1 AND id=$2 FOR UPDATE`, ownerID, lotID)
	return scanLot(row)
}

func (r *txRepository) UpdateLot(ctx context.Context, lot Lot) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_lots SET received_qty=$3, remaining_qty=$4, received_date=$5, expiry_date=$6, external_code=$7
WHERE owner_id=$1 AND id=$2`, lot.OwnerID, lot.ID, lot.ReceivedQty, lot.RemainingQty, lot.ReceivedDate, lot.ExpiryDate, nullString(lot.ExternalCode))
	if isUniqueViolation(err) {
		return ErrDuplicateLotCode
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLotNotFound
	}
	return nil
}

func (r *txRepository) SoftDeleteLot(ctx context.Context, ownerID, lotID int64, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_lots SET deleted_at=$3 WHERE owner_id=$1 AND id=$2 AND deleted_at IS NULL`, ownerID, lotID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLotNotFound
	}
	return nil
}

func (r *txRepository) LockActiveLots(ctx context.Context, ownerID int64, key IngredientKey) ([]Lot, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+lotColumns+` FROM stock_lots
WHERE owner_id=$1 AND ingredient_key=$2 AND deleted_at IS NULL AND remaining_qty > 0
ORDER BY received_date ASC, id ASC
FOR UPDATE`, ownerID, string(key))
	if err != nil {
		return nil, err
	}
	return collectLots(rows)
}

// DecrementLot subtracts amount only while enough stock remains on an active lot.
func (r *txRepository) DecrementLot(ctx context.Context, ownerID, lotID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	var remaining decimal.Decimal
	err := r.tx.QueryRow(ctx, `UPDATE stock_lots SET remaining_qty = remaining_qty - $3
WHERE owner_id=$1 AND id=$2 AND deleted_at IS NULL AND remaining_qty >= $3
RETURNING remaining_qty`, ownerID, lotID, amount).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrConditionFailed
	}
	return remaining, err
}

// IncrementLot adds amount only while the result stays within the received quantity.
func (r *txRepository) IncrementLot(ctx context.Context, ownerID, lotID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	var remaining decimal.Decimal
	err := r.tx.QueryRow(ctx, `UPDATE stock_lots SET remaining_qty = remaining_qty + $3
WHERE owner_id=$1 AND id=$2 AND remaining_qty + $3 <= received_qty
RETURNING remaining_qty`, ownerID, lotID, amount).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrConditionFailed
	}
	return remaining, err
}

func (r *txRepository) InsertUsage(ctx context.Context, rec UsageRecord) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_usage (owner_id, event_kind, event_id, source_kind, source_id, quantity, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW()) RETURNING id`,
		rec.OwnerID, string(rec.Event.Kind), rec.Event.ID, string(rec.SourceKind), rec.SourceID, rec.Quantity).Scan(&id)
	return id, err
}

func (r *txRepository) ListUsageByEvent(ctx context.Context, ownerID int64, ref EventRef) ([]UsageRecord, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, owner_id, event_kind, event_id, source_kind, source_id, quantity, created_at
FROM stock_usage WHERE owner_id=$1 AND event_kind=$2 AND event_id=$3 ORDER BY id ASC FOR UPDATE`, ownerID, string(ref.Kind), ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UsageRecord
	for rows.Next() {
		var rec UsageRecord
		var eventKind, sourceKind string
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &eventKind, &rec.Event.ID, &sourceKind, &rec.SourceID, &rec.Quantity, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Event.Kind = EventKind(eventKind)
		rec.SourceKind = SourceKind(sourceKind)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *txRepository) DeleteUsageByEvent(ctx context.Context, ownerID int64, ref EventRef) (int64, error) {
	tag, err := r.tx.Exec(ctx, `DELETE FROM stock_usage WHERE owner_id=$1 AND event_kind=$2 AND event_id=$3`, ownerID, string(ref.Kind), ref.ID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *txRepository) InsertProductionRun(ctx context.Context, run ProductionRun) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO production_runs (owner_id, recipe_id, recipe_key, recipe_name, unit, batch_count, units_per_batch, waste_qty, produced_qty, remaining_qty, produced_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW()) RETURNING id`,
		run.OwnerID, run.RecipeID, string(run.RecipeKey), run.RecipeName, run.Unit, run.BatchCount, run.UnitsPerBatch, run.Waste, run.ProducedQty, run.RemainingQty, run.ProducedAt).Scan(&id)
	return id, err
}

func (r *txRepository) GetRunForUpdate(ctx context.Context, ownerID, runID int64) (ProductionRun, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+runColumns+` FROM production_runs WHERE owner_id=$1 AND id=$2 FOR UPDATE`, ownerID, runID)
	return scanRun(row)
}

func (r *txRepository) UpdateProductionRun(ctx context.Context, run ProductionRun) error {
	tag, err := r.tx.Exec(ctx, `UPDATE production_runs SET waste_qty=$3, produced_qty=$4, remaining_qty=$5, produced_at=$6, deleted_at=$7
WHERE owner_id=$1 AND id=$2`, run.OwnerID, run.ID, run.Waste, run.ProducedQty, run.RemainingQty, run.ProducedAt, run.DeletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (r *txRepository) LockActiveBatches(ctx context.Context, ownerID int64, key IngredientKey) ([]ProductionRun, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+runColumns+` FROM production_runs
WHERE owner_id=$1 AND recipe_key=$2 AND deleted_at IS NULL AND remaining_qty > 0
ORDER BY produced_at ASC, id ASC
FOR UPDATE`, ownerID, string(key))
	if err != nil {
		return nil, err
	}
	return collectRuns(rows)
}

func (r *txRepository) DecrementBatch(ctx context.Context, ownerID, runID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	var remaining decimal.Decimal
	err := r.tx.QueryRow(ctx, `UPDATE production_runs SET remaining_qty = remaining_qty - $3
WHERE owner_id=$1 AND id=$2 AND deleted_at IS NULL AND remaining_qty >= $3
RETURNING remaining_qty`, ownerID, runID, amount).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrConditionFailed
	}
	return remaining, err
}

func (r *txRepository) IncrementBatch(ctx context.Context, ownerID, runID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	var remaining decimal.Decimal
	err := r.tx.QueryRow(ctx, `UPDATE production_runs SET remaining_qty = remaining_qty + $3
WHERE owner_id=$1 AND id=$2 AND remaining_qty + $3 <= produced_qty
RETURNING remaining_qty`, ownerID, runID, amount).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrConditionFailed
	}
	return remaining, err
}

func (r *txRepository) InsertShipment(ctx context.Context, sh Shipment) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO shipments (owner_id, recipe_id, recipe_key, quantity, shipped_qty, shortfall_qty, reference, shipped_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW()) RETURNING id`,
		sh.OwnerID, sh.RecipeID, string(sh.RecipeKey), sh.Quantity, sh.ShippedQty, sh.Shortfall, sh.Reference, sh.ShippedAt).Scan(&id)
	return id, err
}

func (r *txRepository) GetShipment(ctx context.Context, ownerID, shipmentID int64) (Shipment, error) {
	var sh Shipment
	var key string
	err := r.tx.QueryRow(ctx, `SELECT id, owner_id, recipe_id, recipe_key, quantity, shipped_qty, shortfall_qty, reference, shipped_at, deleted_at, created_at
FROM shipments WHERE owner_id=$1 AND id=$2`, ownerID, shipmentID).
		Scan(&sh.ID, &sh.OwnerID, &sh.RecipeID, &key, &sh.Quantity, &sh.ShippedQty, &sh.Shortfall, &sh.Reference, &sh.ShippedAt, &sh.DeletedAt, &sh.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Shipment{}, ErrShipmentNotFound
	}
	sh.RecipeKey = IngredientKey(key)
	return sh, err
}

func (r *txRepository) UpdateShipment(ctx context.Context, sh Shipment) error {
	tag, err := r.tx.Exec(ctx, `UPDATE shipments SET shipped_qty=$3, shortfall_qty=$4, deleted_at=$5 WHERE owner_id=$1 AND id=$2`,
		sh.OwnerID, sh.ID, sh.ShippedQty, sh.Shortfall, sh.DeletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrShipmentNotFound
	}
	return nil
}

// ReplaceAggregates upserts rows and zeroes (never deletes) keys absent from rows.
func (r *txRepository) ReplaceAggregates(ctx context.Context, ownerID int64, kind AggregateKind, rows []AggregateRow) error {
	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, string(row.Key))
	}
	if _, err := r.tx.Exec(ctx, `UPDATE stock_aggregates SET total_on_hand=0, lot_id=NULL, external_code=NULL, updated_at=NOW()
WHERE owner_id=$1 AND kind=$2 AND NOT (agg_key = ANY($3))`, ownerID, string(kind), keys); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := r.tx.Exec(ctx, `INSERT INTO stock_aggregates (owner_id, kind, agg_key, name, unit, total_on_hand, lot_id, external_code, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
ON CONFLICT (owner_id, kind, agg_key) DO UPDATE SET name=EXCLUDED.name, unit=EXCLUDED.unit, total_on_hand=EXCLUDED.total_on_hand,
	lot_id=EXCLUDED.lot_id, external_code=EXCLUDED.external_code, updated_at=NOW()`,
			ownerID, string(kind), string(row.Key), row.Name, row.Unit, row.TotalOnHand, row.LotID, row.ExternalCode); err != nil {
			return err
		}
	}
	return nil
}

func listActiveLots(ctx context.Context, q querier, ownerID int64) ([]Lot, error) {
	rows, err := q.Query(ctx, `SELECT `+lotColumns+` FROM stock_lots
WHERE owner_id=$1 AND deleted_at IS NULL
ORDER BY ingredient_key ASC, received_date ASC, id ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	return collectLots(rows)
}

func listActiveRuns(ctx context.Context, q querier, ownerID int64) ([]ProductionRun, error) {
	rows, err := q.Query(ctx, `SELECT `+runColumns+` FROM production_runs
WHERE owner_id=$1 AND deleted_at IS NULL
ORDER BY recipe_key ASC, produced_at ASC, id ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	return collectRuns(rows)
}

func scanLot(row pgx.Row) (Lot, error) {
	var lot Lot
	var key string
	err := row.Scan(&lot.ID, &lot.OwnerID, &key, &lot.Name, &lot.Unit, &lot.ReceivedQty, &lot.RemainingQty,
		&lot.ReceivedDate, &lot.ExpiryDate, &lot.ExternalCode, &lot.DeletedAt, &lot.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lot{}, ErrLotNotFound
	}
	if err != nil {
		return Lot{}, err
	}
	lot.Key = IngredientKey(key)
	return lot, nil
}

func collectLots(rows pgx.Rows) ([]Lot, error) {
	defer rows.Close()
	var lots []Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func scanRun(row pgx.Row) (ProductionRun, error) {
	var run ProductionRun
	var key string
	err := row.Scan(&run.ID, &run.OwnerID, &run.RecipeID, &key, &run.RecipeName, &run.Unit, &run.BatchCount, &run.UnitsPerBatch,
		&run.Waste, &run.ProducedQty, &run.RemainingQty, &run.ProducedAt, &run.DeletedAt, &run.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ProductionRun{}, ErrRunNotFound
	}
	if err != nil {
		return ProductionRun{}, err
	}
	run.RecipeKey = IngredientKey(key)
	return run, nil
}

func collectRuns(rows pgx.Rows) ([]ProductionRun, error) {
	defer rows.Close()
	var runs []ProductionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return &ConcurrencyConflictError{Err: err}
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

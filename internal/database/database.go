package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"bundle-pricing-api/internal/models"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"

	// timeLayout is fixed-width so stored timestamps compare lexically.
	timeLayout = "2006-01-02T15:04:05.000000Z"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
	// ErrStatusChanged means the stored status no longer matches the one a
	// status write was based on.
	ErrStatusChanged = errors.New("status changed concurrently")
)

// DB wraps the database connection and provides methods for data access.
type DB struct {
	conn   *sql.DB
	driver string
}

// NewDB opens a connection for the given driver and initializes the schema.
// For sqlite3 the dsn is a file path; for pgx it is a connection URL.
func NewDB(driver, dsn string) (*DB, error) {
	var (
		conn *sql.DB
		err  error
	)

	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
		conn, err = sql.Open(DriverSQLite, dsn+"?_foreign_keys=1&_busy_timeout=5000")
	case DriverPostgres:
		conn, err = sql.Open(DriverPostgres, dsn)
		if err == nil {
			conn.SetMaxIdleConns(8)
			conn.SetMaxOpenConns(30)
			conn.SetConnMaxLifetime(30 * time.Minute)
		}
	default:
		return nil, errors.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	db := &DB{conn: conn, driver: driver}

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to reach database")
	}

	if err := db.initSchema(ctx); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to initialize schema")
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// initSchema creates the necessary tables if they don't exist. The DDL is
// limited to what both sqlite and postgres accept.
func (db *DB) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bundles (
			id TEXT PRIMARY KEY,
			shop TEXT NOT NULL,
			handle TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			type TEXT NOT NULL,
			discount_rule TEXT NOT NULL,
			products TEXT NOT NULL,
			volume_tiers TEXT NOT NULL,
			buy_quantity INTEGER,
			get_quantity INTEGER,
			status TEXT NOT NULL,
			start_date TEXT,
			end_date TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (shop, handle)
		)`,
		`CREATE TABLE IF NOT EXISTS bundle_analytics (
			bundle_id TEXT PRIMARY KEY REFERENCES bundles(id) ON DELETE CASCADE,
			views INTEGER NOT NULL DEFAULT 0,
			conversions INTEGER NOT NULL DEFAULT 0,
			revenue TEXT NOT NULL DEFAULT '0'
		)`,
		`CREATE TABLE IF NOT EXISTS shop_settings (
			shop TEXT PRIMARY KEY,
			max_bundle_products INTEGER NOT NULL,
			currency TEXT NOT NULL,
			locale TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bundles_shop_created_at ON bundles(shop, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_bundles_status_start_date ON bundles(status, start_date)`,
	}

	for _, query := range queries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return errors.Wrap(err, "failed to execute schema query")
		}
	}

	return nil
}

// rebind rewrites ? placeholders into $n for postgres.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

const bundleColumns = `id, shop, handle, name, description, type, discount_rule, products,
	volume_tiers, buy_quantity, get_quantity, status, start_date, end_date, created_at, updated_at`

// CreateBundle inserts a bundle together with its zeroed analytics row.
func (db *DB) CreateBundle(ctx context.Context, b models.Bundle) error {
	args, err := bundleArgs(b)
	if err != nil {
		return err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	query := db.rebind(`INSERT INTO bundles (` + bundleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return errors.Wrapf(err, "failed to insert bundle %s", b.ID)
	}

	if _, err := tx.ExecContext(ctx, db.rebind(`INSERT INTO bundle_analytics (bundle_id) VALUES (?)`), b.ID); err != nil {
		return errors.Wrapf(err, "failed to insert analytics for bundle %s", b.ID)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}

	return nil
}

// UpdateBundle overwrites the editable columns of an existing bundle. Status
// is left alone; it only changes through UpdateBundleStatus.
func (db *DB) UpdateBundle(ctx context.Context, b models.Bundle) error {
	args, err := bundleArgs(b)
	if err != nil {
		return err
	}

	query := db.rebind(`UPDATE bundles SET
		handle = ?, name = ?, description = ?, type = ?, discount_rule = ?, products = ?,
		volume_tiers = ?, buy_quantity = ?, get_quantity = ?, start_date = ?,
		end_date = ?, updated_at = ?
		WHERE id = ? AND shop = ?`)

	// args order follows bundleColumns: skip id, shop, status and created_at.
	updateArgs := append([]any{}, args[2:11]...)
	updateArgs = append(updateArgs, args[12], args[13], args[15], b.ID, b.Shop)

	res, err := db.conn.ExecContext(ctx, query, updateArgs...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return errors.Wrapf(err, "failed to update bundle %s", b.ID)
	}
	return expectOneRow(res)
}

// UpdateBundleStatus moves a bundle from status from to status to. The write
// only applies while the stored status is still from; otherwise it returns
// ErrStatusChanged, or ErrNotFound when the bundle is gone.
func (db *DB) UpdateBundleStatus(ctx context.Context, shop, id string, from, to models.BundleStatus, updatedAt time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		db.rebind(`UPDATE bundles SET status = ?, updated_at = ? WHERE id = ? AND shop = ? AND status = ?`),
		string(to), formatTime(updatedAt), id, shop, string(from),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update status of bundle %s", id)
	}

	if err := expectOneRow(res); !errors.Is(err, ErrNotFound) {
		return err
	}

	var current string
	err = db.conn.QueryRowContext(ctx,
		db.rebind(`SELECT status FROM bundles WHERE id = ? AND shop = ?`), id, shop).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read status of bundle %s", id)
	}
	return ErrStatusChanged
}

// GetBundle returns one bundle owned by shop.
func (db *DB) GetBundle(ctx context.Context, shop, id string) (models.Bundle, error) {
	row := db.conn.QueryRowContext(ctx,
		db.rebind(`SELECT `+bundleColumns+` FROM bundles WHERE id = ? AND shop = ?`), id, shop)

	b, err := scanBundle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Bundle{}, ErrNotFound
	}
	return b, err
}

// DeleteBundle removes a bundle and its analytics.
func (db *DB) DeleteBundle(ctx context.Context, shop, id string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, db.rebind(`DELETE FROM bundle_analytics
		WHERE bundle_id IN (SELECT id FROM bundles WHERE id = ? AND shop = ?)`), id, shop); err != nil {
		return errors.Wrapf(err, "failed to delete analytics for bundle %s", id)
	}

	res, err := tx.ExecContext(ctx, db.rebind(`DELETE FROM bundles WHERE id = ? AND shop = ?`), id, shop)
	if err != nil {
		return errors.Wrapf(err, "failed to delete bundle %s", id)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// ListBundles returns every bundle of a shop, newest first.
func (db *DB) ListBundles(ctx context.Context, shop string) ([]models.Bundle, error) {
	return db.queryBundles(ctx,
		`SELECT `+bundleColumns+` FROM bundles WHERE shop = ? ORDER BY created_at DESC`, shop)
}

// ListActiveBundles returns the ACTIVE bundles of a shop.
func (db *DB) ListActiveBundles(ctx context.Context, shop string) ([]models.Bundle, error) {
	return db.queryBundles(ctx,
		`SELECT `+bundleColumns+` FROM bundles WHERE shop = ? AND status = ? ORDER BY created_at DESC`,
		shop, string(models.StatusActive))
}

// ListDueScheduled returns SCHEDULED bundles of any shop whose start date is at or before now.
func (db *DB) ListDueScheduled(ctx context.Context, now time.Time) ([]models.Bundle, error) {
	return db.queryBundles(ctx,
		`SELECT `+bundleColumns+` FROM bundles
		WHERE status = ? AND start_date IS NOT NULL AND start_date <= ?
		ORDER BY start_date`,
		string(models.StatusScheduled), formatTime(now))
}

// HandleExists reports whether shop already uses handle on a bundle other than excludeID.
func (db *DB) HandleExists(ctx context.Context, shop, handle, excludeID string) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		db.rebind(`SELECT COUNT(*) FROM bundles WHERE shop = ? AND handle = ? AND id <> ?`),
		shop, handle, excludeID,
	).Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, "failed to check bundle handle")
	}
	return count > 0, nil
}

// CountBundlesCreatedSince counts bundles a shop created at or after since.
func (db *DB) CountBundlesCreatedSince(ctx context.Context, shop string, since time.Time) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		db.rebind(`SELECT COUNT(*) FROM bundles WHERE shop = ? AND created_at >= ?`),
		shop, formatTime(since),
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count recent bundles")
	}
	return count, nil
}

// BundleStats returns the analytics counters of every bundle of a shop, keyed by bundle id.
func (db *DB) BundleStats(ctx context.Context, shop string) (map[string]models.BundleStats, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(`SELECT a.bundle_id, a.views, a.conversions, a.revenue
		FROM bundle_analytics a
		JOIN bundles b ON b.id = a.bundle_id
		WHERE b.shop = ?`), shop)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query bundle analytics")
	}
	defer rows.Close()

	stats := make(map[string]models.BundleStats)
	for rows.Next() {
		var (
			id      string
			s       models.BundleStats
			revenue string
		)
		if err := rows.Scan(&id, &s.Views, &s.Conversions, &revenue); err != nil {
			return nil, errors.Wrap(err, "failed to scan bundle analytics")
		}
		if s.Revenue, err = decimal.NewFromString(revenue); err != nil {
			return nil, errors.Wrapf(err, "failed to parse revenue of bundle %s", id)
		}
		stats[id] = s
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating bundle analytics")
	}

	return stats, nil
}

// RecordViews increments the view counter of each bundle.
func (db *DB) RecordViews(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, db.rebind(`UPDATE bundle_analytics SET views = views + 1 WHERE bundle_id = ?`))
	if err != nil {
		return errors.Wrap(err, "failed to prepare statement")
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return errors.Wrapf(err, "failed to record view for bundle %s", id)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// RecordConversion increments the conversion counter and adds revenue.
func (db *DB) RecordConversion(ctx context.Context, shop, id string, revenue decimal.Decimal) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	query := `SELECT a.revenue FROM bundle_analytics a
		JOIN bundles b ON b.id = a.bundle_id
		WHERE a.bundle_id = ? AND b.shop = ?`
	if db.driver == DriverPostgres {
		query += ` FOR UPDATE OF a`
	}

	var current string
	err = tx.QueryRowContext(ctx, db.rebind(query), id, shop).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read analytics for bundle %s", id)
	}

	total, err := decimal.NewFromString(current)
	if err != nil {
		return errors.Wrapf(err, "failed to parse revenue of bundle %s", id)
	}
	total = total.Add(revenue)

	_, err = tx.ExecContext(ctx,
		db.rebind(`UPDATE bundle_analytics SET conversions = conversions + 1, revenue = ? WHERE bundle_id = ?`),
		total.String(), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to record conversion for bundle %s", id)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// ShopSettings returns the saved settings of a shop, or the defaults when none are saved.
func (db *DB) ShopSettings(ctx context.Context, shop string) (models.ShopSettings, error) {
	s := models.ShopSettings{Shop: shop}
	var updatedAt string

	err := db.conn.QueryRowContext(ctx,
		db.rebind(`SELECT max_bundle_products, currency, locale, updated_at FROM shop_settings WHERE shop = ?`),
		shop,
	).Scan(&s.MaxBundleProducts, &s.Currency, &s.Locale, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultShopSettings(shop), nil
	}
	if err != nil {
		return models.ShopSettings{}, errors.Wrap(err, "failed to load shop settings")
	}

	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.ShopSettings{}, errors.Wrap(err, "failed to parse settings updated_at")
	}
	return s, nil
}

// UpsertShopSettings creates or replaces the settings of a shop.
func (db *DB) UpsertShopSettings(ctx context.Context, s models.ShopSettings) error {
	query := db.rebind(`INSERT INTO shop_settings (shop, max_bundle_products, currency, locale, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(shop) DO UPDATE SET
			max_bundle_products = excluded.max_bundle_products,
			currency = excluded.currency,
			locale = excluded.locale,
			updated_at = excluded.updated_at`)

	_, err := db.conn.ExecContext(ctx, query,
		s.Shop, s.MaxBundleProducts, s.Currency, s.Locale, formatTime(s.UpdatedAt))
	if err != nil {
		return errors.Wrap(err, "failed to upsert shop settings")
	}
	return nil
}

func (db *DB) queryBundles(ctx context.Context, query string, args ...any) ([]models.Bundle, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query bundles")
	}
	defer rows.Close()

	bundles := []models.Bundle{}
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating bundles")
	}

	return bundles, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBundle(row scanner) (models.Bundle, error) {
	var (
		b                              models.Bundle
		description                    sql.NullString
		typ, status                    string
		ruleJSON, linesJSON, tiersJSON string
		buyQty, getQty                 sql.NullInt64
		startDate, endDate             sql.NullString
		createdAt, updatedAt           string
	)

	err := row.Scan(
		&b.ID, &b.Shop, &b.Handle, &b.Name, &description, &typ,
		&ruleJSON, &linesJSON, &tiersJSON, &buyQty, &getQty, &status,
		&startDate, &endDate, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Bundle{}, err
		}
		return models.Bundle{}, errors.Wrap(err, "failed to scan bundle")
	}

	b.Type = models.BundleType(typ)
	b.Status = models.BundleStatus(status)
	if description.Valid {
		b.Description = &description.String
	}
	if buyQty.Valid {
		v := int(buyQty.Int64)
		b.BuyQuantity = &v
	}
	if getQty.Valid {
		v := int(getQty.Int64)
		b.GetQuantity = &v
	}

	if err := json.Unmarshal([]byte(ruleJSON), &b.DiscountRule); err != nil {
		return models.Bundle{}, errors.Wrapf(err, "failed to decode discount rule of bundle %s", b.ID)
	}
	if err := json.Unmarshal([]byte(linesJSON), &b.Lines); err != nil {
		return models.Bundle{}, errors.Wrapf(err, "failed to decode products of bundle %s", b.ID)
	}
	if err := json.Unmarshal([]byte(tiersJSON), &b.VolumeTiers); err != nil {
		return models.Bundle{}, errors.Wrapf(err, "failed to decode volume tiers of bundle %s", b.ID)
	}

	if b.StartDate, err = parseNullTime(startDate); err != nil {
		return models.Bundle{}, errors.Wrap(err, "failed to parse start_date")
	}
	if b.EndDate, err = parseNullTime(endDate); err != nil {
		return models.Bundle{}, errors.Wrap(err, "failed to parse end_date")
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Bundle{}, errors.Wrap(err, "failed to parse created_at")
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Bundle{}, errors.Wrap(err, "failed to parse updated_at")
	}

	return b, nil
}

// bundleArgs returns the column values in bundleColumns order.
func bundleArgs(b models.Bundle) ([]any, error) {
	ruleJSON, err := json.Marshal(b.DiscountRule)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode discount rule")
	}
	lines := b.Lines
	if lines == nil {
		lines = []models.BundleProductLine{}
	}
	linesJSON, err := json.Marshal(lines)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode products")
	}
	tiers := b.VolumeTiers
	if tiers == nil {
		tiers = []models.VolumeTier{}
	}
	tiersJSON, err := json.Marshal(tiers)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode volume tiers")
	}

	return []any{
		b.ID,
		b.Shop,
		b.Handle,
		b.Name,
		nullString(b.Description),
		string(b.Type),
		string(ruleJSON),
		string(linesJSON),
		string(tiersJSON),
		nullInt(b.BuyQuantity),
		nullInt(b.GetQuantity),
		string(b.Status),
		nullTime(b.StartDate),
		nullTime(b.EndDate),
		formatTime(b.CreatedAt),
		formatTime(b.UpdatedAt),
	}, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/delivery-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }
func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded schema files in name order. Every statement is
// idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresStore) SaveRequest(ctx context.Context, r *models.DeliveryRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO delivery_requests(
		id, order_id, customer_id, merchant_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
		fee, distance_m, eta_seconds, urgency, fragile, temperature_sensitive, requires_verified_driver,
		requires_proof, vehicle, payment_intent_id, status, offered_to, created_at, expires_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,now())
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, updated_at=now()`,
		r.ID, r.OrderID, r.CustomerID, r.MerchantID, r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon,
		r.Fee, r.DistanceM, r.ETASeconds, string(r.Urgency), r.Fragile, r.TemperatureSensitive, r.RequiresVerifiedDriver,
		r.RequiresProof, string(r.Vehicle), r.PaymentIntentID, string(r.Status), r.OfferedTo, r.CreatedAt, nullTime(r.ExpiresAt))
	if err != nil {
		return fmt.Errorf("save request %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) UpdateRequestStatus(ctx context.Context, id string, status models.RequestStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE delivery_requests SET status=$1, updated_at=now() WHERE id=$2`, string(status), id)
	if err != nil {
		return fmt.Errorf("update request %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SetRequestOffer(ctx context.Context, id, driverID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE delivery_requests SET offered_to=$1, updated_at=now() WHERE id=$2`, driverID, id)
	if err != nil {
		return fmt.Errorf("set offer %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

const requestColumns = `id, order_id, customer_id, merchant_id, pickup_lat, pickup_lon,
	dropoff_lat, dropoff_lon, fee, distance_m, eta_seconds, urgency, fragile, temperature_sensitive,
	requires_verified_driver, requires_proof, vehicle, payment_intent_id, status, offered_to, created_at, expires_at`

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (models.DeliveryRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM delivery_requests WHERE id=$1`, id)
	r, err := scanRequest(row)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return r, fmt.Errorf("get request %s: %w", id, err)
	}
	return r, err
}

func (p *PostgresStore) GetRequestByOrder(ctx context.Context, orderID string) (models.DeliveryRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM delivery_requests
		WHERE order_id=$1 ORDER BY created_at DESC LIMIT 1`, orderID)
	r, err := scanRequest(row)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return r, fmt.Errorf("get request for order %s: %w", orderID, err)
	}
	return r, err
}

func (p *PostgresStore) ListRequestsByStatus(ctx context.Context, status models.RequestStatus) ([]models.DeliveryRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM delivery_requests
		WHERE status=$1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list %s requests: %w", status, err)
	}
	defer rows.Close()
	var out []models.DeliveryRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (models.DeliveryRequest, error) {
	var (
		r         models.DeliveryRequest
		urgency   string
		vehicle   string
		status    string
		expiresAt sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.OrderID, &r.CustomerID, &r.MerchantID, &r.Pickup.Lat, &r.Pickup.Lon,
		&r.Dropoff.Lat, &r.Dropoff.Lon, &r.Fee, &r.DistanceM, &r.ETASeconds, &urgency, &r.Fragile, &r.TemperatureSensitive,
		&r.RequiresVerifiedDriver, &r.RequiresProof, &vehicle, &r.PaymentIntentID, &status, &r.OfferedTo, &r.CreatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DeliveryRequest{}, models.ErrNotFound
	}
	if err != nil {
		return models.DeliveryRequest{}, err
	}
	r.Urgency = models.Urgency(urgency)
	r.Vehicle = models.VehicleClass(vehicle)
	r.Status = models.RequestStatus(status)
	if expiresAt.Valid {
		r.ExpiresAt = expiresAt.Time
	}
	return r, nil
}

func (p *PostgresStore) SaveDelivery(ctx context.Context, d *models.ActiveDelivery) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO deliveries(id, request_id, order_id, driver_id, status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`,
		d.ID, d.RequestID, d.OrderID, d.DriverID, string(d.Status), d.CreatedAt, d.UpdatedAt); err != nil {
		return fmt.Errorf("save delivery %s: %w", d.ID, err)
	}
	for i, e := range d.History {
		if err := insertHistory(ctx, tx, d.ID, i, e); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE delivery_requests SET status=$1, offered_to='', updated_at=now() WHERE id=$2`,
		string(models.RequestMatched), d.RequestID); err != nil {
		return fmt.Errorf("match request %s: %w", d.RequestID, err)
	}
	return tx.Commit()
}

func (p *PostgresStore) AppendHistory(ctx context.Context, deliveryID string, from models.Status, e models.HistoryEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// the row lock taken here also serialises seq allocation below
	res, err := tx.ExecContext(ctx, `UPDATE deliveries SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`,
		string(e.Status), e.At, deliveryID, string(from))
	if err != nil {
		return fmt.Errorf("update delivery %s: %w", deliveryID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM deliveries WHERE id=$1`, deliveryID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("update delivery %s: %w", deliveryID, err)
		}
		return fmt.Errorf("delivery %s is %s, not %s: %w", deliveryID, current, from, ErrStaleStatus)
	}
	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq)+1, 0) FROM delivery_history WHERE delivery_id=$1`, deliveryID).Scan(&seq); err != nil {
		return fmt.Errorf("append history %s: %w", deliveryID, err)
	}
	if err := insertHistory(ctx, tx, deliveryID, seq, e); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetDelivery(ctx context.Context, id string) (models.ActiveDelivery, error) {
	var (
		d      models.ActiveDelivery
		status string
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, request_id, order_id, driver_id, status, created_at, updated_at
		FROM deliveries WHERE id=$1`, id).Scan(&d.ID, &d.RequestID, &d.OrderID, &d.DriverID, &status, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ActiveDelivery{}, models.ErrNotFound
	}
	if err != nil {
		return models.ActiveDelivery{}, fmt.Errorf("get delivery %s: %w", id, err)
	}
	d.Status = models.Status(status)

	rows, err := p.db.QueryContext(ctx, `SELECT status, at, proof_ref, reporter_lat, reporter_lon, actor, reason
		FROM delivery_history WHERE delivery_id=$1 ORDER BY seq`, id)
	if err != nil {
		return models.ActiveDelivery{}, fmt.Errorf("get history %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e        models.HistoryEntry
			st       string
			lat, lon sql.NullFloat64
		)
		if err := rows.Scan(&st, &e.At, &e.ProofRef, &lat, &lon, &e.Actor, &e.Reason); err != nil {
			return models.ActiveDelivery{}, err
		}
		e.Status = models.Status(st)
		if lat.Valid && lon.Valid {
			e.ReporterAt = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
		}
		d.History = append(d.History, e)
	}
	if err := rows.Err(); err != nil {
		return models.ActiveDelivery{}, err
	}
	if req, err := p.GetRequest(ctx, d.RequestID); err == nil {
		d.Request = req
	}
	return d, nil
}

func (p *PostgresStore) ListActiveDeliveries(ctx context.Context) ([]models.ActiveDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM deliveries WHERE status NOT IN ($1, $2) ORDER BY created_at`,
		string(models.StatusDelivered), string(models.StatusCancelled))
	if err != nil {
		return nil, fmt.Errorf("list active deliveries: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.ActiveDelivery, 0, len(ids))
	for _, id := range ids {
		d, err := p.GetDelivery(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, deliveryID string, seq int, e models.HistoryEntry) error {
	var lat, lon sql.NullFloat64
	if e.ReporterAt != nil {
		lat = sql.NullFloat64{Float64: e.ReporterAt.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: e.ReporterAt.Lon, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO delivery_history(delivery_id, seq, status, at, proof_ref, reporter_lat, reporter_lon, actor, reason)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		deliveryID, seq, string(e.Status), e.At, e.ProofRef, lat, lon, e.Actor, e.Reason)
	if err != nil {
		return fmt.Errorf("insert history %s/%d: %w", deliveryID, seq, err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

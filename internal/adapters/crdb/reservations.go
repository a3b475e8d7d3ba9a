package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/tour-reservations/internal/domain"
)

const reservationColumns = `id, tour_id, number_of_people, status, total_price_cents,
	customer_name, customer_email, customer_phone, notes, created_at, updated_at`

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var (
		res    domain.Reservation
		status string
	)
	err := row.Scan(&res.ID, &res.TourID, &res.NumberOfPeople, &status, &res.TotalPriceCents,
		&res.Customer.Name, &res.Customer.Email, &res.Customer.Phone, &res.Notes, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		return domain.Reservation{}, err
	}
	if res.Status, err = domain.ParseStatus(status); err != nil {
		return domain.Reservation{}, errors.Wrapf(err, "reservation %s has unknown status %q", res.ID, status)
	}
	return res, nil
}

func (r *Repository) InsertReservation(ctx context.Context, res domain.Reservation) error {
	_, err := r.exec(ctx, `
		INSERT INTO reservations (id, tour_id, number_of_people, status, total_price_cents,
			customer_name, customer_email, customer_phone, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, res.ID, res.TourID, res.NumberOfPeople, string(res.Status), res.TotalPriceCents,
		res.Customer.Name, res.Customer.Email, res.Customer.Phone, res.Notes, res.CreatedAt, res.UpdatedAt)
	if err != nil {
		if pgCode(err) == ForeignKeyViolationCode {
			return errors.Wrapf(domain.ErrTourNotFound, "tour %s", res.TourID)
		}
		return errors.Wrap(err, "insert reservation")
	}
	return nil
}

func (r *Repository) GetReservation(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	res, err := scanReservation(r.queryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Reservation{}, errors.Wrapf(domain.ErrReservationNotFound, "reservation %s", id)
	}
	if err != nil {
		return domain.Reservation{}, errors.Wrap(err, "get reservation")
	}
	return res, nil
}

func (r *Repository) GetReservationForUpdate(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	if !r.InTx(ctx) {
		return domain.Reservation{}, domain.ErrNoTransaction
	}
	res, err := scanReservation(r.queryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Reservation{}, errors.Wrapf(domain.ErrReservationNotFound, "reservation %s", id)
	}
	if err != nil {
		return domain.Reservation{}, errors.Wrap(err, "lock reservation")
	}
	return res, nil
}

// GetReservationsForUpdate locks every listed reservation in one statement.
// Ids that do not exist are simply absent from the result.
func (r *Repository) GetReservationsForUpdate(ctx context.Context, ids []uuid.UUID) ([]domain.Reservation, error) {
	if !r.InTx(ctx) {
		return nil, domain.ErrNoTransaction
	}
	rows, err := r.query(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ANY($1::UUID[]) ORDER BY id FOR UPDATE`, uuidStrings(ids))
	if err != nil {
		return nil, errors.Wrap(err, "lock reservations")
	}
	defer rows.Close()

	out := make([]domain.Reservation, 0, len(ids))
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan reservation")
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateReservationStatus(ctx context.Context, id uuid.UUID, status domain.Status, now time.Time) error {
	tag, err := r.exec(ctx, `UPDATE reservations SET status = $2, updated_at = $3 WHERE id = $1`, id, string(status), now)
	if err != nil {
		return errors.Wrap(err, "update reservation status")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrReservationNotFound, "reservation %s", id)
	}
	return nil
}

func (r *Repository) UpdateReservationsStatus(ctx context.Context, ids []uuid.UUID, status domain.Status, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.exec(ctx, `UPDATE reservations SET status = $2, updated_at = $3 WHERE id = ANY($1::UUID[])`,
		uuidStrings(ids), string(status), now)
	if err != nil {
		return 0, errors.Wrap(err, "bulk update reservation status")
	}
	return tag.RowsAffected(), nil
}

// ListReservations returns every reservation joined with its tour summary,
// newest first.
func (r *Repository) ListReservations(ctx context.Context) ([]domain.ListingEntry, error) {
	rows, err := r.query(ctx, `
		SELECT r.id, r.tour_id, t.title, t.image_url, t.starts_on, t.ends_on,
		       r.number_of_people, r.status, r.total_price_cents,
		       r.customer_name, r.customer_email, r.created_at, r.updated_at
		FROM reservations r
		JOIN tours t ON t.id = r.tour_id
		ORDER BY r.created_at DESC, r.id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list reservations")
	}
	defer rows.Close()

	entries := []domain.ListingEntry{}
	for rows.Next() {
		var (
			e      domain.ListingEntry
			status string
		)
		if err := rows.Scan(&e.ReservationID, &e.TourID, &e.TourTitle, &e.TourImageURL, &e.TourStartsOn, &e.TourEndsOn,
			&e.NumberOfPeople, &status, &e.TotalPriceCents, &e.CustomerName, &e.CustomerEmail, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan listing row")
		}
		e.Status = domain.Status(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

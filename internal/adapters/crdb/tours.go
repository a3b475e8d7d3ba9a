package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/tour-reservations/internal/domain"
)

const tourColumns = `id, title, image_url, starts_on, ends_on, price_cents, capacity, available`

func scanTour(row pgx.Row) (domain.Tour, error) {
	var t domain.Tour
	err := row.Scan(&t.ID, &t.Title, &t.ImageURL, &t.StartsOn, &t.EndsOn, &t.PriceCents, &t.Capacity, &t.Available)
	return t, err
}

// CreateTour stores a tour with every seat available. Tours are owned by tour
// management; this exists for provisioning and tests.
func (r *Repository) CreateTour(ctx context.Context, t domain.Tour) error {
	_, err := r.exec(ctx, `
		INSERT INTO tours (id, title, image_url, starts_on, ends_on, price_cents, capacity, available)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, t.ID, t.Title, t.ImageURL, t.StartsOn, t.EndsOn, t.PriceCents, t.Capacity)
	if err != nil {
		return errors.Wrap(err, "create tour")
	}
	return nil
}

func (r *Repository) GetTour(ctx context.Context, id uuid.UUID) (domain.Tour, error) {
	t, err := scanTour(r.queryRow(ctx, `SELECT `+tourColumns+` FROM tours WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Tour{}, errors.Wrapf(domain.ErrTourNotFound, "tour %s", id)
	}
	if err != nil {
		return domain.Tour{}, errors.Wrap(err, "get tour")
	}
	return t, nil
}

// GetTourForUpdate locks the tour row for the rest of the transaction.
func (r *Repository) GetTourForUpdate(ctx context.Context, id uuid.UUID) (domain.Tour, error) {
	if !r.InTx(ctx) {
		return domain.Tour{}, domain.ErrNoTransaction
	}
	t, err := scanTour(r.queryRow(ctx, `SELECT `+tourColumns+` FROM tours WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Tour{}, errors.Wrapf(domain.ErrTourNotFound, "tour %s", id)
	}
	if err != nil {
		return domain.Tour{}, errors.Wrap(err, "lock tour")
	}
	return t, nil
}

// SetTourAvailable writes the seat counter. The CHECK constraint on the
// table rejects values outside [0, capacity].
func (r *Repository) SetTourAvailable(ctx context.Context, id uuid.UUID, available int) error {
	if !r.InTx(ctx) {
		return domain.ErrNoTransaction
	}
	tag, err := r.exec(ctx, `UPDATE tours SET available = $2, updated_at = now() WHERE id = $1`, id, available)
	if err != nil {
		if pgCode(err) == CheckViolationCode {
			return errors.Wrapf(err, "tour %s available %d out of range", id, available)
		}
		return errors.Wrap(err, "update tour availability")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrTourNotFound, "tour %s", id)
	}
	return nil
}

// CapacityDrift returns every tour whose available counter disagrees with
// capacity minus the seats held by PENDING and CONFIRMED reservations.
func (r *Repository) CapacityDrift(ctx context.Context) ([]domain.CapacityDrift, error) {
	rows, err := r.query(ctx, `
		SELECT t.id, t.capacity, t.available, h.held
		FROM tours t
		JOIN (
			SELECT t2.id AS tour_id,
			       COALESCE(SUM(CASE WHEN r.status IN ('PENDING', 'CONFIRMED') THEN r.number_of_people ELSE 0 END), 0)::INT8 AS held
			FROM tours t2
			LEFT JOIN reservations r ON r.tour_id = t2.id
			GROUP BY t2.id
		) h ON h.tour_id = t.id
		WHERE t.available <> t.capacity - h.held
		ORDER BY t.id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "query capacity drift")
	}
	defer rows.Close()

	var drift []domain.CapacityDrift
	for rows.Next() {
		var d domain.CapacityDrift
		var held int64
		if err := rows.Scan(&d.TourID, &d.Capacity, &d.Available, &held); err != nil {
			return nil, errors.Wrap(err, "scan capacity drift")
		}
		d.Held = int(held)
		drift = append(drift, d)
	}
	return drift, rows.Err()
}

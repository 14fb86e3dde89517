package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"valetdrive/internal/dispatch"
)

// DriverDirectory is the Postgres-backed driver lookup used by the
// dispatch coordinator.
type DriverDirectory struct {
	pool *pgxpool.Pool
}

func NewDriverDirectory(pool *pgxpool.Pool) *DriverDirectory {
	return &DriverDirectory{pool: pool}
}

func (d *DriverDirectory) Upsert(ctx context.Context, drv dispatch.Driver) error {
	_, err := d.pool.Exec(ctx, `
INSERT INTO drivers (id, name, phone, active, accepting_jobs)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	phone = EXCLUDED.phone,
	active = EXCLUDED.active,
	accepting_jobs = EXCLUDED.accepting_jobs
`, drv.ID, drv.Name, nullStr(drv.Phone), drv.Active, drv.AcceptingJobs)
	return err
}

func (d *DriverDirectory) Get(ctx context.Context, id string) (dispatch.Driver, bool, error) {
	var drv dispatch.Driver
	var phone *string
	err := d.pool.QueryRow(ctx, `
SELECT id, name, phone, active, accepting_jobs FROM drivers WHERE id = $1
`, id).Scan(&drv.ID, &drv.Name, &phone, &drv.Active, &drv.AcceptingJobs)
	if err != nil {
		if err == pgx.ErrNoRows {
			return dispatch.Driver{}, false, nil
		}
		return dispatch.Driver{}, false, err
	}
	if phone != nil {
		drv.Phone = *phone
	}
	return drv, true, nil
}

func (d *DriverDirectory) List(ctx context.Context) ([]dispatch.Driver, error) {
	rows, err := d.pool.Query(ctx, `
SELECT id, name, phone, active, accepting_jobs FROM drivers ORDER BY name ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []dispatch.Driver
	for rows.Next() {
		var drv dispatch.Driver
		var phone *string
		if err := rows.Scan(&drv.ID, &drv.Name, &phone, &drv.Active, &drv.AcceptingJobs); err != nil {
			return nil, err
		}
		if phone != nil {
			drv.Phone = *phone
		}
		out = append(out, drv)
	}
	return out, rows.Err()
}

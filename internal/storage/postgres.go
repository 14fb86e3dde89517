package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"valetdrive/internal/booking"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) CreateBookingWithEntry(ctx context.Context, b booking.Booking, entry booking.Update) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	guestName, guestEmail, guestPhone := guestFields(b)
	if _, err := tx.Exec(ctx, `
INSERT INTO bookings (
	id, customer_id, guest_name, guest_email, guest_phone,
	pickup_address, dropoff_address, pickup_at, return_at, vehicle, service,
	payment_status, payment_amount, payment_ref,
	status, current_stage, overall_progress, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
`, b.ID, nullStr(b.CustomerID), guestName, guestEmail, guestPhone,
		b.PickupAddress, b.DropoffAddress, b.PickupAt, b.ReturnAt, nullStr(b.Vehicle), nullStr(b.Service),
		b.Payment.Status, b.Payment.Amount, nullStr(b.Payment.Ref),
		b.Status, b.CurrentStage, b.OverallProgress, b.CreatedAt); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, b.ID, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) GetBooking(ctx context.Context, id string) (booking.Booking, bool, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, customer_id, guest_name, guest_email, guest_phone,
	pickup_address, dropoff_address, pickup_at, return_at, vehicle, service,
	payment_status, payment_amount, payment_ref,
	status, current_stage, overall_progress,
	pickup_driver_id, pickup_assigned_at, pickup_accepted_at, pickup_started_at,
	pickup_arrived_at, pickup_collected_at, pickup_completed_at,
	return_driver_id, return_assigned_at, return_accepted_at, return_started_at,
	return_arrived_at, return_collected_at, return_completed_at,
	cancelled_at, cancelled_by, cancelled_role, cancel_reason,
	refund_amount, refund_percentage, refund_ref, refund_status,
	created_at
FROM bookings WHERE id = $1
`, id)

	b, err := scanBooking(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return booking.Booking{}, false, nil
		}
		return booking.Booking{}, false, err
	}
	updates, err := p.ListUpdates(ctx, id, 0, 0)
	if err != nil {
		return booking.Booking{}, false, err
	}
	b.Updates = updates
	return b, true, nil
}

func (p *Postgres) UpdateBookingWithEntry(ctx context.Context, b booking.Booking, entries ...booking.Update) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var cancelledAt *time.Time
	var cancelledBy, cancelledRole, cancelReason, refundRef, refundStatus *string
	var refundAmount *int64
	var refundPct *int
	if c := b.Cancellation; c != nil {
		cancelledAt = &c.CancelledAt
		cancelledBy = nullStr(c.CancelledBy)
		role := string(c.Role)
		cancelledRole = &role
		cancelReason = nullStr(c.Reason)
		refundAmount = &c.RefundAmount
		refundPct = &c.RefundPercentage
		refundRef = nullStr(c.RefundRef)
		status := string(c.RefundStatus)
		refundStatus = &status
	}

	if _, err := tx.Exec(ctx, `
UPDATE bookings SET
	payment_status = $2, payment_ref = $3,
	status = $4, current_stage = $5, overall_progress = $6,
	pickup_driver_id = $7, pickup_assigned_at = $8, pickup_accepted_at = $9,
	pickup_started_at = $10, pickup_arrived_at = $11, pickup_collected_at = $12, pickup_completed_at = $13,
	return_driver_id = $14, return_assigned_at = $15, return_accepted_at = $16,
	return_started_at = $17, return_arrived_at = $18, return_collected_at = $19, return_completed_at = $20,
	cancelled_at = $21, cancelled_by = $22, cancelled_role = $23, cancel_reason = $24,
	refund_amount = $25, refund_percentage = $26, refund_ref = $27, refund_status = $28
WHERE id = $1
`, b.ID, b.Payment.Status, nullStr(b.Payment.Ref),
		b.Status, b.CurrentStage, b.OverallProgress,
		nullStr(b.PickupLeg.DriverID), b.PickupLeg.AssignedAt, b.PickupLeg.AcceptedAt,
		b.PickupLeg.StartedAt, b.PickupLeg.ArrivedAt, b.PickupLeg.CollectedAt, b.PickupLeg.CompletedAt,
		nullStr(b.ReturnLeg.DriverID), b.ReturnLeg.AssignedAt, b.ReturnLeg.AcceptedAt,
		b.ReturnLeg.StartedAt, b.ReturnLeg.ArrivedAt, b.ReturnLeg.CollectedAt, b.ReturnLeg.CompletedAt,
		cancelledAt, cancelledBy, cancelledRole, cancelReason,
		refundAmount, refundPct, refundRef, refundStatus); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := insertEntry(ctx, tx, b.ID, entry); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// AssignLegDriver is the conditional write behind race-safe assignment:
// the leg's driver column is set only while still NULL, so of two racing
// requests exactly one sees RowsAffected()==1.
func (p *Postgres) AssignLegDriver(ctx context.Context, id string, kind booking.LegKind, driverID string, at time.Time, entry booking.Update) (bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var tag pgconn.CommandTag
	if kind == booking.ReturnLeg {
		tag, err = tx.Exec(ctx, `
UPDATE bookings SET return_driver_id = $2, return_assigned_at = $3,
	return_accepted_at = NULL, return_started_at = NULL, return_arrived_at = NULL,
	return_collected_at = NULL, return_completed_at = NULL
WHERE id = $1 AND return_driver_id IS NULL AND pickup_driver_id IS NOT NULL
	AND status NOT IN ('cancelled','completed')
`, id, driverID, at)
	} else {
		tag, err = tx.Exec(ctx, `
UPDATE bookings SET pickup_driver_id = $2, pickup_assigned_at = $3,
	pickup_accepted_at = NULL, pickup_started_at = NULL, pickup_arrived_at = NULL,
	pickup_collected_at = NULL, pickup_completed_at = NULL
WHERE id = $1 AND pickup_driver_id IS NULL
	AND status NOT IN ('cancelled','completed')
`, id, driverID, at)
	}
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	if err := insertEntry(ctx, tx, id, entry); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (p *Postgres) ListUpdates(ctx context.Context, bookingID string, limit, offset int) ([]booking.Update, error) {
	q := `
SELECT stage, message, actor_id, actor_role, created_at
FROM booking_updates
WHERE booking_id = $1
ORDER BY id ASC
`
	args := []any{bookingID}
	if limit > 0 {
		q += "LIMIT $2 OFFSET $3"
		args = append(args, limit, offset)
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []booking.Update
	for rows.Next() {
		var u booking.Update
		var actorID, actorRole *string
		if err := rows.Scan(&u.Stage, &u.Message, &actorID, &actorRole, &u.CreatedAt); err != nil {
			return nil, err
		}
		if actorID != nil {
			u.ActorID = *actorID
		}
		if actorRole != nil {
			u.ActorRole = *actorRole
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func insertEntry(ctx context.Context, tx pgx.Tx, bookingID string, entry booking.Update) error {
	_, err := tx.Exec(ctx, `
INSERT INTO booking_updates (booking_id, stage, message, actor_id, actor_role, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, bookingID, entry.Stage, entry.Message, nullStr(entry.ActorID), nullStr(entry.ActorRole), entry.CreatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (booking.Booking, error) {
	var b booking.Booking
	var customerID, guestName, guestEmail, guestPhone *string
	var vehicle, service, paymentRef *string
	var pickupDriver, returnDriver *string
	var cancelledAt *time.Time
	var cancelledBy, cancelledRole, cancelReason, refundRef, refundStatus *string
	var refundAmount *int64
	var refundPct *int

	err := row.Scan(
		&b.ID, &customerID, &guestName, &guestEmail, &guestPhone,
		&b.PickupAddress, &b.DropoffAddress, &b.PickupAt, &b.ReturnAt, &vehicle, &service,
		&b.Payment.Status, &b.Payment.Amount, &paymentRef,
		&b.Status, &b.CurrentStage, &b.OverallProgress,
		&pickupDriver, &b.PickupLeg.AssignedAt, &b.PickupLeg.AcceptedAt, &b.PickupLeg.StartedAt,
		&b.PickupLeg.ArrivedAt, &b.PickupLeg.CollectedAt, &b.PickupLeg.CompletedAt,
		&returnDriver, &b.ReturnLeg.AssignedAt, &b.ReturnLeg.AcceptedAt, &b.ReturnLeg.StartedAt,
		&b.ReturnLeg.ArrivedAt, &b.ReturnLeg.CollectedAt, &b.ReturnLeg.CompletedAt,
		&cancelledAt, &cancelledBy, &cancelledRole, &cancelReason,
		&refundAmount, &refundPct, &refundRef, &refundStatus,
		&b.CreatedAt,
	)
	if err != nil {
		return booking.Booking{}, err
	}

	if customerID != nil {
		b.CustomerID = *customerID
	}
	if guestEmail != nil || guestPhone != nil {
		g := booking.GuestContact{}
		if guestName != nil {
			g.Name = *guestName
		}
		if guestEmail != nil {
			g.Email = *guestEmail
		}
		if guestPhone != nil {
			g.Phone = *guestPhone
		}
		b.Guest = &g
	}
	if vehicle != nil {
		b.Vehicle = *vehicle
	}
	if service != nil {
		b.Service = *service
	}
	if paymentRef != nil {
		b.Payment.Ref = *paymentRef
	}
	if pickupDriver != nil {
		b.PickupLeg.DriverID = *pickupDriver
	}
	if returnDriver != nil {
		b.ReturnLeg.DriverID = *returnDriver
	}
	if cancelledAt != nil {
		c := booking.Cancellation{CancelledAt: *cancelledAt}
		if cancelledBy != nil {
			c.CancelledBy = *cancelledBy
		}
		if cancelledRole != nil {
			c.Role = booking.IdentityRole(*cancelledRole)
		}
		if cancelReason != nil {
			c.Reason = *cancelReason
		}
		if refundAmount != nil {
			c.RefundAmount = *refundAmount
		}
		if refundPct != nil {
			c.RefundPercentage = *refundPct
		}
		if refundRef != nil {
			c.RefundRef = *refundRef
		}
		if refundStatus != nil {
			c.RefundStatus = booking.RefundStatus(*refundStatus)
		}
		b.Cancellation = &c
	}
	return b, nil
}

func guestFields(b booking.Booking) (*string, *string, *string) {
	if b.Guest == nil {
		return nil, nil, nil
	}
	return nullStr(b.Guest.Name), nullStr(b.Guest.Email), nullStr(b.Guest.Phone)
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func DefaultPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnLifetime = time.Hour
	return pgxpool.NewWithConfig(ctx, cfg)
}

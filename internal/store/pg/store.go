package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"notifyd/internal/domain"
	"notifyd/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const notificationColumns = `
	id, service_id, channel, to_addr, normalised_to, COALESCE(subject,''), body,
	status, COALESCE(sent_by,''), COALESCE(reference,''), COALESCE(client_reference,''),
	billable_units, rate_multiplier, key_type, international,
	COALESCE(status_callback_url,''), COALESCE(status_callback_bearer_token,''),
	created_at, sent_at, updated_at`

func scanNotification(row pgx.Row) (domain.Notification, error) {
	var n domain.Notification
	err := row.Scan(
		&n.ID, &n.ServiceID, &n.Channel, &n.To, &n.NormalisedTo, &n.Subject, &n.Body,
		&n.Status, &n.SentBy, &n.Reference, &n.ClientReference,
		&n.BillableUnits, &n.RateMultiplier, &n.KeyType, &n.International,
		&n.StatusCallbackURL, &n.StatusCallbackBearerToken,
		&n.CreatedAt, &n.SentAt, &n.UpdatedAt,
	)
	return n, err
}

func (s *Store) GetNotification(ctx context.Context, id string) (domain.Notification, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=$1`, id)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Notification{}, false, nil
		}
		return domain.Notification{}, false, err
	}
	return n, true, nil
}

func (s *Store) GetNotificationByReference(ctx context.Context, reference string) (domain.Notification, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE reference=$1`, reference)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Notification{}, false, nil
		}
		return domain.Notification{}, false, err
	}
	return n, true, nil
}

// ClaimForSending is the atomic created->sending claim. Under at-least-once
// task delivery two workers can both read status=created; only the one whose
// update lands gets to call the provider. SMS claims also record the
// reference up front (it is our notification id) so a receipt can never
// arrive before the row it correlates with is visible.
func (s *Store) ClaimForSending(ctx context.Context, id, reference string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE notifications SET status=$2, reference=COALESCE($5, reference), updated_at=$3
		WHERE id=$1 AND status=$4
	`, id, domain.StatusSending, now, domain.StatusCreated, nullIfEmpty(reference))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ReleaseClaim rolls a claimed notification back to created so the task
// retry re-attempts the whole dispatch. The one sanctioned back-transition,
// and it only applies while the row is still in sending: a receipt can land
// between the claim and the send's failure return (SMS references are
// committed at claim time), and a settled status must never regress.
func (s *Store) ReleaseClaim(ctx context.Context, id string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE notifications
		SET status=$2, sent_by=NULL, sent_at=NULL, reference=NULL, updated_at=$3
		WHERE id=$1 AND status=$4
	`, id, domain.StatusCreated, now, domain.StatusSending)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) MarkSent(ctx context.Context, in store.SentUpdate) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE notifications
		SET status=$2, sent_by=$3, reference=$4, billable_units=$5, sent_at=$6, updated_at=$6
		WHERE id=$1
	`, in.ID, in.Status, in.SentBy, in.Reference, in.BillableUnits, in.Now)
	return err
}

func (s *Store) MarkStatus(ctx context.Context, id string, status domain.Status, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE notifications SET status=$2, updated_at=$3 WHERE id=$1
	`, id, status, now)
	return err
}

// ApplyReceipt updates status from a delivery receipt, but only while the
// notification is still in-flight. Re-delivered receipts are a no-op.
func (s *Store) ApplyReceipt(ctx context.Context, in store.ReceiptUpdate) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE notifications SET status=$2, updated_at=$3
		WHERE reference=$1 AND status = ANY($4)
	`, in.Reference, in.Status, in.Now, []domain.Status{domain.StatusSending, domain.StatusPending})
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ListStaleInFlight returns in-flight notifications sent through one
// provider whose delivery receipt is overdue, oldest first. Feeds status
// polling.
func (s *Store) ListStaleInFlight(ctx context.Context, sentBy string, olderThan time.Time, limit int) ([]domain.Notification, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE sent_by=$1 AND status = ANY($2) AND sent_at < $3
		ORDER BY sent_at ASC
		LIMIT $4
	`, sentBy, []domain.Status{domain.StatusSending, domain.StatusPending}, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ListProviders returns the active, eligible providers for a channel in
// selection order: priority ascending, insertion order breaking ties.
func (s *Store) ListProviders(ctx context.Context, channel domain.Channel, international bool) ([]domain.Provider, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT identifier, channel, priority, active, supports_international
		FROM providers
		WHERE channel=$1 AND active AND ($2 = false OR supports_international)
		ORDER BY priority ASC, inserted_seq ASC
	`, channel, international)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Provider
	for rows.Next() {
		var p domain.Provider
		if err := rows.Scan(&p.Identifier, &p.Channel, &p.Priority, &p.Active, &p.SupportsInternational); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DisableProvider flips the durable active flag so every worker fails sends
// away from an erroring provider. Re-enable is a manual operator action.
func (s *Store) DisableProvider(ctx context.Context, identifier string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE providers SET active=false, updated_at=$2 WHERE identifier=$1
	`, identifier, now)
	return err
}

func (s *Store) GetService(ctx context.Context, id string) (domain.Service, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, name, active, research_mode FROM services WHERE id=$1
	`, id)
	var svc domain.Service
	err := row.Scan(&svc.ID, &svc.Name, &svc.Active, &svc.ResearchMode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Service{}, false, nil
		}
		return domain.Service{}, false, err
	}
	return svc, true, nil
}

func (s *Store) GetCallbackRegistration(ctx context.Context, serviceID string, callbackType domain.CallbackType) (domain.CallbackRegistration, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT service_id, url, bearer_token, callback_type
		FROM service_callback_registrations
		WHERE service_id=$1 AND callback_type=$2
	`, serviceID, callbackType)
	var reg domain.CallbackRegistration
	err := row.Scan(&reg.ServiceID, &reg.URL, &reg.BearerToken, &reg.CallbackType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CallbackRegistration{}, false, nil
		}
		return domain.CallbackRegistration{}, false, err
	}
	return reg, true, nil
}

func (s *Store) InsertCallbackFailure(ctx context.Context, f domain.CallbackFailure) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO callback_failures
			(service_id, notification_id, callback_url, attempt_number,
			 attempt_started, attempt_ended, failure_type, callback_type)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, f.ServiceID, nullIfEmpty(f.NotificationID), f.CallbackURL, f.AttemptNumber,
		f.AttemptStarted, f.AttemptEnded, f.FailureType, f.CallbackType)
	return err
}

// CallbackFailureStats aggregates the failure log for one service over a
// time bucket. Pure read; the circuit breaker decision is derived from it.
func (s *Store) CallbackFailureStats(ctx context.Context, serviceID string, bucketStart, bucketEnd time.Time) (store.CallbackFailureStats, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT COUNT(DISTINCT notification_id) FILTER (WHERE notification_id IS NOT NULL), COUNT(*)
		FROM callback_failures
		WHERE service_id=$1 AND attempt_started >= $2 AND attempt_started < $3
	`, serviceID, bucketStart, bucketEnd)
	var out store.CallbackFailureStats
	if err := row.Scan(&out.FailingNotifications, &out.TotalFailures); err != nil {
		return store.CallbackFailureStats{}, err
	}
	return out, nil
}

func (s *Store) NotificationHistoryExists(ctx context.Context, id string) (bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT 1 FROM notifications WHERE id=$1`, id)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) InsertComplaint(ctx context.Context, c domain.Complaint) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO complaints (id, notification_id, service_id, feedback_id, complaint_type, complaint_date)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (feedback_id) DO NOTHING
	`, c.ID, c.NotificationID, c.ServiceID, nullIfEmpty(c.FeedbackID), nullIfEmpty(c.ComplaintType), c.ComplaintDate)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

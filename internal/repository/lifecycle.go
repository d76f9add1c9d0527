package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/gigmarket-system/internal/model"
)

// JobDraft описывает атрибуты будущей заявки, отложенной до подтверждения оплаты.
// Черновик существует только пока исход списания средств неизвестен.
type JobDraft struct {
	ID            int64
	PaymentID     int64
	PosterID      int64
	PaymentType   model.PaymentType
	PaymentAmount int64
	ServiceFee    int64
	TotalAmount   int64
	DateNeeded    time.Time
}

// CreateFundedJob атомарно записывает подтверждённый платёж эскроу и открытую заявку.
// Заявка появляется в хранилище только вместе с завершённым платежом на её полную сумму.
func (r *PostgresRepository) CreateFundedJob(ctx context.Context, job model.Job, payment model.Payment) (*model.Job, error) {
	var created *model.Job

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var paymentID int64
		err = tx.QueryRow(ctx,
			`INSERT INTO payments (user_id, amount, service_fee, type, status, transaction_id, idempotency_key)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id`,
			payment.UserID, payment.Amount, payment.ServiceFee,
			string(payment.Type), string(payment.Status),
			payment.TransactionID, payment.IdempotencyKey,
		).Scan(&paymentID)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateTransaction
			}
			return fmt.Errorf("insert payment: %w", err)
		}

		row := tx.QueryRow(ctx,
			`INSERT INTO jobs (poster_id, status, payment_type, payment_amount, service_fee, total_amount, date_needed)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING `+jobColumns,
			job.PosterID, string(model.JobStatusOpen), string(job.PaymentType),
			job.PaymentAmount, job.ServiceFee, job.TotalAmount, job.DateNeeded,
		)
		created, err = scanJob(row)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE payments SET job_id = $2 WHERE id = $1`,
			paymentID, created.ID,
		); err != nil {
			return fmt.Errorf("link payment to job: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// CreatePayment записывает одиночную денежную операцию (например, неуспешное списание для аудита).
func (r *PostgresRepository) CreatePayment(ctx context.Context, payment model.Payment) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO payments (user_id, worker_id, job_id, amount, service_fee, type, status, transaction_id, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		payment.UserID, payment.WorkerID, payment.JobID, payment.Amount, payment.ServiceFee,
		string(payment.Type), string(payment.Status),
		payment.TransactionID, payment.IdempotencyKey,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateTransaction
		}
		return 0, fmt.Errorf("insert payment: %w", err)
	}
	return id, nil
}

// CreateFundingDraft записывает платёж с неизвестным исходом и черновик заявки.
// Заявка не видна в jobs, пока воркер сверки не получит подтверждение списания.
func (r *PostgresRepository) CreateFundingDraft(ctx context.Context, payment model.Payment, draft JobDraft) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var paymentID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO payments (user_id, amount, service_fee, type, status, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		payment.UserID, payment.Amount, payment.ServiceFee,
		string(payment.Type), string(model.PaymentStatusProcessing),
		payment.IdempotencyKey,
	).Scan(&paymentID)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateTransaction
		}
		return 0, fmt.Errorf("insert processing payment: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO job_drafts (payment_id, poster_id, payment_type, payment_amount, service_fee, total_amount, date_needed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		paymentID, draft.PosterID, string(draft.PaymentType),
		draft.PaymentAmount, draft.ServiceFee, draft.TotalAmount, draft.DateNeeded,
	)
	if err != nil {
		return 0, fmt.Errorf("insert job draft: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return paymentID, nil
}

// PromoteFundingDraft превращает черновик в открытую заявку после подтверждения списания.
// Повторное применение того же уведомления не меняет ни одной строки.
func (r *PostgresRepository) PromoteFundingDraft(ctx context.Context, paymentID int64, transactionID string) (*model.Job, error) {
	var created *model.Job

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx,
			`UPDATE payments SET status = $2, transaction_id = $3 WHERE id = $1 AND status = $4`,
			paymentID, string(model.PaymentStatusCompleted), transactionID,
			string(model.PaymentStatusProcessing),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateTransaction
			}
			return fmt.Errorf("complete payment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyApplied
		}

		var d JobDraft
		var paymentType string
		err = tx.QueryRow(ctx,
			`SELECT id, payment_id, poster_id, payment_type, payment_amount, service_fee, total_amount, date_needed
			 FROM job_drafts WHERE payment_id = $1`,
			paymentID,
		).Scan(&d.ID, &d.PaymentID, &d.PosterID, &paymentType, &d.PaymentAmount, &d.ServiceFee, &d.TotalAmount, &d.DateNeeded)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAlreadyApplied
			}
			return fmt.Errorf("select job draft: %w", err)
		}

		row := tx.QueryRow(ctx,
			`INSERT INTO jobs (poster_id, status, payment_type, payment_amount, service_fee, total_amount, date_needed)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING `+jobColumns,
			d.PosterID, string(model.JobStatusOpen), paymentType,
			d.PaymentAmount, d.ServiceFee, d.TotalAmount, d.DateNeeded,
		)
		created, err = scanJob(row)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		if _, err := tx.Exec(ctx, `UPDATE payments SET job_id = $2 WHERE id = $1`, paymentID, created.ID); err != nil {
			return fmt.Errorf("link payment to job: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM job_drafts WHERE id = $1`, d.ID); err != nil {
			return fmt.Errorf("delete job draft: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// FailFundingDraft помечает неподтверждённое списание неуспешным и удаляет черновик заявки.
func (r *PostgresRepository) FailFundingDraft(ctx context.Context, paymentID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE payments SET status = $2 WHERE id = $1 AND status = $3`,
		paymentID, string(model.PaymentStatusFailed), string(model.PaymentStatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("fail payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyApplied
	}

	if _, err := tx.Exec(ctx, `DELETE FROM job_drafts WHERE payment_id = $1`, paymentID); err != nil {
		return fmt.Errorf("delete job draft: %w", err)
	}

	return tx.Commit(ctx)
}

// CreateApplication сохраняет отклик исполнителя на открытую заявку.
// Строка заявки блокируется, чтобы отклик не вклинился в момент назначения исполнителя.
func (r *PostgresRepository) CreateApplication(ctx context.Context, app model.Application) (*model.Application, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, app.JobID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("lock job: %w", err)
	}
	if model.JobStatus(status) != model.JobStatusOpen {
		return nil, ErrJobNotOpen
	}

	var created model.Application
	var appStatus string
	err = tx.QueryRow(ctx,
		`INSERT INTO applications (job_id, worker_id, status, hourly_rate, expected_hours)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, job_id, worker_id, status, hourly_rate, expected_hours, created_at`,
		app.JobID, app.WorkerID, string(model.ApplicationStatusPending),
		app.HourlyRate, app.ExpectedHours,
	).Scan(&created.ID, &created.JobID, &created.WorkerID, &appStatus,
		&created.HourlyRate, &created.ExpectedHours, &created.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateApplication
		}
		return nil, fmt.Errorf("insert application: %w", err)
	}
	created.Status = model.ApplicationStatus(appStatus)

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &created, nil
}

// AcceptApplication назначает исполнителя на заявку: принятый отклик, отклонённые
// соперники и смена статуса заявки фиксируются одной транзакцией под блокировкой
// строки job. Из двух конкурирующих accept победит ровно один.
func (r *PostgresRepository) AcceptApplication(ctx context.Context, posterID, jobID, applicationID int64) (*model.Job, error) {
	var accepted *model.Job

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
		if err != nil {
			return err
		}
		if job.PosterID != posterID {
			return ErrNotJobPoster
		}
		if job.Status != model.JobStatusOpen {
			return ErrJobNotOpen
		}

		var (
			appWorkerID int64
			appStatus   string
		)
		err = tx.QueryRow(ctx,
			`SELECT worker_id, status FROM applications WHERE id = $1 AND job_id = $2`,
			applicationID, jobID,
		).Scan(&appWorkerID, &appStatus)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrApplicationNotFound
			}
			return fmt.Errorf("select application: %w", err)
		}
		if model.ApplicationStatus(appStatus) != model.ApplicationStatusPending {
			return ErrApplicationNotPending
		}

		if _, err := tx.Exec(ctx,
			`UPDATE applications SET status = $2 WHERE id = $1`,
			applicationID, string(model.ApplicationStatusAccepted),
		); err != nil {
			return fmt.Errorf("accept application: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE applications SET status = $2 WHERE job_id = $1 AND id <> $3 AND status = $4`,
			jobID, string(model.ApplicationStatusRejected), applicationID,
			string(model.ApplicationStatusPending),
		); err != nil {
			return fmt.Errorf("reject sibling applications: %w", err)
		}

		row := tx.QueryRow(ctx,
			`UPDATE jobs SET worker_id = $2, status = $3 WHERE id = $1 RETURNING `+jobColumns,
			jobID, appWorkerID, string(model.JobStatusAssigned),
		)
		accepted, err = scanJob(row)
		if err != nil {
			return fmt.Errorf("assign job: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}

	return accepted, nil
}

// CompleteJob переводит назначенную заявку в completed по запросу её исполнителя.
// Повторный вызов для уже завершённой заявки возвращает её без ошибки:
// оркестратор расчёта повторно входит в завершённую работу при досылке выплаты.
func (r *PostgresRepository) CompleteJob(ctx context.Context, jobID, workerID int64) (*model.Job, error) {
	var completed *model.Job

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
		if err != nil {
			return err
		}

		switch job.Status {
		case model.JobStatusAssigned, model.JobStatusCompleted:
			if job.WorkerID == nil || *job.WorkerID != workerID {
				return ErrNotJobWorker
			}
		default:
			return ErrJobNotAssigned
		}

		if job.Status == model.JobStatusCompleted {
			completed = job
			return tx.Commit(ctx)
		}

		row := tx.QueryRow(ctx,
			`UPDATE jobs SET status = $2 WHERE id = $1 RETURNING `+jobColumns,
			jobID, string(model.JobStatusCompleted),
		)
		completed, err = scanJob(row)
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}

	return completed, nil
}

// GetOrCreatePendingEarning возвращает заработок по паре (job, worker), создавая
// его в статусе pending при первом обращении. Частичный уникальный индекс
// гарантирует не более одного неотменённого заработка на пару.
func (r *PostgresRepository) GetOrCreatePendingEarning(ctx context.Context, e model.Earning) (*model.Earning, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO earnings (worker_id, job_id, amount, service_fee, net_amount, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (job_id, worker_id) WHERE status <> 'cancelled' DO NOTHING`,
		e.WorkerID, e.JobID, e.Amount, e.ServiceFee, e.NetAmount,
		string(model.EarningStatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("insert earning: %w", err)
	}

	var (
		res    model.Earning
		status string
	)
	err = r.pool.QueryRow(ctx,
		`SELECT id, worker_id, job_id, amount, service_fee, net_amount, status, transaction_id, payment_id, created_at
		 FROM earnings
		 WHERE job_id = $1 AND worker_id = $2 AND status <> 'cancelled'`,
		e.JobID, e.WorkerID,
	).Scan(&res.ID, &res.WorkerID, &res.JobID, &res.Amount, &res.ServiceFee,
		&res.NetAmount, &status, &res.TransactionID, &res.PaymentID, &res.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("select earning: %w", err)
	}
	res.Status = model.EarningStatus(status)

	return &res, nil
}

// CompleteSettlement записывает подтверждённый перевод исполнителю и помечает заработок выплаченным.
// Если по тому же ключу идемпотентности уже висит processing-строка (исход
// ранее был неизвестен), она доводится до completed, а не дублируется.
func (r *PostgresRepository) CompleteSettlement(ctx context.Context, earningID int64, payment model.Payment, transactionID string) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var paymentID int64
		err = tx.QueryRow(ctx,
			`INSERT INTO payments (user_id, worker_id, job_id, amount, service_fee, type, status, transaction_id, idempotency_key)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (idempotency_key) WHERE status <> 'failed'
			 DO UPDATE SET status = EXCLUDED.status, transaction_id = EXCLUDED.transaction_id
			 RETURNING id`,
			payment.UserID, payment.WorkerID, payment.JobID, payment.Amount, payment.ServiceFee,
			string(model.PaymentOpTransfer), string(model.PaymentStatusCompleted),
			transactionID, payment.IdempotencyKey,
		).Scan(&paymentID)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateTransaction
			}
			return fmt.Errorf("insert transfer payment: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE earnings SET status = $2, transaction_id = $3, payment_id = $4
			 WHERE id = $1 AND status = $5`,
			earningID, string(model.EarningStatusPaid), transactionID, paymentID,
			string(model.EarningStatusPending),
		)
		if err != nil {
			return fmt.Errorf("mark earning paid: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyApplied
		}

		return tx.Commit(ctx)
	})
}

// RecordTransferPending записывает перевод с неизвестным исходом для последующей сверки.
// По ключу идемпотентности повторная запись возвращает уже существующую строку.
func (r *PostgresRepository) RecordTransferPending(ctx context.Context, payment model.Payment) (int64, error) {
	return r.recordProcessingPayment(ctx, payment, model.PaymentOpTransfer)
}

// RecordRefundPending записывает возврат с неизвестным исходом для последующей сверки.
func (r *PostgresRepository) RecordRefundPending(ctx context.Context, payment model.Payment) (int64, error) {
	return r.recordProcessingPayment(ctx, payment, model.PaymentOpRefund)
}

func (r *PostgresRepository) recordProcessingPayment(ctx context.Context, payment model.Payment, opType model.PaymentOpType) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO payments (user_id, worker_id, job_id, amount, service_fee, type, status, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (idempotency_key) WHERE status <> 'failed'
		 DO UPDATE SET idempotency_key = EXCLUDED.idempotency_key
		 RETURNING id`,
		payment.UserID, payment.WorkerID, payment.JobID, payment.Amount, payment.ServiceFee,
		string(opType), string(model.PaymentStatusProcessing), payment.IdempotencyKey,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert processing payment: %w", err)
	}
	return id, nil
}

// ApplyTransferResult применяет итог перевода из ленты уведомлений провайдера.
// Повторные и запоздавшие уведомления не меняют терминальные статусы.
func (r *PostgresRepository) ApplyTransferResult(ctx context.Context, paymentID int64, transactionID string, succeeded bool) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if !succeeded {
			tag, err := tx.Exec(ctx,
				`UPDATE payments SET status = $2 WHERE id = $1 AND status = $3`,
				paymentID, string(model.PaymentStatusFailed), string(model.PaymentStatusProcessing),
			)
			if err != nil {
				return fmt.Errorf("fail transfer payment: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrAlreadyApplied
			}
			// Заработок остаётся pending: оркестратор попробует выплату заново.
			return tx.Commit(ctx)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE payments SET status = $2, transaction_id = $3 WHERE id = $1 AND status = $4`,
			paymentID, string(model.PaymentStatusCompleted), transactionID,
			string(model.PaymentStatusProcessing),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateTransaction
			}
			return fmt.Errorf("complete transfer payment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyApplied
		}

		var (
			jobID    *int64
			workerID *int64
		)
		err = tx.QueryRow(ctx, `SELECT job_id, worker_id FROM payments WHERE id = $1`, paymentID).Scan(&jobID, &workerID)
		if err != nil {
			return fmt.Errorf("select payment: %w", err)
		}
		if jobID == nil || workerID == nil {
			return fmt.Errorf("transfer payment %d has no job or worker", paymentID)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE earnings SET status = $3, transaction_id = $4, payment_id = $5
			 WHERE job_id = $1 AND worker_id = $2 AND status = $6`,
			*jobID, *workerID, string(model.EarningStatusPaid), transactionID, paymentID,
			string(model.EarningStatusPending),
		); err != nil {
			return fmt.Errorf("mark earning paid: %w", err)
		}

		return tx.Commit(ctx)
	})
}

// GetFundingPayment возвращает завершённый платёж эскроу по заявке.
func (r *PostgresRepository) GetFundingPayment(ctx context.Context, jobID int64) (*model.Payment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, worker_id, job_id, amount, service_fee, type, status, transaction_id, idempotency_key, created_at
		 FROM payments
		 WHERE job_id = $1 AND type = $2 AND status = $3`,
		jobID, string(model.PaymentOpPayment), string(model.PaymentStatusCompleted),
	)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return p, nil
}

// FinalizeCancel фиксирует отмену заявки: записывает подтверждённый возврат,
// отклоняет все живые отклики и переводит заявку в canceled одной транзакцией.
// Возвращает заявку и идентификатор снятого исполнителя, если он был назначен.
func (r *PostgresRepository) FinalizeCancel(ctx context.Context, jobID int64, payment model.Payment) (*model.Job, *int64, error) {
	var (
		canceled  *model.Job
		displaced *int64
	)

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
		if err != nil {
			return err
		}

		switch job.Status {
		case model.JobStatusOpen, model.JobStatusAssigned:
			// продолжаем
		case model.JobStatusCanceled:
			canceled = job
			return tx.Commit(ctx)
		default:
			return ErrJobNotCancelable
		}

		if job.Status == model.JobStatusAssigned {
			displaced = job.WorkerID
		}

		// Возврат с тем же ключом мог остаться в processing после
		// неизвестного исхода: тогда строка доводится до completed.
		if _, err := tx.Exec(ctx,
			`INSERT INTO payments (user_id, job_id, amount, service_fee, type, status, transaction_id, idempotency_key)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (idempotency_key) WHERE status <> 'failed'
			 DO UPDATE SET status = EXCLUDED.status, transaction_id = EXCLUDED.transaction_id`,
			payment.UserID, jobID, payment.Amount, payment.ServiceFee,
			string(model.PaymentOpRefund), string(model.PaymentStatusCompleted),
			payment.TransactionID, payment.IdempotencyKey,
		); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateTransaction
			}
			return fmt.Errorf("insert refund payment: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE payments SET status = $2 WHERE job_id = $1 AND type = $3 AND status = $4`,
			jobID, string(model.PaymentStatusRefunded),
			string(model.PaymentOpPayment), string(model.PaymentStatusCompleted),
		); err != nil {
			return fmt.Errorf("mark escrow refunded: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE applications SET status = $2 WHERE job_id = $1 AND status IN ($3, $4)`,
			jobID, string(model.ApplicationStatusRejected),
			string(model.ApplicationStatusPending), string(model.ApplicationStatusAccepted),
		); err != nil {
			return fmt.Errorf("reject applications: %w", err)
		}

		row := tx.QueryRow(ctx,
			`UPDATE jobs SET status = $2 WHERE id = $1 RETURNING `+jobColumns,
			jobID, string(model.JobStatusCanceled),
		)
		canceled, err = scanJob(row)
		if err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, nil, err
	}

	return canceled, displaced, nil
}

// ApplyRefundResult применяет итог возврата из ленты уведомлений провайдера.
// Если заявка к этому времени уже рассчитана, возврат фиксируется в журнале,
// а состояние заявки не трогается.
func (r *PostgresRepository) ApplyRefundResult(ctx context.Context, paymentID int64, transactionID string, succeeded bool) (*model.Job, *int64, error) {
	var (
		canceled  *model.Job
		displaced *int64
	)

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var jobID *int64
		err = tx.QueryRow(ctx, `SELECT job_id FROM payments WHERE id = $1`, paymentID).Scan(&jobID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAlreadyApplied
			}
			return fmt.Errorf("select payment: %w", err)
		}

		if !succeeded {
			tag, err := tx.Exec(ctx,
				`UPDATE payments SET status = $2 WHERE id = $1 AND status = $3`,
				paymentID, string(model.PaymentStatusFailed), string(model.PaymentStatusProcessing),
			)
			if err != nil {
				return fmt.Errorf("fail refund payment: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrAlreadyApplied
			}
			return tx.Commit(ctx)
		}

		var job *model.Job
		if jobID != nil {
			job, err = scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, *jobID))
			if err != nil {
				return err
			}
		}

		tag, err := tx.Exec(ctx,
			`UPDATE payments SET status = $2, transaction_id = $3 WHERE id = $1 AND status = $4`,
			paymentID, string(model.PaymentStatusCompleted), transactionID,
			string(model.PaymentStatusProcessing),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateTransaction
			}
			return fmt.Errorf("complete refund payment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyApplied
		}

		if jobID != nil {
			if _, err := tx.Exec(ctx,
				`UPDATE payments SET status = $2 WHERE job_id = $1 AND type = $3 AND status = $4`,
				*jobID, string(model.PaymentStatusRefunded),
				string(model.PaymentOpPayment), string(model.PaymentStatusCompleted),
			); err != nil {
				return fmt.Errorf("mark escrow refunded: %w", err)
			}
		}

		if job == nil || (job.Status != model.JobStatusOpen && job.Status != model.JobStatusAssigned) {
			canceled = job
			return tx.Commit(ctx)
		}

		if job.Status == model.JobStatusAssigned {
			displaced = job.WorkerID
		}

		if _, err := tx.Exec(ctx,
			`UPDATE applications SET status = $2 WHERE job_id = $1 AND status IN ($3, $4)`,
			job.ID, string(model.ApplicationStatusRejected),
			string(model.ApplicationStatusPending), string(model.ApplicationStatusAccepted),
		); err != nil {
			return fmt.Errorf("reject applications: %w", err)
		}

		row := tx.QueryRow(ctx,
			`UPDATE jobs SET status = $2 WHERE id = $1 RETURNING `+jobColumns,
			job.ID, string(model.JobStatusCanceled),
		)
		canceled, err = scanJob(row)
		if err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, nil, err
	}

	return canceled, displaced, nil
}

// PendingOperation описывает денежную операцию, ожидающую подтверждения провайдера.
type PendingOperation struct {
	PaymentID int64
	JobID     *int64
	UserID    int64
	WorkerID  *int64
	Type      model.PaymentOpType
	Key       string
}

// GetPendingOperations возвращает операции в статусе processing для воркера сверки.
func (r *PostgresRepository) GetPendingOperations(ctx context.Context, limit int) ([]PendingOperation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, job_id, user_id, worker_id, type, COALESCE(transaction_id, idempotency_key)
		 FROM payments
		 WHERE status = $1 AND (transaction_id IS NOT NULL OR idempotency_key IS NOT NULL)
		 ORDER BY created_at
		 LIMIT $2`,
		string(model.PaymentStatusProcessing), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending operations: %w", err)
	}
	defer rows.Close()

	var res []PendingOperation
	for rows.Next() {
		var (
			op     PendingOperation
			opType string
		)
		if err := rows.Scan(&op.PaymentID, &op.JobID, &op.UserID, &op.WorkerID, &opType, &op.Key); err != nil {
			return nil, fmt.Errorf("scan pending operation: %w", err)
		}
		op.Type = model.PaymentOpType(opType)
		res = append(res, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

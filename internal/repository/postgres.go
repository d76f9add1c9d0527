// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/gigmarket-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrJobNotFound возвращается, если заявка на работу не найдена.
	ErrJobNotFound = errors.New("job not found")
	// ErrApplicationNotFound возвращается, если отклик не найден.
	ErrApplicationNotFound = errors.New("application not found")
	// ErrJobNotOpen возвращается при попытке операции, допустимой только для открытой заявки.
	ErrJobNotOpen = errors.New("job is not open")
	// ErrJobNotAssigned возвращается при попытке завершить работу, которая никому не назначена.
	ErrJobNotAssigned = errors.New("job is not assigned")
	// ErrJobNotCancelable возвращается при попытке отменить завершённую или уже отменённую работу.
	ErrJobNotCancelable = errors.New("job is not cancelable")
	// ErrApplicationNotPending возвращается, если отклик уже принят или отклонён.
	ErrApplicationNotPending = errors.New("application is not pending")
	// ErrDuplicateApplication возвращается при повторном отклике исполнителя на ту же заявку.
	ErrDuplicateApplication = errors.New("application already exists")
	// ErrDuplicateTransaction возвращается, если транзакция провайдера уже записана в журнал.
	ErrDuplicateTransaction = errors.New("transaction already recorded")
	// ErrNotJobPoster возвращается, если операцию запрашивает не автор заявки.
	ErrNotJobPoster = errors.New("caller is not the job poster")
	// ErrNotJobWorker возвращается, если операцию запрашивает не назначенный исполнитель.
	ErrNotJobWorker = errors.New("caller is not the job worker")
	// ErrAlreadyApplied возвращается, когда повторное применение перехода не изменило ни одной строки.
	ErrAlreadyApplied = errors.New("transition already applied")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет транзакцию при serialization failure и deadlock.
// Переход над строкой job сериализуется блокировкой FOR UPDATE, поэтому
// такие конфликты редки, но при параллельных accept/cancel возможны.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с указанной ролью.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, accountType model.AccountType) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, account_type) VALUES ($1, $2, $3) RETURNING id`,
		login, passwordHash, string(accountType),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return r.getUser(ctx, `WHERE login = $1`, login)
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return r.getUser(ctx, `WHERE id = $1`, id)
}

func (r *PostgresRepository) getUser(ctx context.Context, where string, arg any) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, account_type, connect_account_id, connect_status, created_at
		 FROM users `+where,
		arg,
	)

	var (
		u             model.User
		accountType   string
		connectStatus string
	)
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &accountType, &u.ConnectAccountID, &connectStatus, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	u.AccountType = model.AccountType(accountType)
	u.ConnectStatus = model.ConnectStatus(connectStatus)

	return &u, nil
}

// SetConnectAccount привязывает выплатной счёт провайдера к исполнителю.
// Статус счёта становится pending до подтверждения провайдером.
func (r *PostgresRepository) SetConnectAccount(ctx context.Context, userID int64, accountID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET connect_account_id = $2, connect_status = $3 WHERE id = $1`,
		userID, accountID, string(model.ConnectStatusPending),
	)
	if err != nil {
		return fmt.Errorf("set connect account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UpdateConnectStatus сохраняет актуальное состояние выплатного счёта.
func (r *PostgresRepository) UpdateConnectStatus(ctx context.Context, userID int64, status model.ConnectStatus) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET connect_status = $2 WHERE id = $1`,
		userID, string(status),
	)
	if err != nil {
		return fmt.Errorf("update connect status: %w", err)
	}
	return nil
}

const jobColumns = `id, poster_id, worker_id, status, payment_type, payment_amount, service_fee, total_amount, date_needed, created_at`

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j           model.Job
		status      string
		paymentType string
	)
	err := row.Scan(&j.ID, &j.PosterID, &j.WorkerID, &status, &paymentType,
		&j.PaymentAmount, &j.ServiceFee, &j.TotalAmount, &j.DateNeeded, &j.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Status = model.JobStatus(status)
	j.PaymentType = model.PaymentType(paymentType)
	return &j, nil
}

// GetJob возвращает заявку на работу по идентификатору.
func (r *PostgresRepository) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetOpenJobs возвращает открытые заявки, новые первыми.
func (r *PostgresRepository) GetOpenJobs(ctx context.Context, limit int) ([]model.Job, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
		string(model.JobStatusOpen), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select open jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// GetJobsByPoster возвращает заявки, созданные указанным заказчиком.
func (r *PostgresRepository) GetJobsByPoster(ctx context.Context, posterID int64) ([]model.Job, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE poster_id = $1 ORDER BY created_at DESC`,
		posterID,
	)
	if err != nil {
		return nil, fmt.Errorf("select jobs by poster: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]model.Job, error) {
	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return jobs, nil
}

// GetApplicationsByJob возвращает отклики на заявку.
func (r *PostgresRepository) GetApplicationsByJob(ctx context.Context, jobID int64) ([]model.Application, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, job_id, worker_id, status, hourly_rate, expected_hours, created_at
		 FROM applications
		 WHERE job_id = $1
		 ORDER BY created_at`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("select applications: %w", err)
	}
	defer rows.Close()

	var apps []model.Application
	for rows.Next() {
		var (
			a      model.Application
			status string
		)
		if err := rows.Scan(&a.ID, &a.JobID, &a.WorkerID, &status, &a.HourlyRate, &a.ExpectedHours, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		a.Status = model.ApplicationStatus(status)
		apps = append(apps, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return apps, nil
}

// GetPaymentsByUser возвращает журнал денежных операций пользователя, новые первыми.
func (r *PostgresRepository) GetPaymentsByUser(ctx context.Context, userID int64) ([]model.Payment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, worker_id, job_id, amount, service_fee, type, status, transaction_id, idempotency_key, created_at
		 FROM payments
		 WHERE user_id = $1 OR worker_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payments: %w", err)
	}
	defer rows.Close()

	var res []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var (
		p      model.Payment
		opType string
		status string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.WorkerID, &p.JobID, &p.Amount, &p.ServiceFee,
		&opType, &status, &p.TransactionID, &p.IdempotencyKey, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	p.Type = model.PaymentOpType(opType)
	p.Status = model.PaymentStatus(status)
	return &p, nil
}

// GetEarningsByWorker возвращает заработки исполнителя, новые первыми.
func (r *PostgresRepository) GetEarningsByWorker(ctx context.Context, workerID int64) ([]model.Earning, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, worker_id, job_id, amount, service_fee, net_amount, status, transaction_id, payment_id, created_at
		 FROM earnings
		 WHERE worker_id = $1
		 ORDER BY created_at DESC`,
		workerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select earnings: %w", err)
	}
	defer rows.Close()

	var res []model.Earning
	for rows.Next() {
		var (
			e      model.Earning
			status string
		)
		if err := rows.Scan(&e.ID, &e.WorkerID, &e.JobID, &e.Amount, &e.ServiceFee,
			&e.NetAmount, &status, &e.TransactionID, &e.PaymentID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan earning: %w", err)
		}
		e.Status = model.EarningStatus(status)
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

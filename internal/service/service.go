// Package service реализует бизнес-логику сервиса гигмаркет:
// эскроу-финансирование заявок, назначение исполнителя, расчёт по завершённой
// работе, отмену с возвратом средств и сверку с платёжным провайдером.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/gigmarket-system/internal/fee"
	"github.com/mmeshcher/gigmarket-system/internal/model"
	"github.com/mmeshcher/gigmarket-system/internal/processor"
	"github.com/mmeshcher/gigmarket-system/internal/repository"
)

// ErrFundingPending возвращается, когда исход списания средств неизвестен:
// заявка появится после подтверждения платежа воркером сверки.
var (
	ErrFundingPending = errors.New("job funding pending confirmation")
	// ErrRefundPending возвращается, когда исход возврата средств неизвестен.
	ErrRefundPending = errors.New("refund pending confirmation")
	// ErrPaymentDeclined возвращается при определённом отказе провайдера в списании.
	ErrPaymentDeclined = errors.New("payment declined by processor")
	// ErrRefundDeclined возвращается при определённом отказе провайдера в возврате.
	ErrRefundDeclined = errors.New("refund declined by processor")
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrOwnJobApplication возвращается при попытке откликнуться на собственную заявку.
	ErrOwnJobApplication = errors.New("poster cannot apply to own job")
	// ErrUnknownPaymentType возвращается для неизвестного способа оплаты.
	ErrUnknownPaymentType = errors.New("unknown payment type")

	errProcessorNotConfigured = errors.New("payment processor not configured")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateUser(ctx context.Context, login string, passwordHash []byte, accountType model.AccountType) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	SetConnectAccount(ctx context.Context, userID int64, accountID string) error
	UpdateConnectStatus(ctx context.Context, userID int64, status model.ConnectStatus) error

	CreateFundedJob(ctx context.Context, job model.Job, payment model.Payment) (*model.Job, error)
	CreatePayment(ctx context.Context, payment model.Payment) (int64, error)
	CreateFundingDraft(ctx context.Context, payment model.Payment, draft repository.JobDraft) (int64, error)
	PromoteFundingDraft(ctx context.Context, paymentID int64, transactionID string) (*model.Job, error)
	FailFundingDraft(ctx context.Context, paymentID int64) error

	GetJob(ctx context.Context, id int64) (*model.Job, error)
	GetOpenJobs(ctx context.Context, limit int) ([]model.Job, error)
	GetJobsByPoster(ctx context.Context, posterID int64) ([]model.Job, error)

	CreateApplication(ctx context.Context, app model.Application) (*model.Application, error)
	GetApplicationsByJob(ctx context.Context, jobID int64) ([]model.Application, error)
	AcceptApplication(ctx context.Context, posterID, jobID, applicationID int64) (*model.Job, error)

	CompleteJob(ctx context.Context, jobID, workerID int64) (*model.Job, error)
	GetOrCreatePendingEarning(ctx context.Context, e model.Earning) (*model.Earning, error)
	CompleteSettlement(ctx context.Context, earningID int64, payment model.Payment, transactionID string) error
	RecordTransferPending(ctx context.Context, payment model.Payment) (int64, error)
	ApplyTransferResult(ctx context.Context, paymentID int64, transactionID string, succeeded bool) error

	GetFundingPayment(ctx context.Context, jobID int64) (*model.Payment, error)
	FinalizeCancel(ctx context.Context, jobID int64, payment model.Payment) (*model.Job, *int64, error)
	RecordRefundPending(ctx context.Context, payment model.Payment) (int64, error)
	ApplyRefundResult(ctx context.Context, paymentID int64, transactionID string, succeeded bool) (*model.Job, *int64, error)

	GetPaymentsByUser(ctx context.Context, userID int64) ([]model.Payment, error)
	GetEarningsByWorker(ctx context.Context, workerID int64) ([]model.Earning, error)
	GetPendingOperations(ctx context.Context, limit int) ([]repository.PendingOperation, error)
}

// Processor описывает контракт платёжного провайдера: списание, перевод,
// возврат, статус выплатного счёта и лента статусов операций.
type Processor interface {
	Capture(ctx context.Context, amount int64, payerRef, idempotencyKey string) (*processor.Result, error)
	Transfer(ctx context.Context, amount int64, payeeRef, idempotencyKey string) (*processor.Result, error)
	Refund(ctx context.Context, transactionID, idempotencyKey string) (*processor.Result, error)
	ConnectAccountStatus(ctx context.Context, payeeRef string) (string, error)
	OperationStatus(ctx context.Context, key string) (*processor.Result, error)
}

// Notifier описывает внешний коллаборатор доставки уведомлений.
// Доставка не блокирует денежные переходы.
type Notifier interface {
	WorkerDisplaced(ctx context.Context, workerID, jobID int64)
}

// LogNotifier пишет уведомления в журнал вместо реальной доставки.
type LogNotifier struct {
	Logger *zap.Logger
}

// WorkerDisplaced фиксирует в журнале снятие исполнителя с отменённой заявки.
func (n *LogNotifier) WorkerDisplaced(_ context.Context, workerID, jobID int64) {
	if n.Logger != nil {
		n.Logger.Info("worker displaced by cancellation",
			zap.Int64("workerID", workerID), zap.Int64("jobID", jobID))
	}
}

// Service содержит бизнес-логику сервиса гигмаркет.
type Service struct {
	repo     Repository
	proc     Processor
	notifier Notifier
	fees     *fee.Calculator
	logger   *zap.Logger
}

// NewService создаёт сервис с указанными репозиторием, клиентом провайдера,
// калькулятором комиссии и коллаборатором уведомлений.
func NewService(repo Repository, proc Processor, fees *fee.Calculator, notifier Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = &LogNotifier{Logger: logger}
	}
	return &Service{
		repo:     repo,
		proc:     proc,
		notifier: notifier,
		fees:     fees,
		logger:   logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя с указанной ролью.
func (s *Service) RegisterUser(ctx context.Context, login, password string, accountType model.AccountType) (int64, error) {
	if accountType != model.AccountTypePoster && accountType != model.AccountTypeWorker {
		return 0, fmt.Errorf("unknown account type %q", accountType)
	}

	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed, accountType)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// ConnectPayoutAccount привязывает выплатной счёт провайдера к исполнителю
// и сразу запрашивает его актуальный статус.
func (s *Service) ConnectPayoutAccount(ctx context.Context, workerID int64, accountID string) error {
	if err := s.repo.SetConnectAccount(ctx, workerID, accountID); err != nil {
		return err
	}

	if s.proc == nil {
		return nil
	}

	status, err := s.proc.ConnectAccountStatus(ctx, accountID)
	if err != nil {
		// Статус останется pending до следующей проверки при расчёте.
		s.logger.Warn("connect account status check failed",
			zap.Int64("workerID", workerID), zap.Error(err))
		return nil
	}

	return s.repo.UpdateConnectStatus(ctx, workerID, model.ConnectStatus(status))
}

// GetJob возвращает заявку по идентификатору.
func (s *Service) GetJob(ctx context.Context, jobID int64) (*model.Job, error) {
	return s.repo.GetJob(ctx, jobID)
}

// GetOpenJobs возвращает открытые заявки площадки.
func (s *Service) GetOpenJobs(ctx context.Context, limit int) ([]model.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.GetOpenJobs(ctx, limit)
}

// GetJobsByPoster возвращает заявки, созданные заказчиком.
func (s *Service) GetJobsByPoster(ctx context.Context, posterID int64) ([]model.Job, error) {
	return s.repo.GetJobsByPoster(ctx, posterID)
}

// GetApplicationsByJob возвращает отклики на заявку её автору.
func (s *Service) GetApplicationsByJob(ctx context.Context, posterID, jobID int64) ([]model.Application, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.PosterID != posterID {
		return nil, repository.ErrNotJobPoster
	}
	return s.repo.GetApplicationsByJob(ctx, jobID)
}

// GetEarnings возвращает заработки исполнителя.
func (s *Service) GetEarnings(ctx context.Context, workerID int64) ([]model.Earning, error) {
	return s.repo.GetEarningsByWorker(ctx, workerID)
}

// GetPayments возвращает журнал денежных операций пользователя.
func (s *Service) GetPayments(ctx context.Context, userID int64) ([]model.Payment, error) {
	return s.repo.GetPaymentsByUser(ctx, userID)
}

// idempotencyKey детерминированно выводит ключ идемпотентности из частей операции,
// чтобы повтор запроса применился у провайдера не более одного раза.
func idempotencyKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}

func payerRef(userID int64) string {
	return fmt.Sprintf("user-%d", userID)
}

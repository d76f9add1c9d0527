package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmeshcher/gigmarket-system/internal/fee"
	"github.com/mmeshcher/gigmarket-system/internal/model"
	"github.com/mmeshcher/gigmarket-system/internal/processor"
	"github.com/mmeshcher/gigmarket-system/internal/repository"
)

type stubRepo struct {
	user    *model.User
	userErr error

	job    *model.Job
	jobErr error

	completeJobResult *model.Job
	completeJobErr    error

	earning    *model.Earning
	earningErr error

	fundingPayment *model.Payment

	createdFundedJob  *model.Job
	fundedPayment     *model.Payment
	createdPayments   []model.Payment
	drafts            []repository.JobDraft
	draftPayments     []model.Payment
	transferPendings  []model.Payment
	refundPendings    []model.Payment
	settleErr         error
	settledEarningIDs []int64
	settledPayments   []model.Payment
	settledTxIDs      []string

	finalizeCancelJob   *model.Job
	finalizeDisplaced   *int64
	finalizeCancelErr   error
	finalizedPayments   []model.Payment
	promotedPaymentIDs  []int64
	promoteErr          error
	failedDraftIDs      []int64
	appliedTransfers    []int64
	applyTransferErr    error
	connectStatusSaved  []model.ConnectStatus
	pendingOps          []repository.PendingOperation
	applyRefundJob      *model.Job
	applyRefundWorker   *int64
	applyRefundErr      error
	appliedRefundIDs    []int64
	acceptedJob         *model.Job
	acceptErr           error
	createdApplications []model.Application
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, login string, passwordHash []byte, accountType model.AccountType) (int64, error) {
	return 1, nil
}

func (s *stubRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return s.user, s.userErr
}

func (s *stubRepo) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.user, s.userErr
}

func (s *stubRepo) SetConnectAccount(ctx context.Context, userID int64, accountID string) error {
	return nil
}

func (s *stubRepo) UpdateConnectStatus(ctx context.Context, userID int64, status model.ConnectStatus) error {
	s.connectStatusSaved = append(s.connectStatusSaved, status)
	return nil
}

func (s *stubRepo) CreateFundedJob(ctx context.Context, job model.Job, payment model.Payment) (*model.Job, error) {
	job.ID = 100
	job.Status = model.JobStatusOpen
	s.createdFundedJob = &job
	s.fundedPayment = &payment
	return &job, nil
}

func (s *stubRepo) CreatePayment(ctx context.Context, payment model.Payment) (int64, error) {
	s.createdPayments = append(s.createdPayments, payment)
	return int64(len(s.createdPayments)), nil
}

func (s *stubRepo) CreateFundingDraft(ctx context.Context, payment model.Payment, draft repository.JobDraft) (int64, error) {
	s.draftPayments = append(s.draftPayments, payment)
	s.drafts = append(s.drafts, draft)
	return int64(len(s.drafts)), nil
}

func (s *stubRepo) PromoteFundingDraft(ctx context.Context, paymentID int64, transactionID string) (*model.Job, error) {
	if s.promoteErr != nil {
		return nil, s.promoteErr
	}
	s.promotedPaymentIDs = append(s.promotedPaymentIDs, paymentID)
	return &model.Job{ID: 100, Status: model.JobStatusOpen}, nil
}

func (s *stubRepo) FailFundingDraft(ctx context.Context, paymentID int64) error {
	s.failedDraftIDs = append(s.failedDraftIDs, paymentID)
	return nil
}

func (s *stubRepo) GetJob(ctx context.Context, id int64) (*model.Job, error) {
	return s.job, s.jobErr
}

func (s *stubRepo) GetOpenJobs(ctx context.Context, limit int) ([]model.Job, error) {
	return nil, nil
}

func (s *stubRepo) GetJobsByPoster(ctx context.Context, posterID int64) ([]model.Job, error) {
	return nil, nil
}

func (s *stubRepo) CreateApplication(ctx context.Context, app model.Application) (*model.Application, error) {
	app.ID = int64(len(s.createdApplications) + 1)
	app.Status = model.ApplicationStatusPending
	s.createdApplications = append(s.createdApplications, app)
	return &app, nil
}

func (s *stubRepo) GetApplicationsByJob(ctx context.Context, jobID int64) ([]model.Application, error) {
	return nil, nil
}

func (s *stubRepo) AcceptApplication(ctx context.Context, posterID, jobID, applicationID int64) (*model.Job, error) {
	return s.acceptedJob, s.acceptErr
}

func (s *stubRepo) CompleteJob(ctx context.Context, jobID, workerID int64) (*model.Job, error) {
	return s.completeJobResult, s.completeJobErr
}

func (s *stubRepo) GetOrCreatePendingEarning(ctx context.Context, e model.Earning) (*model.Earning, error) {
	if s.earning != nil || s.earningErr != nil {
		return s.earning, s.earningErr
	}
	e.ID = 7
	e.Status = model.EarningStatusPending
	return &e, nil
}

func (s *stubRepo) CompleteSettlement(ctx context.Context, earningID int64, payment model.Payment, transactionID string) error {
	if s.settleErr != nil {
		return s.settleErr
	}
	s.settledEarningIDs = append(s.settledEarningIDs, earningID)
	s.settledPayments = append(s.settledPayments, payment)
	s.settledTxIDs = append(s.settledTxIDs, transactionID)
	return nil
}

func (s *stubRepo) RecordTransferPending(ctx context.Context, payment model.Payment) (int64, error) {
	s.transferPendings = append(s.transferPendings, payment)
	return int64(len(s.transferPendings)), nil
}

func (s *stubRepo) ApplyTransferResult(ctx context.Context, paymentID int64, transactionID string, succeeded bool) error {
	if s.applyTransferErr != nil {
		return s.applyTransferErr
	}
	s.appliedTransfers = append(s.appliedTransfers, paymentID)
	return nil
}

func (s *stubRepo) GetFundingPayment(ctx context.Context, jobID int64) (*model.Payment, error) {
	if s.fundingPayment == nil {
		return nil, repository.ErrJobNotFound
	}
	return s.fundingPayment, nil
}

func (s *stubRepo) FinalizeCancel(ctx context.Context, jobID int64, payment model.Payment) (*model.Job, *int64, error) {
	s.finalizedPayments = append(s.finalizedPayments, payment)
	return s.finalizeCancelJob, s.finalizeDisplaced, s.finalizeCancelErr
}

func (s *stubRepo) RecordRefundPending(ctx context.Context, payment model.Payment) (int64, error) {
	s.refundPendings = append(s.refundPendings, payment)
	return int64(len(s.refundPendings)), nil
}

func (s *stubRepo) ApplyRefundResult(ctx context.Context, paymentID int64, transactionID string, succeeded bool) (*model.Job, *int64, error) {
	if s.applyRefundErr != nil {
		return nil, nil, s.applyRefundErr
	}
	s.appliedRefundIDs = append(s.appliedRefundIDs, paymentID)
	return s.applyRefundJob, s.applyRefundWorker, nil
}

func (s *stubRepo) GetPaymentsByUser(ctx context.Context, userID int64) ([]model.Payment, error) {
	return nil, nil
}

func (s *stubRepo) GetEarningsByWorker(ctx context.Context, workerID int64) ([]model.Earning, error) {
	return nil, nil
}

func (s *stubRepo) GetPendingOperations(ctx context.Context, limit int) ([]repository.PendingOperation, error) {
	return s.pendingOps, nil
}

type stubProcessor struct {
	captureResult *processor.Result
	captureErr    error
	captureCalls  int
	captureAmount int64

	transferResult *processor.Result
	transferErr    error
	transferCalls  int
	transferAmount int64
	transferKeys   []string

	refundResult *processor.Result
	refundErr    error
	refundCalls  int

	connectStatus string
	connectErr    error

	opResult *processor.Result
	opErr    error
}

func (p *stubProcessor) Capture(ctx context.Context, amount int64, payerRef, idempotencyKey string) (*processor.Result, error) {
	p.captureCalls++
	p.captureAmount = amount
	return p.captureResult, p.captureErr
}

func (p *stubProcessor) Transfer(ctx context.Context, amount int64, payeeRef, idempotencyKey string) (*processor.Result, error) {
	p.transferCalls++
	p.transferAmount = amount
	p.transferKeys = append(p.transferKeys, idempotencyKey)
	return p.transferResult, p.transferErr
}

func (p *stubProcessor) Refund(ctx context.Context, transactionID, idempotencyKey string) (*processor.Result, error) {
	p.refundCalls++
	return p.refundResult, p.refundErr
}

func (p *stubProcessor) ConnectAccountStatus(ctx context.Context, payeeRef string) (string, error) {
	return p.connectStatus, p.connectErr
}

func (p *stubProcessor) OperationStatus(ctx context.Context, key string) (*processor.Result, error) {
	return p.opResult, p.opErr
}

type stubNotifier struct {
	displaced []int64
}

func (n *stubNotifier) WorkerDisplaced(ctx context.Context, workerID, jobID int64) {
	n.displaced = append(n.displaced, workerID)
}

func newTestService(repo *stubRepo, proc *stubProcessor, notifier Notifier) *Service {
	return NewService(repo, proc, fee.NewCalculator(500, 250), notifier, nil)
}

func ptrInt64(v int64) *int64 { return &v }
func ptrStr(v string) *string { return &v }

func TestPostJob_Success(t *testing.T) {
	repo := &stubRepo{}
	proc := &stubProcessor{
		captureResult: &processor.Result{TransactionID: "tx-1", Status: processor.OpStatusCompleted},
	}
	svc := newTestService(repo, proc, nil)

	job, err := svc.PostJob(context.Background(), 1, 10000, model.PaymentTypeFixed, time.Now().Add(24*time.Hour), "req-1")
	if err != nil {
		t.Fatalf("PostJob error: %v", err)
	}

	// Заказчик платит базу плюс комиссию: $100 -> $105.
	if proc.captureAmount != 10500 {
		t.Fatalf("captured amount = %d, want 10500", proc.captureAmount)
	}
	if job.Status != model.JobStatusOpen {
		t.Fatalf("job status = %s, want open", job.Status)
	}
	if repo.fundedPayment == nil || repo.fundedPayment.Status != model.PaymentStatusCompleted {
		t.Fatalf("funded payment not recorded as completed: %+v", repo.fundedPayment)
	}
	if repo.fundedPayment.Amount != job.TotalAmount {
		t.Fatalf("escrow payment amount = %d, want job total %d", repo.fundedPayment.Amount, job.TotalAmount)
	}
	if repo.fundedPayment.TransactionID == nil || *repo.fundedPayment.TransactionID != "tx-1" {
		t.Fatalf("funded payment transaction id not set")
	}
}

func TestPostJob_Declined(t *testing.T) {
	repo := &stubRepo{}
	proc := &stubProcessor{
		captureResult: &processor.Result{TransactionID: "tx-2", Status: processor.OpStatusFailed},
	}
	svc := newTestService(repo, proc, nil)

	_, err := svc.PostJob(context.Background(), 1, 10000, model.PaymentTypeFixed, time.Now(), "req-2")
	if !errors.Is(err, ErrPaymentDeclined) {
		t.Fatalf("error = %v, want ErrPaymentDeclined", err)
	}

	if repo.createdFundedJob != nil {
		t.Fatalf("job must not be created on declined capture")
	}
	if len(repo.createdPayments) != 1 || repo.createdPayments[0].Status != model.PaymentStatusFailed {
		t.Fatalf("declined capture must be recorded as failed payment: %+v", repo.createdPayments)
	}
}

func TestPostJob_AmbiguousOutcomeDefersJob(t *testing.T) {
	repo := &stubRepo{}
	proc := &stubProcessor{captureErr: processor.ErrOutcomeUnknown}
	svc := newTestService(repo, proc, nil)

	_, err := svc.PostJob(context.Background(), 1, 10000, model.PaymentTypeFixed, time.Now(), "req-3")
	if !errors.Is(err, ErrFundingPending) {
		t.Fatalf("error = %v, want ErrFundingPending", err)
	}

	if repo.createdFundedJob != nil {
		t.Fatalf("job must not be visible while funding is ambiguous")
	}
	if len(repo.drafts) != 1 {
		t.Fatalf("funding draft must be recorded, got %d", len(repo.drafts))
	}
	if repo.drafts[0].TotalAmount != 10500 {
		t.Fatalf("draft total = %d, want 10500", repo.drafts[0].TotalAmount)
	}
}

func TestPostJob_InvalidAmount(t *testing.T) {
	svc := newTestService(&stubRepo{}, &stubProcessor{}, nil)

	_, err := svc.PostJob(context.Background(), 1, -5, model.PaymentTypeFixed, time.Now(), "")
	if !errors.Is(err, fee.ErrInvalidAmount) {
		t.Fatalf("error = %v, want ErrInvalidAmount", err)
	}
}

func TestCompleteJob_PendingConnectHaltsSettlement(t *testing.T) {
	workerID := int64(5)
	repo := &stubRepo{
		completeJobResult: &model.Job{
			ID: 10, PosterID: 1, WorkerID: ptrInt64(workerID),
			Status: model.JobStatusCompleted, PaymentAmount: 10000, ServiceFee: 500, TotalAmount: 10500,
		},
		user: &model.User{
			ID: workerID, AccountType: model.AccountTypeWorker,
			ConnectAccountID: ptrStr("acct-5"), ConnectStatus: model.ConnectStatusPending,
		},
	}
	proc := &stubProcessor{connectStatus: "pending"}
	svc := newTestService(repo, proc, nil)

	job, err := svc.CompleteJob(context.Background(), 10, workerID)
	if err != nil {
		t.Fatalf("CompleteJob error: %v", err)
	}
	if job.Status != model.JobStatusCompleted {
		t.Fatalf("job status = %s, want completed", job.Status)
	}
	if proc.transferCalls != 0 {
		t.Fatalf("transfer must not be attempted while connect status is pending")
	}
}

func TestCompleteJob_SettlesWhenConnectActive(t *testing.T) {
	workerID := int64(5)
	repo := &stubRepo{
		completeJobResult: &model.Job{
			ID: 10, PosterID: 1, WorkerID: ptrInt64(workerID),
			Status: model.JobStatusCompleted, PaymentAmount: 10000, ServiceFee: 500, TotalAmount: 10500,
		},
		user: &model.User{
			ID: workerID, AccountType: model.AccountTypeWorker,
			ConnectAccountID: ptrStr("acct-5"), ConnectStatus: model.ConnectStatusActive,
		},
	}
	proc := &stubProcessor{
		connectStatus:  "active",
		transferResult: &processor.Result{TransactionID: "tx-t1", Status: processor.OpStatusCompleted},
	}
	svc := newTestService(repo, proc, nil)

	_, err := svc.CompleteJob(context.Background(), 10, workerID)
	if err != nil {
		t.Fatalf("CompleteJob error: %v", err)
	}

	// Исполнителю уходит netAmount: $100 - $5 = $95.
	if proc.transferAmount != 9500 {
		t.Fatalf("transfer amount = %d, want 9500", proc.transferAmount)
	}
	if len(repo.settledEarningIDs) != 1 {
		t.Fatalf("settlement must be completed once, got %d", len(repo.settledEarningIDs))
	}
	if repo.settledTxIDs[0] != "tx-t1" {
		t.Fatalf("settlement transaction id = %q, want tx-t1", repo.settledTxIDs[0])
	}
	if p := repo.settledPayments[0]; p.Amount-p.ServiceFee != 9500 {
		t.Fatalf("transfer payment net = %d, want 9500", p.Amount-p.ServiceFee)
	}
}

func TestCompleteJob_PaidEarningIsNoop(t *testing.T) {
	workerID := int64(5)
	repo := &stubRepo{
		completeJobResult: &model.Job{
			ID: 10, PosterID: 1, WorkerID: ptrInt64(workerID),
			Status: model.JobStatusCompleted, PaymentAmount: 10000, ServiceFee: 500, TotalAmount: 10500,
		},
		earning: &model.Earning{ID: 7, Status: model.EarningStatusPaid, NetAmount: 9500},
	}
	proc := &stubProcessor{connectStatus: "active"}
	svc := newTestService(repo, proc, nil)

	_, err := svc.CompleteJob(context.Background(), 10, workerID)
	if err != nil {
		t.Fatalf("CompleteJob error: %v", err)
	}
	if proc.transferCalls != 0 {
		t.Fatalf("paid earning must not trigger a second transfer")
	}
}

func TestCompleteJob_AmbiguousTransferRecordedForReconciliation(t *testing.T) {
	workerID := int64(5)
	repo := &stubRepo{
		completeJobResult: &model.Job{
			ID: 10, PosterID: 1, WorkerID: ptrInt64(workerID),
			Status: model.JobStatusCompleted, PaymentAmount: 10000, ServiceFee: 500, TotalAmount: 10500,
		},
		user: &model.User{
			ID: workerID, ConnectAccountID: ptrStr("acct-5"), ConnectStatus: model.ConnectStatusActive,
		},
	}
	proc := &stubProcessor{
		connectStatus: "active",
		transferErr:   processor.ErrOutcomeUnknown,
	}
	svc := newTestService(repo, proc, nil)

	_, err := svc.CompleteJob(context.Background(), 10, workerID)
	if err != nil {
		t.Fatalf("ambiguous transfer must not surface as error, got %v", err)
	}
	if len(repo.transferPendings) != 1 {
		t.Fatalf("pending transfer must be recorded for reconciliation")
	}
	if repo.transferPendings[0].IdempotencyKey == nil {
		t.Fatalf("pending transfer must carry the idempotency key")
	}
}

func TestCompleteJob_SettlementReplayIsNoop(t *testing.T) {
	workerID := int64(5)
	repo := &stubRepo{
		completeJobResult: &model.Job{
			ID: 10, PosterID: 1, WorkerID: ptrInt64(workerID),
			Status: model.JobStatusCompleted, PaymentAmount: 10000, ServiceFee: 500, TotalAmount: 10500,
		},
		user: &model.User{
			ID: workerID, ConnectAccountID: ptrStr("acct-5"), ConnectStatus: model.ConnectStatusActive,
		},
		settleErr: repository.ErrAlreadyApplied,
	}
	proc := &stubProcessor{
		connectStatus:  "active",
		transferResult: &processor.Result{TransactionID: "tx-t1", Status: processor.OpStatusCompleted},
	}
	svc := newTestService(repo, proc, nil)

	_, err := svc.CompleteJob(context.Background(), 10, workerID)
	if err != nil {
		t.Fatalf("already applied settlement must be a no-op, got %v", err)
	}
}

func TestCompleteJob_SettlementConflictSurfaces(t *testing.T) {
	workerID := int64(5)
	repo := &stubRepo{
		completeJobResult: &model.Job{
			ID: 10, PosterID: 1, WorkerID: ptrInt64(workerID),
			Status: model.JobStatusCompleted, PaymentAmount: 10000, ServiceFee: 500, TotalAmount: 10500,
		},
		user: &model.User{
			ID: workerID, ConnectAccountID: ptrStr("acct-5"), ConnectStatus: model.ConnectStatusActive,
		},
		settleErr: repository.ErrDuplicateTransaction,
	}
	proc := &stubProcessor{
		connectStatus:  "active",
		transferResult: &processor.Result{TransactionID: "tx-t1", Status: processor.OpStatusCompleted},
	}
	svc := newTestService(repo, proc, nil)

	// Конфликт записи подтверждённого перевода — не повтор, а расхождение
	// журнала: глотать его нельзя, иначе заработок повиснет в pending.
	_, err := svc.CompleteJob(context.Background(), 10, workerID)
	if !errors.Is(err, repository.ErrDuplicateTransaction) {
		t.Fatalf("error = %v, want ErrDuplicateTransaction surfaced", err)
	}
}

func TestAcceptApplication_AssignsWorker(t *testing.T) {
	workerID := int64(5)
	repo := &stubRepo{
		acceptedJob: &model.Job{ID: 10, PosterID: 1, WorkerID: ptrInt64(workerID), Status: model.JobStatusAssigned},
	}
	svc := newTestService(repo, &stubProcessor{}, nil)

	job, err := svc.AcceptApplication(context.Background(), 1, 10, 3)
	if err != nil {
		t.Fatalf("AcceptApplication error: %v", err)
	}
	if job.Status != model.JobStatusAssigned {
		t.Fatalf("job status = %s, want assigned", job.Status)
	}
	if job.WorkerID == nil || *job.WorkerID != workerID {
		t.Fatalf("worker = %v, want %d", job.WorkerID, workerID)
	}
}

func TestAcceptApplication_GuardErrorsPropagate(t *testing.T) {
	for _, guardErr := range []error{
		repository.ErrJobNotOpen,
		repository.ErrApplicationNotPending,
		repository.ErrNotJobPoster,
	} {
		repo := &stubRepo{acceptErr: guardErr}
		svc := newTestService(repo, &stubProcessor{}, nil)

		_, err := svc.AcceptApplication(context.Background(), 1, 10, 3)
		if !errors.Is(err, guardErr) {
			t.Fatalf("error = %v, want %v", err, guardErr)
		}
	}
}

func TestCancelJob_Completed(t *testing.T) {
	repo := &stubRepo{
		job: &model.Job{ID: 10, PosterID: 1, Status: model.JobStatusCompleted},
	}
	proc := &stubProcessor{}
	svc := newTestService(repo, proc, nil)

	_, err := svc.CancelJob(context.Background(), 1, 10)
	if !errors.Is(err, repository.ErrJobNotCancelable) {
		t.Fatalf("error = %v, want ErrJobNotCancelable", err)
	}
	if proc.refundCalls != 0 {
		t.Fatalf("no refund must be requested for a completed job")
	}
	if len(repo.finalizedPayments) != 0 {
		t.Fatalf("no refund payment must be recorded")
	}
}

func TestCancelJob_AssignedNotifiesDisplacedWorker(t *testing.T) {
	workerID := int64(5)
	repo := &stubRepo{
		job: &model.Job{
			ID: 10, PosterID: 1, WorkerID: ptrInt64(workerID),
			Status: model.JobStatusAssigned, TotalAmount: 10500,
		},
		fundingPayment: &model.Payment{
			ID: 3, UserID: 1, Amount: 10500, ServiceFee: 500,
			Type: model.PaymentOpPayment, Status: model.PaymentStatusCompleted,
			TransactionID: ptrStr("tx-1"),
		},
		finalizeCancelJob: &model.Job{ID: 10, Status: model.JobStatusCanceled},
		finalizeDisplaced: ptrInt64(workerID),
	}
	proc := &stubProcessor{
		refundResult: &processor.Result{TransactionID: "tx-r1", Status: processor.OpStatusCompleted},
	}
	notifier := &stubNotifier{}
	svc := newTestService(repo, proc, notifier)

	job, err := svc.CancelJob(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("CancelJob error: %v", err)
	}
	if job.Status != model.JobStatusCanceled {
		t.Fatalf("job status = %s, want canceled", job.Status)
	}
	if len(repo.finalizedPayments) != 1 || repo.finalizedPayments[0].Amount != 10500 {
		t.Fatalf("refund must cover full escrowed total: %+v", repo.finalizedPayments)
	}
	if len(notifier.displaced) != 1 || notifier.displaced[0] != workerID {
		t.Fatalf("displaced worker must be notified, got %v", notifier.displaced)
	}
}

func TestCancelJob_LedgerConflictSurfaces(t *testing.T) {
	repo := &stubRepo{
		job: &model.Job{ID: 10, PosterID: 1, Status: model.JobStatusOpen, TotalAmount: 10500},
		fundingPayment: &model.Payment{
			ID: 3, UserID: 1, Amount: 10500,
			Type: model.PaymentOpPayment, Status: model.PaymentStatusCompleted,
			TransactionID: ptrStr("tx-1"),
		},
		finalizeCancelErr: repository.ErrDuplicateTransaction,
	}
	proc := &stubProcessor{
		refundResult: &processor.Result{TransactionID: "tx-r1", Status: processor.OpStatusCompleted},
	}
	svc := newTestService(repo, proc, nil)

	// Возврат подтверждён провайдером, но запись в журнал не прошла:
	// отдавать заявку как живую нельзя, ошибка должна дойти до вызывающего.
	job, err := svc.CancelJob(context.Background(), 1, 10)
	if !errors.Is(err, repository.ErrDuplicateTransaction) {
		t.Fatalf("error = %v, want ErrDuplicateTransaction surfaced", err)
	}
	if job != nil {
		t.Fatalf("no job must be returned when the refund record conflicts, got %+v", job)
	}
}

func TestCancelJob_AmbiguousRefundPending(t *testing.T) {
	repo := &stubRepo{
		job: &model.Job{ID: 10, PosterID: 1, Status: model.JobStatusOpen, TotalAmount: 10500},
		fundingPayment: &model.Payment{
			ID: 3, UserID: 1, Amount: 10500,
			Type: model.PaymentOpPayment, Status: model.PaymentStatusCompleted,
			TransactionID: ptrStr("tx-1"),
		},
	}
	proc := &stubProcessor{refundErr: processor.ErrOutcomeUnknown}
	svc := newTestService(repo, proc, nil)

	_, err := svc.CancelJob(context.Background(), 1, 10)
	if !errors.Is(err, ErrRefundPending) {
		t.Fatalf("error = %v, want ErrRefundPending", err)
	}
	if len(repo.refundPendings) != 1 {
		t.Fatalf("pending refund must be recorded for reconciliation")
	}
}

func TestAuthenticateUser_InvalidCredentials(t *testing.T) {
	hashed := hashPassword("user", "correct")
	repo := &stubRepo{
		user: &model.User{ID: 1, Login: "user", PasswordHash: hashed},
	}
	svc := newTestService(repo, &stubProcessor{}, nil)

	_, err := svc.AuthenticateUser(context.Background(), "user", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("error = %v, want ErrInvalidCredentials", err)
	}
}

func TestApplyToJob_OwnJob(t *testing.T) {
	repo := &stubRepo{
		job: &model.Job{ID: 10, PosterID: 1, Status: model.JobStatusOpen},
	}
	svc := newTestService(repo, &stubProcessor{}, nil)

	_, err := svc.ApplyToJob(context.Background(), 10, 1, 2000, 3)
	if !errors.Is(err, ErrOwnJobApplication) {
		t.Fatalf("error = %v, want ErrOwnJobApplication", err)
	}
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	a := idempotencyKey("transfer", "10", "5")
	b := idempotencyKey("transfer", "10", "5")
	c := idempotencyKey("transfer", "10", "6")

	if a != b {
		t.Fatalf("idempotency key must be deterministic")
	}
	if a == c {
		t.Fatalf("different operations must produce different keys")
	}
}

func TestReconcile_FundingConfirmedOpensJob(t *testing.T) {
	repo := &stubRepo{
		pendingOps: []repository.PendingOperation{
			{PaymentID: 3, UserID: 1, Type: model.PaymentOpPayment, Key: "key-1"},
		},
	}
	proc := &stubProcessor{
		opResult: &processor.Result{TransactionID: "tx-1", Status: processor.OpStatusCompleted},
	}
	svc := newTestService(repo, proc, nil)

	svc.processPendingBatch(context.Background())

	if len(repo.promotedPaymentIDs) != 1 || repo.promotedPaymentIDs[0] != 3 {
		t.Fatalf("funding draft must be promoted, got %v", repo.promotedPaymentIDs)
	}
}

func TestReconcile_ReplayIsNoop(t *testing.T) {
	repo := &stubRepo{
		pendingOps: []repository.PendingOperation{
			{PaymentID: 3, UserID: 1, Type: model.PaymentOpPayment, Key: "key-1"},
		},
		promoteErr: repository.ErrAlreadyApplied,
	}
	proc := &stubProcessor{
		opResult: &processor.Result{TransactionID: "tx-1", Status: processor.OpStatusCompleted},
	}
	svc := newTestService(repo, proc, nil)

	err := svc.applyOperationResult(context.Background(), repo.pendingOps[0], proc.opResult)
	if err != nil {
		t.Fatalf("replayed notification must be a no-op, got %v", err)
	}
}

func TestReconcile_RefundNotifiesDisplacedWorker(t *testing.T) {
	workerID := int64(5)
	jobID := int64(10)
	repo := &stubRepo{
		pendingOps: []repository.PendingOperation{
			{PaymentID: 4, UserID: 1, JobID: &jobID, Type: model.PaymentOpRefund, Key: "key-r"},
		},
		applyRefundJob:    &model.Job{ID: jobID, Status: model.JobStatusCanceled},
		applyRefundWorker: &workerID,
	}
	proc := &stubProcessor{
		opResult: &processor.Result{TransactionID: "tx-r", Status: processor.OpStatusCompleted},
	}
	notifier := &stubNotifier{}
	svc := newTestService(repo, proc, notifier)

	svc.processPendingBatch(context.Background())

	if len(repo.appliedRefundIDs) != 1 {
		t.Fatalf("refund result must be applied")
	}
	if len(notifier.displaced) != 1 || notifier.displaced[0] != workerID {
		t.Fatalf("displaced worker must be notified, got %v", notifier.displaced)
	}
}

func TestReconcile_ProcessorStillProcessing(t *testing.T) {
	repo := &stubRepo{
		pendingOps: []repository.PendingOperation{
			{PaymentID: 3, UserID: 1, Type: model.PaymentOpPayment, Key: "key-1"},
		},
	}
	proc := &stubProcessor{
		opResult: &processor.Result{Status: processor.OpStatusProcessing},
	}
	svc := newTestService(repo, proc, nil)

	svc.processPendingBatch(context.Background())

	if len(repo.promotedPaymentIDs) != 0 || len(repo.failedDraftIDs) != 0 {
		t.Fatalf("no transition must be applied while the processor is still processing")
	}
}

func TestStartReconciliation_NoProcessor(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, fee.NewCalculator(500, 250), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})

	go func() {
		svc.StartReconciliation(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartReconciliation did not return without processor")
	}
}

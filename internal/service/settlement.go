package service

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"github.com/mmeshcher/gigmarket-system/internal/model"
	"github.com/mmeshcher/gigmarket-system/internal/processor"
	"github.com/mmeshcher/gigmarket-system/internal/repository"
)

// CompleteJob завершает работу по запросу назначенного исполнителя и запускает расчёт.
// Неготовность выплатного счёта и неопределённость перевода не являются ошибками:
// заявка остаётся completed, заработок — pending, и расчёт досылается повторным
// вызовом либо воркером сверки. Исполнителю наружу отдаётся не более netAmount:
// разница комиссии остаётся у площадки.
func (s *Service) CompleteJob(ctx context.Context, jobID, workerID int64) (*model.Job, error) {
	job, err := s.repo.CompleteJob(ctx, jobID, workerID)
	if err != nil {
		return nil, err
	}

	if err := s.settle(ctx, job, workerID); err != nil {
		return nil, err
	}

	return job, nil
}

func (s *Service) settle(ctx context.Context, job *model.Job, workerID int64) error {
	// Суммы зафиксированы при создании заявки; netAmount = paymentAmount - serviceFee.
	earning, err := s.repo.GetOrCreatePendingEarning(ctx, model.Earning{
		WorkerID:   workerID,
		JobID:      &job.ID,
		Amount:     job.PaymentAmount,
		ServiceFee: job.ServiceFee,
		NetAmount:  job.PaymentAmount - job.ServiceFee,
	})
	if err != nil {
		return err
	}

	if earning.Status != model.EarningStatusPending {
		// Уже выплачено: повторное завершение — no-op.
		return nil
	}

	connectRef, eligible, err := s.checkPayoutEligibility(ctx, workerID)
	if err != nil {
		return err
	}
	if !eligible {
		// Состояние ожидания, не ошибка: исполнителю показывается
		// «подключите выплатной счёт», деньги остаются в эскроу.
		return nil
	}
	if s.proc == nil {
		return nil
	}

	key := idempotencyKey("transfer", strconv.FormatInt(job.ID, 10), strconv.FormatInt(workerID, 10))
	payment := model.Payment{
		UserID:         job.PosterID,
		WorkerID:       &workerID,
		JobID:          &job.ID,
		Amount:         earning.Amount,
		ServiceFee:     earning.ServiceFee,
		IdempotencyKey: &key,
	}

	res, err := s.proc.Transfer(ctx, earning.NetAmount, connectRef, key)
	if err != nil {
		if errors.Is(err, processor.ErrOutcomeUnknown) {
			if _, recErr := s.repo.RecordTransferPending(ctx, payment); recErr != nil {
				return recErr
			}
			return nil
		}
		s.logger.Error("transfer request failed", zap.Error(err), zap.Int64("jobID", job.ID))
		return nil
	}

	switch res.Status {
	case processor.OpStatusCompleted:
		err := s.repo.CompleteSettlement(ctx, earning.ID, payment, res.TransactionID)
		if errors.Is(err, repository.ErrAlreadyApplied) {
			return nil
		}
		return err

	case processor.OpStatusFailed:
		// Заработок остаётся pending; расчёт повторится после устранения
		// проблемы с выплатным счётом, с тем же ключом идемпотентности.
		s.logger.Warn("transfer declined by processor",
			zap.Int64("jobID", job.ID), zap.Int64("workerID", workerID))
		return nil

	default:
		if _, recErr := s.repo.RecordTransferPending(ctx, payment); recErr != nil {
			return recErr
		}
		return nil
	}
}

// checkPayoutEligibility возвращает выплатной счёт исполнителя и признак его готовности.
// Актуальный статус запрашивается у провайдера и сохраняется; при недоступности
// провайдера используется последний известный статус.
func (s *Service) checkPayoutEligibility(ctx context.Context, workerID int64) (string, bool, error) {
	worker, err := s.repo.GetUserByID(ctx, workerID)
	if err != nil {
		return "", false, err
	}
	if worker.ConnectAccountID == nil {
		return "", false, nil
	}

	status := worker.ConnectStatus
	if s.proc != nil {
		fresh, err := s.proc.ConnectAccountStatus(ctx, *worker.ConnectAccountID)
		if err == nil {
			status = model.ConnectStatus(fresh)
			if status != worker.ConnectStatus {
				if updErr := s.repo.UpdateConnectStatus(ctx, workerID, status); updErr != nil {
					s.logger.Warn("update connect status", zap.Error(updErr), zap.Int64("workerID", workerID))
				}
			}
		} else {
			s.logger.Warn("connect status check failed, using stored status",
				zap.Error(err), zap.Int64("workerID", workerID))
		}
	}

	return *worker.ConnectAccountID, status == model.ConnectStatusActive, nil
}

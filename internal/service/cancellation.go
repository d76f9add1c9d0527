package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmeshcher/gigmarket-system/internal/model"
	"github.com/mmeshcher/gigmarket-system/internal/processor"
	"github.com/mmeshcher/gigmarket-system/internal/repository"
)

// CancelJob отменяет заявку и возвращает заказчику удержанную сумму целиком.
// Допустима только для open/assigned: расчётная или отменённая заявка
// отклоняется сразу, без обращения к провайдеру. Возврат запрашивается до
// взятия блокировки; фиксация состояния — отдельной транзакцией после
// подтверждения. Снятый исполнитель уведомляется, не блокируя переход.
func (s *Service) CancelJob(ctx context.Context, posterID, jobID int64) (*model.Job, error) {
	if s.proc == nil {
		return nil, errProcessorNotConfigured
	}

	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.PosterID != posterID {
		return nil, repository.ErrNotJobPoster
	}
	if job.Status != model.JobStatusOpen && job.Status != model.JobStatusAssigned {
		return nil, repository.ErrJobNotCancelable
	}

	funding, err := s.repo.GetFundingPayment(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if funding.TransactionID == nil {
		return nil, fmt.Errorf("funding payment %d has no transaction id", funding.ID)
	}

	key := idempotencyKey("refund", *funding.TransactionID)
	payment := model.Payment{
		UserID:         posterID,
		JobID:          &jobID,
		Amount:         funding.Amount,
		ServiceFee:     funding.ServiceFee,
		IdempotencyKey: &key,
	}

	res, err := s.proc.Refund(ctx, *funding.TransactionID, key)
	if err != nil {
		if errors.Is(err, processor.ErrOutcomeUnknown) {
			if _, recErr := s.repo.RecordRefundPending(ctx, payment); recErr != nil {
				return nil, recErr
			}
			return nil, ErrRefundPending
		}
		return nil, fmt.Errorf("refund: %w", err)
	}

	switch res.Status {
	case processor.OpStatusCompleted:
		if res.TransactionID != "" {
			payment.TransactionID = &res.TransactionID
		}
		canceled, displaced, err := s.repo.FinalizeCancel(ctx, jobID, payment)
		if err != nil {
			return nil, err
		}
		if displaced != nil {
			s.notifier.WorkerDisplaced(ctx, *displaced, jobID)
		}
		return canceled, nil

	case processor.OpStatusFailed:
		return nil, ErrRefundDeclined

	default:
		if _, recErr := s.repo.RecordRefundPending(ctx, payment); recErr != nil {
			return nil, recErr
		}
		return nil, ErrRefundPending
	}
}

package service

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/gigmarket-system/internal/model"
	"github.com/mmeshcher/gigmarket-system/internal/processor"
	"github.com/mmeshcher/gigmarket-system/internal/repository"
)

// StartReconciliation запускает фоновую сверку операций с платёжным провайдером.
// Синхронный путь не единственное место переходов: таймауты и асинхронный
// расчёт на стороне провайдера оставляют операции в processing, и только
// сверка доводит их до терминального статуса.
func (s *Service) StartReconciliation(ctx context.Context) {
	if s.proc == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processPendingBatch(ctx)
			}
		}
	}()
}

func (s *Service) processPendingBatch(ctx context.Context) {
	ops, err := s.repo.GetPendingOperations(ctx, 100)
	if err != nil {
		s.logger.Warn("select pending operations", zap.Error(err))
		return
	}

	for _, op := range ops {
		res, err := s.fetchOperationStatus(ctx, op.Key)
		if err != nil {
			if errors.Is(err, processor.ErrNotFound) {
				// Провайдер операцию не знает: либо запрос до него не дошёл,
				// либо уведомление опережает регистрацию. Оставляем processing.
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("operation status fetch failed", zap.Error(err), zap.String("key", op.Key))
			continue
		}

		if res.Status == processor.OpStatusProcessing {
			continue
		}

		if err := s.applyOperationResult(ctx, op, res); err != nil {
			s.logger.Warn("apply operation result",
				zap.Error(err), zap.Int64("paymentID", op.PaymentID), zap.String("type", string(op.Type)))
		}
	}
}

func (s *Service) fetchOperationStatus(ctx context.Context, key string) (*processor.Result, error) {
	var res *processor.Result

	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := s.proc.OperationStatus(ctx, key)
		if err != nil {
			if errors.Is(err, processor.ErrNotFound) {
				return err
			}
			return retry.RetryableError(err)
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// applyOperationResult применяет тот же переход, который применил бы
// исходный компонент. Повторное уведомление не меняет терминальные статусы.
func (s *Service) applyOperationResult(ctx context.Context, op repository.PendingOperation, res *processor.Result) error {
	succeeded := res.Status == processor.OpStatusCompleted

	var err error
	switch op.Type {
	case model.PaymentOpPayment:
		if succeeded {
			var job *model.Job
			job, err = s.repo.PromoteFundingDraft(ctx, op.PaymentID, res.TransactionID)
			if err == nil {
				s.logger.Info("funding confirmed, job opened",
					zap.Int64("jobID", job.ID), zap.Int64("paymentID", op.PaymentID))
			}
		} else {
			err = s.repo.FailFundingDraft(ctx, op.PaymentID)
		}

	case model.PaymentOpTransfer:
		err = s.repo.ApplyTransferResult(ctx, op.PaymentID, res.TransactionID, succeeded)

	case model.PaymentOpRefund:
		var displaced *int64
		_, displaced, err = s.repo.ApplyRefundResult(ctx, op.PaymentID, res.TransactionID, succeeded)
		if err == nil && displaced != nil && op.JobID != nil {
			s.notifier.WorkerDisplaced(ctx, *displaced, *op.JobID)
		}

	default:
		s.logger.Warn("pending operation of unexpected type",
			zap.Int64("paymentID", op.PaymentID), zap.String("type", string(op.Type)))
		return nil
	}

	if errors.Is(err, repository.ErrAlreadyApplied) || errors.Is(err, repository.ErrDuplicateTransaction) {
		// Повтор уведомления: состояние уже сошлось.
		return nil
	}
	return err
}

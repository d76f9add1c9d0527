package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/gigmarket-system/internal/model"
	"github.com/mmeshcher/gigmarket-system/internal/processor"
	"github.com/mmeshcher/gigmarket-system/internal/repository"
)

// PostJob создаёт оплаченную заявку: рассчитывает комиссию, удерживает полную
// сумму с заказчика и записывает платёж вместе с открытой заявкой.
// Заявка не появляется, пока списание не подтверждено; при неизвестном исходе
// возвращается ErrFundingPending, и заявку создаст воркер сверки.
func (s *Service) PostJob(ctx context.Context, posterID, baseAmount int64, paymentType model.PaymentType, dateNeeded time.Time, requestKey string) (*model.Job, error) {
	if paymentType != model.PaymentTypeHourly && paymentType != model.PaymentTypeFixed {
		return nil, ErrUnknownPaymentType
	}
	if s.proc == nil {
		return nil, errProcessorNotConfigured
	}

	fees, err := s.fees.Compute(baseAmount)
	if err != nil {
		return nil, err
	}

	// Ключ детерминирован: повтор того же запроса не приводит ко второму списанию.
	if requestKey == "" {
		requestKey = dateNeeded.UTC().Format(time.RFC3339) + ":" + strconv.FormatInt(baseAmount, 10) + ":" + string(paymentType)
	}
	key := idempotencyKey("capture", strconv.FormatInt(posterID, 10), requestKey)

	payment := model.Payment{
		UserID:         posterID,
		Amount:         fees.TotalAmount,
		ServiceFee:     fees.ServiceFee,
		Type:           model.PaymentOpPayment,
		IdempotencyKey: &key,
	}
	draft := repository.JobDraft{
		PosterID:      posterID,
		PaymentType:   paymentType,
		PaymentAmount: baseAmount,
		ServiceFee:    fees.ServiceFee,
		TotalAmount:   fees.TotalAmount,
		DateNeeded:    dateNeeded,
	}

	res, err := s.proc.Capture(ctx, fees.TotalAmount, payerRef(posterID), key)
	if err != nil {
		if errors.Is(err, processor.ErrOutcomeUnknown) {
			if _, draftErr := s.repo.CreateFundingDraft(ctx, payment, draft); draftErr != nil {
				if errors.Is(draftErr, repository.ErrDuplicateTransaction) {
					return nil, ErrFundingPending
				}
				return nil, draftErr
			}
			return nil, ErrFundingPending
		}
		return nil, fmt.Errorf("capture: %w", err)
	}

	switch res.Status {
	case processor.OpStatusCompleted:
		payment.Status = model.PaymentStatusCompleted
		if res.TransactionID != "" {
			payment.TransactionID = &res.TransactionID
		}
		job := model.Job{
			PosterID:      posterID,
			PaymentType:   paymentType,
			PaymentAmount: baseAmount,
			ServiceFee:    fees.ServiceFee,
			TotalAmount:   fees.TotalAmount,
			DateNeeded:    dateNeeded,
		}
		return s.repo.CreateFundedJob(ctx, job, payment)

	case processor.OpStatusFailed:
		payment.Status = model.PaymentStatusFailed
		if res.TransactionID != "" {
			payment.TransactionID = &res.TransactionID
		}
		if _, auditErr := s.repo.CreatePayment(ctx, payment); auditErr != nil &&
			!errors.Is(auditErr, repository.ErrDuplicateTransaction) {
			s.logger.Error("record failed capture", zap.Error(auditErr), zap.Int64("posterID", posterID))
		}
		return nil, ErrPaymentDeclined

	default:
		// Провайдер принял операцию, но ещё обрабатывает её.
		if _, draftErr := s.repo.CreateFundingDraft(ctx, payment, draft); draftErr != nil &&
			!errors.Is(draftErr, repository.ErrDuplicateTransaction) {
			return nil, draftErr
		}
		return nil, ErrFundingPending
	}
}

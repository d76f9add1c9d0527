package service

import (
	"context"

	"github.com/mmeshcher/gigmarket-system/internal/model"
)

// ApplyToJob создаёт отклик исполнителя на открытую заявку.
func (s *Service) ApplyToJob(ctx context.Context, jobID, workerID, hourlyRate int64, expectedHours int) (*model.Application, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.PosterID == workerID {
		return nil, ErrOwnJobApplication
	}

	return s.repo.CreateApplication(ctx, model.Application{
		JobID:         jobID,
		WorkerID:      workerID,
		HourlyRate:    hourlyRate,
		ExpectedHours: expectedHours,
	})
}

// AcceptApplication назначает исполнителя по выбранному отклику.
// Принятие отклика, отклонение соперников и перевод заявки в assigned
// применяются атомарно; из конкурирующих принятий выигрывает ровно одно.
func (s *Service) AcceptApplication(ctx context.Context, posterID, jobID, applicationID int64) (*model.Job, error) {
	return s.repo.AcceptApplication(ctx, posterID, jobID, applicationID)
}

// Package handler содержит HTTP-обработчики API сервиса гигмаркет.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/gigmarket-system/internal/fee"
	"github.com/mmeshcher/gigmarket-system/internal/middleware"
	"github.com/mmeshcher/gigmarket-system/internal/model"
	"github.com/mmeshcher/gigmarket-system/internal/repository"
	"github.com/mmeshcher/gigmarket-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string, accountType model.AccountType) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	ConnectPayoutAccount(ctx context.Context, workerID int64, accountID string) error

	PostJob(ctx context.Context, posterID, baseAmount int64, paymentType model.PaymentType, dateNeeded time.Time, requestKey string) (*model.Job, error)
	GetJob(ctx context.Context, jobID int64) (*model.Job, error)
	GetOpenJobs(ctx context.Context, limit int) ([]model.Job, error)
	GetJobsByPoster(ctx context.Context, posterID int64) ([]model.Job, error)

	ApplyToJob(ctx context.Context, jobID, workerID, hourlyRate int64, expectedHours int) (*model.Application, error)
	GetApplicationsByJob(ctx context.Context, posterID, jobID int64) ([]model.Application, error)
	AcceptApplication(ctx context.Context, posterID, jobID, applicationID int64) (*model.Job, error)

	CompleteJob(ctx context.Context, jobID, workerID int64) (*model.Job, error)
	CancelJob(ctx context.Context, posterID, jobID int64) (*model.Job, error)

	GetEarnings(ctx context.Context, workerID int64) ([]model.Earning, error)
	GetPayments(ctx context.Context, userID int64) ([]model.Payment, error)
}

// Handler реализует HTTP-обработчики API сервиса гигмаркет.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// cents преобразует сумму запроса в доллары с центами в целые центы.
func cents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func dollars(amountCents int64) float64 {
	return float64(amountCents) / 100
}

// writeDomainError транслирует доменные ошибки в HTTP-статусы.
// Неопределённость провайдера наружу отдаётся как processing (202), не как сбой.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, service.ErrFundingPending) || errors.Is(err, service.ErrRefundPending):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "processing"})

	case errors.Is(err, repository.ErrJobNotFound) ||
		errors.Is(err, repository.ErrApplicationNotFound) ||
		errors.Is(err, repository.ErrUserNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)

	case errors.Is(err, repository.ErrNotJobPoster) || errors.Is(err, repository.ErrNotJobWorker):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)

	case errors.Is(err, repository.ErrJobNotOpen) ||
		errors.Is(err, repository.ErrJobNotAssigned) ||
		errors.Is(err, repository.ErrJobNotCancelable) ||
		errors.Is(err, repository.ErrApplicationNotPending) ||
		errors.Is(err, repository.ErrDuplicateApplication) ||
		errors.Is(err, repository.ErrDuplicateTransaction):
		http.Error(w, err.Error(), http.StatusConflict)

	case errors.Is(err, fee.ErrInvalidAmount) ||
		errors.Is(err, fee.ErrAmountBelowFee) ||
		errors.Is(err, service.ErrUnknownPaymentType) ||
		errors.Is(err, service.ErrOwnJobApplication):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)

	case errors.Is(err, service.ErrPaymentDeclined):
		http.Error(w, err.Error(), http.StatusPaymentRequired)

	case errors.Is(err, service.ErrRefundDeclined):
		http.Error(w, err.Error(), http.StatusBadGateway)

	default:
		h.logger.Error(op, zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

type credentialsRequest struct {
	Login       string `json:"login"`
	Password    string `json:"password"`
	AccountType string `json:"account_type,omitempty"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	accountType := model.AccountType(req.AccountType)
	if req.AccountType == "" {
		accountType = model.AccountTypeWorker
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password, accountType)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type connectRequest struct {
	AccountID string `json:"account_id"`
}

// ConnectAccount привязывает выплатной счёт провайдера к текущему пользователю.
func (h *Handler) ConnectAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ConnectPayoutAccount(r.Context(), userID, req.AccountID); err != nil {
		h.writeDomainError(w, r, err, "connect account error")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type jobResponse struct {
	ID            int64   `json:"id"`
	PosterID      int64   `json:"poster_id"`
	WorkerID      *int64  `json:"worker_id,omitempty"`
	Status        string  `json:"status"`
	PaymentType   string  `json:"payment_type"`
	PaymentAmount float64 `json:"payment_amount"`
	ServiceFee    float64 `json:"service_fee"`
	TotalAmount   float64 `json:"total_amount"`
	DateNeeded    string  `json:"date_needed"`
	CreatedAt     string  `json:"created_at"`
}

func toJobResponse(j *model.Job) jobResponse {
	return jobResponse{
		ID:            j.ID,
		PosterID:      j.PosterID,
		WorkerID:      j.WorkerID,
		Status:        string(j.Status),
		PaymentType:   string(j.PaymentType),
		PaymentAmount: dollars(j.PaymentAmount),
		ServiceFee:    dollars(j.ServiceFee),
		TotalAmount:   dollars(j.TotalAmount),
		DateNeeded:    j.DateNeeded.Format(time.RFC3339),
		CreatedAt:     j.CreatedAt.Format(time.RFC3339),
	}
}

type postJobRequest struct {
	Amount      float64 `json:"amount"`
	PaymentType string  `json:"payment_type"`
	DateNeeded  string  `json:"date_needed"`
	RequestKey  string  `json:"request_key,omitempty"`
}

// PostJob создаёт оплаченную заявку от текущего пользователя.
func (h *Handler) PostJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req postJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	dateNeeded, err := time.Parse(time.RFC3339, req.DateNeeded)
	if err != nil {
		http.Error(w, "invalid date_needed", http.StatusBadRequest)
		return
	}

	job, err := h.service.PostJob(r.Context(), userID, cents(req.Amount),
		model.PaymentType(req.PaymentType), dateNeeded, req.RequestKey)
	if err != nil {
		h.writeDomainError(w, r, err, "post job error")
		return
	}

	h.writeJSON(w, http.StatusCreated, toJobResponse(job))
}

// GetOpenJobs возвращает открытые заявки площадки.
func (h *Handler) GetOpenJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.service.GetOpenJobs(r.Context(), 100)
	if err != nil {
		h.logger.Error("get open jobs error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(jobs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, toJobResponse(&jobs[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetMyJobs возвращает заявки, созданные текущим пользователем.
func (h *Handler) GetMyJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	jobs, err := h.service.GetJobsByPoster(r.Context(), userID)
	if err != nil {
		h.logger.Error("get poster jobs error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(jobs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, toJobResponse(&jobs[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob возвращает заявку по идентификатору.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathID(r, "jobID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	job, err := h.service.GetJob(r.Context(), jobID)
	if err != nil {
		h.writeDomainError(w, r, err, "get job error")
		return
	}

	h.writeJSON(w, http.StatusOK, toJobResponse(job))
}

type applicationResponse struct {
	ID            int64   `json:"id"`
	JobID         int64   `json:"job_id"`
	WorkerID      int64   `json:"worker_id"`
	Status        string  `json:"status"`
	HourlyRate    float64 `json:"hourly_rate"`
	ExpectedHours int     `json:"expected_hours"`
	CreatedAt     string  `json:"created_at"`
}

func toApplicationResponse(a *model.Application) applicationResponse {
	return applicationResponse{
		ID:            a.ID,
		JobID:         a.JobID,
		WorkerID:      a.WorkerID,
		Status:        string(a.Status),
		HourlyRate:    dollars(a.HourlyRate),
		ExpectedHours: a.ExpectedHours,
		CreatedAt:     a.CreatedAt.Format(time.RFC3339),
	}
}

type applyRequest struct {
	HourlyRate    float64 `json:"hourly_rate"`
	ExpectedHours int     `json:"expected_hours"`
}

// ApplyToJob создаёт отклик текущего пользователя на заявку.
func (h *Handler) ApplyToJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	jobID, ok := pathID(r, "jobID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	app, err := h.service.ApplyToJob(r.Context(), jobID, userID, cents(req.HourlyRate), req.ExpectedHours)
	if err != nil {
		h.writeDomainError(w, r, err, "apply to job error")
		return
	}

	h.writeJSON(w, http.StatusCreated, toApplicationResponse(app))
}

// GetApplications возвращает отклики на заявку её автору.
func (h *Handler) GetApplications(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	jobID, ok := pathID(r, "jobID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	apps, err := h.service.GetApplicationsByJob(r.Context(), userID, jobID)
	if err != nil {
		h.writeDomainError(w, r, err, "get applications error")
		return
	}

	if len(apps) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]applicationResponse, 0, len(apps))
	for i := range apps {
		resp = append(resp, toApplicationResponse(&apps[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// AcceptApplication назначает исполнителя по выбранному отклику.
func (h *Handler) AcceptApplication(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	jobID, ok := pathID(r, "jobID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	applicationID, ok := pathID(r, "applicationID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	job, err := h.service.AcceptApplication(r.Context(), userID, jobID, applicationID)
	if err != nil {
		h.writeDomainError(w, r, err, "accept application error")
		return
	}

	h.writeJSON(w, http.StatusOK, toJobResponse(job))
}

// CompleteJob завершает работу по запросу назначенного исполнителя.
func (h *Handler) CompleteJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	jobID, ok := pathID(r, "jobID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	job, err := h.service.CompleteJob(r.Context(), jobID, userID)
	if err != nil {
		h.writeDomainError(w, r, err, "complete job error")
		return
	}

	h.writeJSON(w, http.StatusOK, toJobResponse(job))
}

// CancelJob отменяет заявку текущего пользователя с возвратом средств.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	jobID, ok := pathID(r, "jobID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	job, err := h.service.CancelJob(r.Context(), userID, jobID)
	if err != nil {
		h.writeDomainError(w, r, err, "cancel job error")
		return
	}

	h.writeJSON(w, http.StatusOK, toJobResponse(job))
}

type earningResponse struct {
	ID         int64   `json:"id"`
	JobID      *int64  `json:"job_id,omitempty"`
	Amount     float64 `json:"amount"`
	ServiceFee float64 `json:"service_fee"`
	NetAmount  float64 `json:"net_amount"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"created_at"`
}

// GetEarnings возвращает заработки текущего пользователя.
func (h *Handler) GetEarnings(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	earnings, err := h.service.GetEarnings(r.Context(), userID)
	if err != nil {
		h.logger.Error("get earnings error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(earnings) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]earningResponse, 0, len(earnings))
	for _, e := range earnings {
		resp = append(resp, earningResponse{
			ID:         e.ID,
			JobID:      e.JobID,
			Amount:     dollars(e.Amount),
			ServiceFee: dollars(e.ServiceFee),
			NetAmount:  dollars(e.NetAmount),
			Status:     string(e.Status),
			CreatedAt:  e.CreatedAt.Format(time.RFC3339),
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type paymentResponse struct {
	ID         int64   `json:"id"`
	JobID      *int64  `json:"job_id,omitempty"`
	Amount     float64 `json:"amount"`
	ServiceFee float64 `json:"service_fee"`
	Type       string  `json:"type"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"created_at"`
}

// GetPayments возвращает журнал денежных операций текущего пользователя.
func (h *Handler) GetPayments(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	payments, err := h.service.GetPayments(r.Context(), userID)
	if err != nil {
		h.logger.Error("get payments error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(payments) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]paymentResponse, 0, len(payments))
	for _, p := range payments {
		resp = append(resp, paymentResponse{
			ID:         p.ID,
			JobID:      p.JobID,
			Amount:     dollars(p.Amount),
			ServiceFee: dollars(p.ServiceFee),
			Type:       string(p.Type),
			Status:     string(p.Status),
			CreatedAt:  p.CreatedAt.Format(time.RFC3339),
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

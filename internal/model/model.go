// Package model содержит доменные сущности сервиса гигмаркет.
package model

import "time"

// AccountType описывает роль пользователя на площадке.
type AccountType string

const (
	AccountTypePoster AccountType = "poster"
	AccountTypeWorker AccountType = "worker"
)

// ConnectStatus описывает состояние выплатного счёта исполнителя у платёжного провайдера.
type ConnectStatus string

const (
	ConnectStatusNone       ConnectStatus = "none"
	ConnectStatusPending    ConnectStatus = "pending"
	ConnectStatusActive     ConnectStatus = "active"
	ConnectStatusRestricted ConnectStatus = "restricted"
	ConnectStatusIncomplete ConnectStatus = "incomplete"
)

// User представляет зарегистрированного пользователя площадки.
type User struct {
	ID               int64
	Login            string
	PasswordHash     []byte
	AccountType      AccountType
	ConnectAccountID *string
	ConnectStatus    ConnectStatus
	CreatedAt        time.Time
}

// JobStatus описывает статус заявки на работу.
type JobStatus string

const (
	JobStatusOpen      JobStatus = "open"
	JobStatusAssigned  JobStatus = "assigned"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCanceled  JobStatus = "canceled"
)

// PaymentType описывает способ оплаты работы: почасовая ставка или фиксированная цена.
type PaymentType string

const (
	PaymentTypeHourly PaymentType = "hourly"
	PaymentTypeFixed  PaymentType = "fixed"
)

// Job описывает оплаченную заявку на работу.
// Суммы хранятся в центах; TotalAmount фиксируется при создании и не пересчитывается.
type Job struct {
	ID            int64
	PosterID      int64
	WorkerID      *int64
	Status        JobStatus
	PaymentType   PaymentType
	PaymentAmount int64
	ServiceFee    int64
	TotalAmount   int64
	DateNeeded    time.Time
	CreatedAt     time.Time
}

// ApplicationStatus описывает статус отклика исполнителя.
type ApplicationStatus string

const (
	ApplicationStatusPending  ApplicationStatus = "pending"
	ApplicationStatusAccepted ApplicationStatus = "accepted"
	ApplicationStatusRejected ApplicationStatus = "rejected"
)

// Application описывает отклик исполнителя на заявку.
type Application struct {
	ID            int64
	JobID         int64
	WorkerID      int64
	Status        ApplicationStatus
	HourlyRate    int64
	ExpectedHours int
	CreatedAt     time.Time
}

// PaymentOpType описывает вид денежной операции.
type PaymentOpType string

const (
	PaymentOpPayment  PaymentOpType = "payment"
	PaymentOpTransfer PaymentOpType = "transfer"
	PaymentOpRefund   PaymentOpType = "refund"
	PaymentOpPayout   PaymentOpType = "payout"
)

// PaymentStatus описывает статус денежной операции.
// Статусы двигаются только вперёд: из терминального состояния возврата нет.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

// Payment описывает денежную операцию в журнале платежей.
type Payment struct {
	ID             int64
	UserID         int64
	WorkerID       *int64
	JobID          *int64
	Amount         int64
	ServiceFee     int64
	Type           PaymentOpType
	Status         PaymentStatus
	TransactionID  *string
	IdempotencyKey *string
	CreatedAt      time.Time
}

// EarningStatus описывает статус заработка исполнителя.
type EarningStatus string

const (
	EarningStatusPending   EarningStatus = "pending"
	EarningStatusPaid      EarningStatus = "paid"
	EarningStatusCancelled EarningStatus = "cancelled"
)

// Earning описывает заработок исполнителя по завершённой работе.
// NetAmount = Amount - ServiceFee.
type Earning struct {
	ID            int64
	WorkerID      int64
	JobID         *int64
	Amount        int64
	ServiceFee    int64
	NetAmount     int64
	Status        EarningStatus
	TransactionID *string
	PaymentID     *int64
	CreatedAt     time.Time
}

// Package fee содержит расчёт сервисной комиссии площадки.
package fee

import "errors"

// ErrInvalidAmount возвращается при попытке рассчитать комиссию от неположительной суммы.
var (
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrAmountBelowFee возвращается, если комиссия съедает всю базовую сумму.
	ErrAmountBelowFee = errors.New("amount does not cover service fee")
)

// Fees содержит результат расчёта комиссии в центах.
// TotalAmount платит заказчик (база плюс комиссия),
// NetAmount получает исполнитель (база минус комиссия).
type Fees struct {
	ServiceFee  int64
	TotalAmount int64
	NetAmount   int64
}

// Calculator вычисляет комиссию по ставке в базисных пунктах и минимальной фиксированной комиссии.
type Calculator struct {
	rateBasisPoints int64
	flatMinimum     int64
}

// NewCalculator создаёт калькулятор комиссии.
// rateBasisPoints — ставка в сотых долях процента (500 = 5%),
// flatMinimum — минимальная комиссия в центах.
func NewCalculator(rateBasisPoints, flatMinimum int64) *Calculator {
	return &Calculator{
		rateBasisPoints: rateBasisPoints,
		flatMinimum:     flatMinimum,
	}
}

// Compute рассчитывает комиссию от базовой суммы в центах.
// Комиссия округляется до цента по правилу half-up.
func (c *Calculator) Compute(baseAmount int64) (Fees, error) {
	if baseAmount <= 0 {
		return Fees{}, ErrInvalidAmount
	}

	serviceFee := (baseAmount*c.rateBasisPoints + 5000) / 10000
	if serviceFee < c.flatMinimum {
		serviceFee = c.flatMinimum
	}

	if serviceFee >= baseAmount {
		return Fees{}, ErrAmountBelowFee
	}

	return Fees{
		ServiceFee:  serviceFee,
		TotalAmount: baseAmount + serviceFee,
		NetAmount:   baseAmount - serviceFee,
	}, nil
}

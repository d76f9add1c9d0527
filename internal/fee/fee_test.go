package fee

import (
	"errors"
	"testing"
)

func TestCompute(t *testing.T) {
	type want struct {
		serviceFee  int64
		totalAmount int64
		netAmount   int64
	}

	calc := NewCalculator(500, 250)

	tests := []struct {
		name       string
		baseAmount int64
		want       want
	}{
		{
			name:       "hundred dollars at five percent",
			baseAmount: 10000,
			want: want{
				serviceFee:  500,
				totalAmount: 10500,
				netAmount:   9500,
			},
		},
		{
			name:       "small amount hits flat minimum",
			baseAmount: 1000,
			want: want{
				serviceFee:  250,
				totalAmount: 1250,
				netAmount:   750,
			},
		},
		{
			name:       "half cent rounds up",
			baseAmount: 10010,
			want: want{
				serviceFee:  501,
				totalAmount: 10511,
				netAmount:   9509,
			},
		},
		{
			name:       "rounds down below half cent",
			baseAmount: 10009,
			want: want{
				serviceFee:  500,
				totalAmount: 10509,
				netAmount:   9509,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := calc.Compute(tt.baseAmount)
			if err != nil {
				t.Fatalf("Compute(%d) error: %v", tt.baseAmount, err)
			}
			if got.ServiceFee != tt.want.serviceFee {
				t.Fatalf("ServiceFee = %d, want %d", got.ServiceFee, tt.want.serviceFee)
			}
			if got.TotalAmount != tt.want.totalAmount {
				t.Fatalf("TotalAmount = %d, want %d", got.TotalAmount, tt.want.totalAmount)
			}
			if got.NetAmount != tt.want.netAmount {
				t.Fatalf("NetAmount = %d, want %d", got.NetAmount, tt.want.netAmount)
			}
		})
	}
}

func TestComputeIdentities(t *testing.T) {
	calc := NewCalculator(500, 250)

	for _, base := range []int64{1000, 5050, 10000, 99999, 123456789} {
		fees, err := calc.Compute(base)
		if err != nil {
			t.Fatalf("Compute(%d) error: %v", base, err)
		}
		if fees.TotalAmount-fees.ServiceFee != base {
			t.Fatalf("base %d: totalAmount - serviceFee = %d, want %d",
				base, fees.TotalAmount-fees.ServiceFee, base)
		}
		if base-fees.NetAmount != fees.ServiceFee {
			t.Fatalf("base %d: base - netAmount = %d, want %d",
				base, base-fees.NetAmount, fees.ServiceFee)
		}
	}
}

func TestComputeInvalidAmount(t *testing.T) {
	calc := NewCalculator(500, 250)

	for _, base := range []int64{0, -1, -10000} {
		if _, err := calc.Compute(base); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("Compute(%d) = %v, want ErrInvalidAmount", base, err)
		}
	}
}

func TestComputeAmountBelowFee(t *testing.T) {
	calc := NewCalculator(500, 250)

	// База меньше минимальной комиссии: исполнителю не остаётся ничего.
	if _, err := calc.Compute(200); !errors.Is(err, ErrAmountBelowFee) {
		t.Fatalf("Compute(200) = %v, want ErrAmountBelowFee", err)
	}
}

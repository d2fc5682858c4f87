package rule

import (
	"testing"

	"fulfillment/internal/service/inventory/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLowStockRule_Evaluate(t *testing.T) {
	r, err := NewLowStockRule("!unlimited && available <= threshold")
	require.NoError(t, err)

	tests := []struct {
		name    string
		variant domain.Variant
		want    bool
	}{
		{"above threshold", domain.Variant{StockQuantity: 20, ReservedQuantity: 5, LowStockThreshold: 10}, false},
		{"at threshold", domain.Variant{StockQuantity: 15, ReservedQuantity: 5, LowStockThreshold: 10}, true},
		{"reservations push below", domain.Variant{StockQuantity: 12, ReservedQuantity: 4, LowStockThreshold: 10}, true},
		{"unlimited never alerts", domain.Variant{IsUnlimited: true, LowStockThreshold: 10}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Evaluate(&tt.variant)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLowStockRule_RejectsInvalidExpressions(t *testing.T) {
	_, err := NewLowStockRule("available <=")
	assert.Error(t, err)

	_, err = NewLowStockRule("available - threshold")
	assert.Error(t, err, "non-bool rules are rejected")

	_, err = NewLowStockRule("unknown_var > 1")
	assert.Error(t, err)
}

func TestLowStockRule_Reload(t *testing.T) {
	r, err := NewLowStockRule("available <= threshold")
	require.NoError(t, err)
	v := &domain.Variant{StockQuantity: 8, LowStockThreshold: 5}

	low, err := r.Evaluate(v)
	require.NoError(t, err)
	assert.False(t, low)

	require.NoError(t, r.Reload("available <= threshold * 2"))
	assert.Equal(t, "available <= threshold * 2", r.String())
	low, err = r.Evaluate(v)
	require.NoError(t, err)
	assert.True(t, low)

	// 非法表达式不替换当前规则
	assert.Error(t, r.Reload("available <="))
	assert.Equal(t, "available <= threshold * 2", r.String())
	low, err = r.Evaluate(v)
	require.NoError(t, err)
	assert.True(t, low)
}

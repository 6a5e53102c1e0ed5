package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Amount
		wantErr bool
	}{
		{"60", 6000, false},
		{"60.5", 6050, false},
		{"0.01", 1, false},
		{"0.001", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAmountJSON(t *testing.T) {
	out, err := json.Marshal(struct {
		Balance Amount `json:"balance_rub"`
	}{Balance: Rub(100)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance_rub":"100.00"}`, string(out))

	var in struct {
		Price Amount `json:"price_rub"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"price_rub":12.5}`), &in))
	assert.Equal(t, Amount(1250), in.Price)

	require.NoError(t, json.Unmarshal([]byte(`{"price_rub":"7.05"}`), &in))
	assert.Equal(t, Amount(705), in.Price)
}

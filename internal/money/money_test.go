package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliamunaev/marketplace-checkout/internal/apperr"
)

func TestParseMinor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    int64
		wantErr error
	}{
		{name: "whole", in: "10", want: 1000},
		{name: "cents", in: "12.34", want: 1234},
		{name: "float_drift_prone", in: "0.29", want: 29},
		{name: "trailing_zero", in: "5.50", want: 550},
		{name: "sub_cent", in: "1.005", wantErr: apperr.ErrInvalidAmount},
		{name: "garbage", in: "abc", wantErr: apperr.ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseMinor(tt.in)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromMinorRoundTrip(t *testing.T) {
	t.Parallel()

	got, err := ToMinor(FromMinor(99999900))
	require.NoError(t, err)
	assert.Equal(t, int64(99999900), got)
	assert.True(t, FromMinor(1250).Equal(decimal.RequireFromString("12.5")))
}

func TestFormat(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "10.00 USD", Format(1000, "usd"))
	assert.Equal(t, "usd", NormalizeCurrency(" USD "))
}

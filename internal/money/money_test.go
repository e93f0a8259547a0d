package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMinor(t *testing.T) {
	tests := []struct {
		in    string
		scale int32
		want  int64
		err   error
	}{
		{"30", 0, 30, nil},
		{"12.50", 2, 1250, nil},
		{"0.01", 2, 1, nil},
		{"-4", 0, -4, nil},
		{"1.5", 0, 0, ErrTooPrecise},
		{"0.001", 2, 0, ErrTooPrecise},
		{"abc", 0, 0, ErrInvalidAmount},
		{"", 0, 0, ErrInvalidAmount},
		{"99999999999999999999", 0, 0, ErrOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMinor(tt.in, tt.scale)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "30", Format(30, 0))
	assert.Equal(t, "12.50", Format(1250, 2))
	assert.Equal(t, "0.07", Format(7, 2))
	assert.Equal(t, "-1.00", Format(-100, 2))
}

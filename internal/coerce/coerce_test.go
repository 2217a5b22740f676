package coerce

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestFieldCoercionLadder(t *testing.T) {
	cases := []struct {
		raw  string
		kind Kind
	}{
		{"true", KindBool},
		{"FALSE", KindBool},
		{"99.99", KindDecimal},
		{"42", KindDecimal},
		{"2024-01-15", KindTimestamp},
		{"2024-01-15T10:30:00Z", KindTimestamp},
		{"text", KindString},
		{"", KindString},
	}
	for _, c := range cases {
		got := Field(c.raw)
		require.Equalf(t, c.kind, got.Kind, "field %q", c.raw)
	}
}

func TestFieldCoercionExample(t *testing.T) {
	raw := []string{"true", "99.99", "2024-01-15", "text"}
	got := make([]Value, len(raw))
	for i, r := range raw {
		got[i] = Field(r)
	}

	require.Equal(t, KindBool, got[0].Kind)
	require.True(t, got[0].Bool)

	require.Equal(t, KindDecimal, got[1].Kind)
	require.True(t, got[1].Decimal.Equal(decimal.NewFromFloat(99.99)))

	require.Equal(t, KindTimestamp, got[2].Kind)
	require.Equal(t, 2024, got[2].Timestamp.Year())
	require.Equal(t, time.January, got[2].Timestamp.Month())
	require.Equal(t, 15, got[2].Timestamp.Day())

	require.Equal(t, KindString, got[3].Kind)
	require.Equal(t, "text", got[3].Raw)
}

func TestFieldIsDeterministic(t *testing.T) {
	for _, raw := range []string{"true", "99.99", "2024-01-15", "text", ""} {
		require.Equal(t, Field(raw), Field(raw))
	}
}

func TestRowBuildsMapKeyedByHeader(t *testing.T) {
	row := Row([]string{"active", "price"}, []string{"true", "12.50"})
	require.Equal(t, true, row["active"])
	d, ok := row["price"].(decimal.Decimal)
	require.True(t, ok)
	require.True(t, d.Equal(decimal.NewFromFloat(12.50)))
}

func TestRowPadsMissingTrailingFields(t *testing.T) {
	row := Row([]string{"a", "b", "c"}, []string{"1"})
	require.Equal(t, "", row["b"])
	require.Equal(t, "", row["c"])
}

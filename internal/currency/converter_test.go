package currency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableConverter_SameCurrencyIsIdentity(t *testing.T) {
	c := NewTableConverter("USD", nil)

	got, err := c.Convert(999, "USD", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(999), got)
}

func TestTableConverter_ConvertsThroughBase(t *testing.T) {
	c := NewTableConverter("USD", map[string]float64{
		"EUR": 1.10,
		"GBP": 1.25,
	})

	got, err := c.Convert(1000, "EUR", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(1100), got)

	got, err = c.Convert(1000, "EUR", "GBP")
	require.NoError(t, err)
	assert.Equal(t, int64(880), got)
}

func TestTableConverter_CaseInsensitiveCodes(t *testing.T) {
	c := NewTableConverter("usd", map[string]float64{"eur": 2})

	got, err := c.Convert(500, "EUR", "Usd")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got)
}

func TestTableConverter_UnknownCurrencyFails(t *testing.T) {
	c := NewTableConverter("USD", map[string]float64{"EUR": 1.1})

	_, err := c.Convert(1000, "JPY", "USD")
	assert.Error(t, err)

	_, err = c.Convert(1000, "USD", "JPY")
	assert.Error(t, err)
}

package operators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountryForMCC(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	iso, ok := r.CountryForMCC(262)
	require.True(t, ok)
	assert.Equal(t, "DE", iso)

	iso, ok = r.CountryForMCC(310)
	require.True(t, ok)
	assert.Equal(t, "US", iso)

	_, ok = r.CountryForMCC(999)
	assert.False(t, ok)
}

func TestCountryForOperator_Override(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	// Liechtenstein MCC, Swiss operator.
	iso, ok := r.CountryForOperator(295, 1)
	require.True(t, ok)
	assert.Equal(t, "CH", iso)

	// No override falls back to the MCC country.
	iso, ok = r.CountryForOperator(295, 2)
	require.True(t, ok)
	assert.Equal(t, "LI", iso)
}

func TestCountryName(t *testing.T) {
	assert.Equal(t, "Germany", CountryName("DE"))
	assert.Equal(t, "ZZZZ", CountryName("ZZZZ"))
}

package textutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFold(t *testing.T) {
	cases := []struct {
		in, out string
	}{
		{"Habitación:", "habitacion"},
		{"  Fecha   de\tLLEGADA ", "fecha de llegada"},
		{"Huésped.", "huesped"},
		{"", ""},
	}
	for _, c := range cases {
		require.Equal(t, c.out, Fold(c.in), c.in)
	}
}

func TestSameName(t *testing.T) {
	require.True(t, SameName("Ana López", "ana  lopez"))
	require.True(t, SameName("ANA LOPEZ", "Ana López"))
	require.False(t, SameName("Ana López", "Luis Pérez"))
	require.False(t, SameName("", ""))
}

func TestBestLabel(t *testing.T) {
	require.Equal(t, 1.0, BestLabel("Habitación", []string{"cliente", "habitacion"}))
	require.Equal(t, 0.95, BestLabel("Número de habitación", []string{"habitacion"}))
	require.Less(t, BestLabel("Email", []string{"habitacion", "llegada"}), 0.8)
	require.Equal(t, 0.0, BestLabel("", []string{"habitacion"}))
}

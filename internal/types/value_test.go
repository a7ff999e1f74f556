package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeValueNumber(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{5, "5"},
		{int64(42), "42"},
		{3.5, "3.5"},
		{json.Number("12.3456789012"), "12.3456789012"},
		{"7.25", "7.25"},
	}
	for _, tc := range cases {
		vs, vn, err := EncodeValue(TypeNumber, tc.in)
		require.NoError(t, err)
		require.Nil(t, vs, "number must not populate the string slot")
		require.NotNil(t, vn)
		require.Equal(t, tc.want, *vn)
	}

	_, _, err := EncodeValue(TypeNumber, "not-a-number")
	require.Error(t, err)
	_, _, err = EncodeValue(TypeNumber, true)
	require.Error(t, err)
}

func TestEncodeValueString(t *testing.T) {
	vs, vn, err := EncodeValue(TypeString, "hello")
	require.NoError(t, err)
	require.Nil(t, vn, "string must not populate the numeric slot")
	require.Equal(t, "hello", *vs)

	_, _, err = EncodeValue(TypeString, 5)
	require.Error(t, err)
}

func TestEncodeValueDate(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	vs, vn, err := EncodeValue(TypeDate, at)
	require.NoError(t, err)
	require.Nil(t, vn)
	require.Equal(t, "2026-03-14T09:30:00Z", *vs)

	vs, _, err = EncodeValue(TypeDate, "2026-03-14")
	require.NoError(t, err)
	require.Equal(t, "2026-03-14", *vs)

	_, _, err = EncodeValue(TypeDate, "14/03/2026")
	require.Error(t, err)
}

func TestEncodeValueBoolean(t *testing.T) {
	vs, vn, err := EncodeValue(TypeBoolean, true)
	require.NoError(t, err)
	require.Nil(t, vn)
	require.Equal(t, "true", *vs)

	vs, _, err = EncodeValue(TypeBoolean, "false")
	require.NoError(t, err)
	require.Equal(t, "false", *vs)

	_, _, err = EncodeValue(TypeBoolean, "yes")
	require.Error(t, err)
}

func TestEncodeValueNilRejected(t *testing.T) {
	_, _, err := EncodeValue(TypeString, nil)
	require.Error(t, err)
}

func TestDecodeValueRoundTrip(t *testing.T) {
	vs, vn, err := EncodeValue(TypeNumber, 5)
	require.NoError(t, err)
	require.Equal(t, float64(5), DecodeValue(TypeNumber, vs, vn))

	vs, vn, err = EncodeValue(TypeBoolean, true)
	require.NoError(t, err)
	require.Equal(t, true, DecodeValue(TypeBoolean, vs, vn))

	vs, vn, err = EncodeValue(TypeDate, "2026-03-14")
	require.NoError(t, err)
	require.Equal(t, "2026-03-14", DecodeValue(TypeDate, vs, vn))

	require.Nil(t, DecodeValue(TypeNumber, nil, nil))
	require.Nil(t, DecodeValue(TypeString, nil, nil))
}

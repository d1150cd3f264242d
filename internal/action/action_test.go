package action

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Action
	}{
		{
			name:    "click with float coordinates",
			payload: `{"type":"click","x":120.6,"y":45,"description":"login button"}`,
			want:    Click{X: 121, Y: 45, Description: "login button"},
		},
		{
			name:    "type",
			payload: `{"type":"type","text":"test@example.com"}`,
			want:    Type{Text: "test@example.com"},
		},
		{
			name:    "scroll defaults missing deltas to zero",
			payload: `{"type":"scroll","deltaY":300}`,
			want:    Scroll{DX: 0, DY: 300},
		},
		{
			name:    "done",
			payload: `{"type":"done","result":"Login succeeded"}`,
			want:    Done{Result: "Login succeeded"},
		},
		{
			name:    "failed",
			payload: `{"type":"failed","reason":"no login form"}`,
			want:    Failed{Reason: "no login form"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{"unknown tag", `{"type":"hover","x":1,"y":2}`, ErrUnknownType},
		{"missing tag", `{"x":1,"y":2}`, ErrUnknownType},
		{"click without y", `{"type":"click","x":1}`, ErrMissingField},
		{"type without text", `{"type":"type"}`, ErrMissingField},
		{"second object", `{"type":"click","x":1,"y":2} {"type":"done","result":"ok"}`, ErrTrailingData},
		{"trailing prose", `{"type":"done","result":"ok"} then maybe {"type":"failed","reason":"x"}`, ErrTrailingData},
		{"extra brace", `{"type":"click","x":1,"y":2}}`, ErrTrailingData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}

	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecode_AllowsTrailingWhitespace(t *testing.T) {
	a, err := Decode([]byte("{\"type\":\"click\",\"x\":1,\"y\":2}\n\t "))
	require.NoError(t, err)
	assert.Equal(t, Click{X: 1, Y: 2}, a)
}

func TestDecode_SaturatesCoordinates(t *testing.T) {
	a, err := Decode([]byte(`{"type":"click","x":1e300,"y":-1e300}`))
	require.NoError(t, err)
	assert.Equal(t, Click{X: math.MaxInt32, Y: math.MinInt32}, a)

	a, err = Decode([]byte(`{"type":"scroll","deltaY":4294967296.4}`))
	require.NoError(t, err)
	assert.Equal(t, Scroll{DY: math.MaxInt32}, a)
}

func TestTerminal(t *testing.T) {
	assert.False(t, Click{}.Terminal())
	assert.False(t, Type{}.Terminal())
	assert.False(t, Scroll{}.Terminal())
	assert.True(t, Done{}.Terminal())
	assert.True(t, Failed{}.Terminal())
}

func TestEncodeAndParams(t *testing.T) {
	data, err := Encode(Click{X: 10, Y: 20})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"click","x":10,"y":20}`, string(data))

	assert.JSONEq(t, `{"deltaX":0,"deltaY":-100}`, Params(Scroll{DY: -100}))
	assert.JSONEq(t, `{"text":""}`, Params(Type{}))

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, Click{X: 10, Y: 20}, decoded)
}

package apitypes_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharpie7/tinyusb/apitypes"
)

func TestPipeOpenRequestUnmarshal(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected apitypes.PipeOpenRequest
		wantErr  string
	}{
		{
			name:     "numbers",
			input:    `{"endpointAddress":129,"attributes":2,"maxPacketSize":512}`,
			expected: apitypes.PipeOpenRequest{EndpointAddress: 0x81, Attributes: 2, MaxPacketSize: 512},
		},
		{
			name:     "hex strings",
			input:    `{"endpointAddress":"0x81","attributes":"0x02","maxPacketSize":"0x200","interval":"0"}`,
			expected: apitypes.PipeOpenRequest{EndpointAddress: 0x81, Attributes: 2, MaxPacketSize: 512},
		},
		{
			name:     "bare hex digits",
			input:    `{"endpointAddress":"8a","attributes":2,"maxPacketSize":64}`,
			expected: apitypes.PipeOpenRequest{EndpointAddress: 0x8a, Attributes: 2, MaxPacketSize: 64},
		},
		{
			name:    "address out of range",
			input:   `{"endpointAddress":256,"attributes":2,"maxPacketSize":64}`,
			wantErr: "endpointAddress",
		},
		{
			name:    "fractional number",
			input:   `{"endpointAddress":1.5,"attributes":2,"maxPacketSize":64}`,
			wantErr: "out of range",
		},
		{
			name:    "bad type",
			input:   `{"endpointAddress":true,"attributes":2,"maxPacketSize":64}`,
			wantErr: "expected number or hex string",
		},
		{
			name:    "max packet overflow",
			input:   `{"endpointAddress":1,"attributes":2,"maxPacketSize":"0x10000"}`,
			wantErr: "maxPacketSize",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got apitypes.PipeOpenRequest
			err := json.Unmarshal([]byte(tt.input), &got)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestApiErrorString(t *testing.T) {
	tests := []struct {
		err      apitypes.ApiError
		expected string
	}{
		{apitypes.ApiError{Status: 502, Title: "Bad Gateway", Detail: "halted"}, "502 Bad Gateway: halted"},
		{apitypes.ApiError{Title: "Oops", Detail: "x"}, "Oops: x"},
		{apitypes.ApiError{}, "unknown error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.err.Error())
	}
}

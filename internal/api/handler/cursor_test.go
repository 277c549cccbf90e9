package handler

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCursor_RoundTrip(t *testing.T) {
	encoded := EncodeJobCursor(&JobCursor{JobID: 1234})

	cursor, err := DecodeJobCursor(encoded)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, int64(1234), cursor.JobID)
}

func TestDecodeJobCursor(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantNil bool
		wantErr bool
	}{
		{
			name:    "empty cursor means first page",
			input:   "",
			wantNil: true,
		},
		{
			name:    "not base64",
			input:   "%%%",
			wantErr: true,
		},
		{
			name:    "not a number",
			input:   base64.StdEncoding.EncodeToString([]byte("abc")),
			wantErr: true,
		},
		{
			name:    "non-positive job id",
			input:   base64.StdEncoding.EncodeToString([]byte("0")),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cursor, err := DecodeJobCursor(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, cursor)
			}
		})
	}
}

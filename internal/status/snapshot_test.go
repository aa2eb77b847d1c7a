package status

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds  int64
		expected string
	}{
		{0, "00:00:00"},
		{59, "00:00:59"},
		{61, "00:01:01"},
		{3599, "00:59:59"},
		{3661, "01:01:01"},
		{86399, "23:59:59"},
		{86400, "00:00:00"},
		{90061, "01:01:01"},
		{-5, "00:00:00"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDuration(tt.seconds))
		})
	}
}

func TestZero(t *testing.T) {
	z := Zero()
	assert.Equal(t, Disconnected, z.State)
	assert.Equal(t, "00:00:00", z.Duration)
	assert.Zero(t, z.TotalUpload)
	assert.Zero(t, z.TotalDownload)
}

func TestSnapshot_JSONFieldNames(t *testing.T) {
	data, err := json.Marshal(Snapshot{
		State:         Connected,
		Duration:      "00:00:03",
		UploadSpeed:   1,
		DownloadSpeed: 2,
		TotalUpload:   3,
		TotalDownload: 4,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"connected","duration":"00:00:03","upload_speed":1,"download_speed":2,"total_upload":3,"total_download":4}`, string(data))
}

package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "bare host port", in: "minio:9000", want: "minio:9000"},
		{name: "http prefix stripped", in: "http://minio:9000", want: "minio:9000"},
		{name: "https prefix stripped", in: "https://minio.example.com", want: "minio.example.com"},
		{name: "trailing slash allowed", in: "http://minio:9000/", want: "minio:9000"},
		{name: "empty", in: "", wantErr: true},
		{name: "path without protocol", in: "minio:9000/bucket", wantErr: true},
		{name: "path with protocol", in: "http://minio:9000/bucket", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cleanEndpoint(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

package security

import (
	"errors"
	"testing"
)

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		url     string
		blocked bool
	}{
		{"https://93.184.216.34/hook", false},
		{"ftp://93.184.216.34/hook", true},
		{"http://localhost:8080/hook", true},
		{"http://127.0.0.1/hook", true},
		{"http://10.0.0.8/hook", true},
		{"http://169.254.169.254/latest", true},
		{"http://0.0.0.0/hook", true},
		{"http:///nohost", true},
	}
	for _, tt := range tests {
		err := ValidateEndpointURL(tt.url)
		if tt.blocked != errors.Is(err, ErrBlockedEndpoint) {
			t.Errorf("ValidateEndpointURL(%q) = %v, blocked want %v", tt.url, err, tt.blocked)
		}
	}
}

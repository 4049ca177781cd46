package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

const stellarKey = "GAAZI4TCR3TY5OJHCTJC2A4QSY6CJWJH5IAJTGKIN2ER7LBNVKOCCWN7"

func TestIsValidWalletAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{stellarKey, true},
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},

		{strings.ToLower(stellarKey), false},                  // lower case
		{stellarKey[:55], false},                              // too short
		{"S" + stellarKey[1:], false},                         // secret key prefix
		{"GAAZI4TCR3TY5OJHCTJC2A4QSY6CJWJH5IAJTGKIN2ER7LBNVKOCCWN1", false}, // 1 is not base32
		{"0x12345678901234567890123456789012345678", false},
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},
		{"", false},
	}

	for _, tc := range tests {
		if got := IsValidWalletAddress(tc.addr); got != tc.valid {
			t.Errorf("IsValidWalletAddress(%q) = %v, want %v", tc.addr, got, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("demoId", "hello-milestone"),
		WalletAddress("walletAddress", stellarKey),
		OneOf("role", "worker", "client", "worker", "arbitrator"),
		MaxLength("reason", "late", MaxReasonLength),
	)
	if len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}

	errs = Validate(
		Required("demoId", " "),
		WalletAddress("walletAddress", "nope"),
		OneOf("role", "admin", "client", "worker", "arbitrator"),
		MaxLength("reason", strings.Repeat("x", MaxReasonLength+1), MaxReasonLength),
	)
	if len(errs) != 4 {
		t.Fatalf("expected 4 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() != "demoId: is required" {
		t.Errorf("Error() = %q", errs.Error())
	}
}

func TestAddressParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(AddressParamMiddleware())
	router.GET("/wallets/:address", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/other", func(c *gin.Context) { c.Status(http.StatusOK) })

	for path, want := range map[string]int{
		"/wallets/" + stellarKey: http.StatusOK,
		"/wallets/bogus":         http.StatusBadRequest,
		"/other":                 http.StatusOK,
	} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != want {
			t.Errorf("GET %s = %d, want %d", path, w.Code, want)
		}
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestSizeMiddleware(16))
	router.POST("/echo", func(c *gin.Context) {
		var body map[string]string
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"reason":"`+strings.Repeat("x", 64)+`"}`)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body = %d, want 413", w.Code)
	}
}

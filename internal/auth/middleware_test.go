package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func adminContext(header string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/v1/admin/decay", nil)
	if header != "" {
		c.Request.Header.Set(AdminHeader, header)
	}
	return c, w
}

func TestRequireAdmin_NoSecretConfigured(t *testing.T) {
	c, _ := adminContext("")

	RequireAdmin("")(c)

	if c.IsAborted() {
		t.Error("Expected request to pass when no secret is configured")
	}
	if !IsAdmin(c) {
		t.Error("Expected admin flag to be set")
	}
}

func TestRequireAdmin_CorrectSecret(t *testing.T) {
	c, _ := adminContext("supersecret123")

	RequireAdmin("supersecret123")(c)

	if c.IsAborted() {
		t.Error("Expected correct admin secret to pass")
	}
	if !IsAdmin(c) {
		t.Error("Expected admin flag to be set")
	}
}

func TestRequireAdmin_WrongSecret(t *testing.T) {
	c, w := adminContext("wrongsecret")

	RequireAdmin("supersecret123")(c)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for wrong secret, got %d", w.Code)
	}
	if IsAdmin(c) {
		t.Error("Admin flag must not be set")
	}
}

func TestRequireAdmin_MissingHeader(t *testing.T) {
	c, w := adminContext("")

	RequireAdmin("supersecret123")(c)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for missing admin header, got %d", w.Code)
	}
}

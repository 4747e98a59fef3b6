package middleware

import (
	"gamehub-go/internal/model"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestLoggerKeepsBodyReadable(t *testing.T) {
	r := gin.New()
	r.Use(RequestLogger())
	var seen string
	r.POST("/echo", func(c *gin.Context) {
		b, _ := io.ReadAll(c.Request.Body)
		seen = string(b)
		c.String(http.StatusOK, strings.Repeat("x", maxLoggedBody*2))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"text":"hi"}`)))

	assert.Equal(t, `{"text":"hi"}`, seen)
	assert.Equal(t, maxLoggedBody*2, w.Body.Len(), "the client still gets the full response")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short"))
	long := truncate(strings.Repeat("a", maxLoggedBody+10))
	assert.True(t, strings.HasSuffix(long, "...(truncated)"))
	assert.Len(t, long, maxLoggedBody+len("...(truncated)"))
}

func TestAdminAuthMiddleware(t *testing.T) {
	cases := []struct {
		name string
		user interface{}
		want int
	}{
		{"missing user", nil, http.StatusInternalServerError},
		{"wrong type", "admin", http.StatusInternalServerError},
		{"regular user", &model.User{Username: "p", Role: "USER"}, http.StatusForbidden},
		{"admin", &model.User{Username: "gm", Role: "ADMIN"}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/admin", func(c *gin.Context) {
				if tc.user != nil {
					c.Set("user", tc.user)
				}
				c.Next()
			}, AdminAuthMiddleware(), func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

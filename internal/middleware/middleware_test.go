package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.DebugLevel)
	return logger, &buf
}

func newRouter(logger *logrus.Logger, token string) *mux.Router {
	r := mux.NewRouter()
	r.Use(Recover(logger), Observability(logger), BearerAuth(token, logger, "/health"))
	r.HandleFunc("/v1/broadcasts/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(mux.Vars(r)["id"]))
	}).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	return r
}

func TestObservability_LogsRouteTemplateAndRequestID(t *testing.T) {
	logger, buf := testLogger()
	router := newRouter(logger, "")

	req := httptest.NewRequest(http.MethodGet, "/v1/broadcasts/job-42", nil)
	req.Header.Set(RequestIDHeader, "req_fixed")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "job-42", rec.Body.String())
	assert.Equal(t, "req_fixed", rec.Header().Get(RequestIDHeader))

	out := buf.String()
	assert.Contains(t, out, `"route":"/v1/broadcasts/{id}"`)
	assert.Contains(t, out, `"request_id":"req_fixed"`)
	assert.Contains(t, out, `"status_code":202`)
	assert.NotContains(t, out, "job-42")
}

func TestObservability_GeneratesRequestID(t *testing.T) {
	logger, _ := testLogger()
	router := newRouter(logger, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.True(t, strings.HasPrefix(rec.Header().Get(RequestIDHeader), "req_"))
}

func TestBearerAuth(t *testing.T) {
	logger, _ := testLogger()
	router := newRouter(logger, "s3cret")

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"missing token", "/v1/broadcasts/a", "", http.StatusUnauthorized},
		{"wrong token", "/v1/broadcasts/a", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "/v1/broadcasts/a", "Basic s3cret", http.StatusUnauthorized},
		{"valid token", "/v1/broadcasts/a", "Bearer s3cret", http.StatusAccepted},
		{"open path", "/health", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRecover(t *testing.T) {
	logger, buf := testLogger()
	router := newRouter(logger, "")

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
	assert.Contains(t, buf.String(), "Handler panicked")
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "198.51.100.7, 203.0.113.9"}, "10.0.0.1:5000", "198.51.100.7"},
		{"forwarded ipv6", map[string]string{"X-Forwarded-For": "2001:db8::1"}, "10.0.0.1:5000", "2001:db8::1"},
		{"real ip", map[string]string{"X-Real-IP": "203.0.113.5"}, "10.0.0.1:5000", "203.0.113.5"},
		{"peer", nil, "192.0.2.1:1234", "192.0.2.1"},
		{"peer ipv6", nil, "[2001:db8::2]:443", "2001:db8::2"},
		{"peer without port", nil, "192.0.2.9", "192.0.2.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req))
		})
	}
}

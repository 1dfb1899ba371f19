package requesttime

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"

	"orchestrator/pkg/requestcontext"
)

func TestMiddleware(t *testing.T) {
	var (
		first, second time.Time
		reqID         string
	)
	handler := middleware.RequestID(Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		first = requestcontext.Now(r.Context())
		time.Sleep(time.Millisecond)
		second = requestcontext.Now(r.Context())
		reqID = requestcontext.RequestID(r.Context())
	})))

	before := time.Now()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, first, second, "now is fixed for the whole request")
	assert.False(t, first.Before(before))
	assert.NotEmpty(t, reqID)
}

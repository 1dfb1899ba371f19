package httpserver

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	h := http.NotFoundHandler()
	srv := New(":9000", h)

	assert.Equal(t, ":9000", srv.Addr)
	assert.NotNil(t, srv.Handler)
	assert.Greater(t, srv.WriteTimeout, srv.ReadHeaderTimeout)
}

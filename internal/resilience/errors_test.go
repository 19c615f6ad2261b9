package resilience

import (
	"fmt"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "deadline blown" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(eris.New("validation failed")))

	assert.True(t, IsTransient(NewTransientError(eris.New("throttled"), 429)))
	// Wrapping preserves transience.
	assert.True(t, IsTransient(fmt.Errorf("fetch chapter: %w", NewTransientError(eris.New("bad gateway"), 502))))

	assert.True(t, IsTransient(fakeTimeoutErr{}))
	assert.True(t, IsTransient(syscall.ECONNRESET))
	assert.True(t, IsTransient(syscall.ECONNREFUSED))

	// String heuristics for errors that lost their type through wrapping.
	assert.True(t, IsTransient(eris.New("read tcp: connection reset by peer")))
	assert.True(t, IsTransient(eris.New("dial tcp: i/o timeout")))
	assert.False(t, IsTransient(eris.New("404 not found")))
}

func TestTransientErrorUnwrap(t *testing.T) {
	inner := eris.New("root cause")
	te := NewTransientError(inner, 503)
	assert.Equal(t, "root cause", te.Error())
	assert.True(t, eris.Is(te, inner))
	assert.Equal(t, 503, te.StatusCode)
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "%d", code)
	}
	for _, code := range []int{200, 301, 400, 401, 403, 404, 422, 501} {
		assert.False(t, IsTransientHTTPStatus(code), "%d", code)
	}
}

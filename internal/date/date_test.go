package date

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentWithoutStart(t *testing.T) {
	v := Current()
	_, err := time.Parse(http.TimeFormat, string(v))
	require.NoError(t, err)
}

func TestStartIsReferenceCounted(t *testing.T) {
	stop1 := Start()
	stop2 := Start()

	_, err := time.Parse(http.TimeFormat, string(Current()))
	require.NoError(t, err)

	stop1()
	stop1() // second call is a no-op

	mu.Lock()
	assert.Equal(t, 1, users)
	mu.Unlock()

	stop2()

	mu.Lock()
	assert.Equal(t, 0, users)
	assert.Nil(t, stopCh)
	mu.Unlock()
}

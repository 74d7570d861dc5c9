package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/acme/call-routing/internal/config"
)

func TestOptionsDisableRetriesByDefault(t *testing.T) {
	opts := options(config.RedisConfig{Address: "localhost:6379", ReadTimeout: 500 * time.Millisecond})
	assert.Equal(t, -1, opts.MaxRetries)
	assert.True(t, opts.ContextTimeoutEnabled)
	assert.Equal(t, 500*time.Millisecond, opts.ReadTimeout)

	opts = options(config.RedisConfig{Address: "localhost:6379", MaxRetries: 2})
	assert.Equal(t, 2, opts.MaxRetries)
}

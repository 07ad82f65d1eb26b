package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo(t *testing.T) {
	info := Info{CommitHash: "0123456789abcdef", BuildTime: "2026-01-02", Version: "1.4.0"}
	assert.Equal(t, "0123456", info.Short())
	assert.Equal(t, "bibexport 1.4.0 (commit 0123456, built 2026-01-02)", info.String())

	info.CommitHash = "dev"
	assert.Equal(t, "dev", info.Short())
	assert.NotEmpty(t, Get().Platform)
}

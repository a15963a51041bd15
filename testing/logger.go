package testing

import (
	"testing"

	"github.com/arloliu/shardring/internal/logging"
	"github.com/arloliu/shardring/types"
)

// NewTestLogger returns a logger that writes through t.Logf.
func NewTestLogger(t testing.TB) types.Logger {
	return logging.NewTest(t)
}

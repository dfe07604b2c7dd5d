package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShortCommit(t *testing.T) {
	assert.Equal(t, "a3f8c2d1", shortCommit("a3f8c2d1e4b5"))
	assert.Equal(t, "abc", shortCommit("abc"))
}

func TestInfo(t *testing.T) {
	b := Info()
	assert.Equal(t, AppName, b.App)
	assert.NotEmpty(t, b.Commit)
	assert.True(t, strings.HasPrefix(b.GoVersion, "go"))
	assert.Equal(t, AppName+"/"+GitCommit, Full())
}

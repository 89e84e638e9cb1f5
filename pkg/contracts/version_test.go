package contracts

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetVersionInfo(t *testing.T) {
	info := GetVersionInfo()
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, TokenFormatVersion, info.TokenFormat)
}

func TestGetFullVersionString(t *testing.T) {
	s := GetFullVersionString("license-server")
	assert.True(t, strings.HasPrefix(s, "license-server v"+Version))
	assert.Contains(t, s, runtime.GOOS+"/"+runtime.GOARCH)
	assert.False(t, IsPrerelease())
}

package codes

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil is success", nil, ExitSuccess},
		{"config error", Errorf(KindConfig, "resolve", "bad version"), ExitConfig},
		{"not found", Errorf(KindNotFound, "fetch", "404"), ExitResolution},
		{"integrity", Errorf(KindIntegrity, "fetch", "mismatch"), ExitResolution},
		{"extraction", Errorf(KindExtraction, "install", "corrupt"), ExitResolution},
		{"io", Errorf(KindIO, "install", "disk full"), ExitResolution},
		{"metadata", Errorf(KindMetadata, "metadata", "cargo failed"), ExitResolution},
		{"network", Errorf(KindNetwork, "fetch", "connection reset"), ExitResolution},
		{"build", Errorf(KindBuild, "build", "crate failed"), ExitBuildFailed},
		{"interrupted", Errorf(KindInterrupted, "build", "signal"), ExitInterrupted},
		{"unclassified", errors.New("boom"), ExitBuildFailed},
		{"wrapped config error", fmt.Errorf("outer: %w", Errorf(KindConfig, "resolve", "x")), ExitConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestNew(t *testing.T) {
	assert.NoError(t, New(KindIO, "install", nil))

	base := errors.New("permission denied")
	err := New(KindIO, "install", base)
	require.Error(t, err)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, KindIO, KindOf(err))
	assert.Equal(t, "install", StageOf(err))
	assert.Equal(t, "permission denied", err.Error())
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("wrap: %w", Errorf(KindIntegrity, "fetch", "sha256 mismatch"))

	assert.True(t, Is(err, KindIntegrity))
	assert.False(t, Is(err, KindNotFound))
	assert.False(t, Is(nil, KindUnknown))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "ConfigError", KindConfig.String())
	assert.Equal(t, "BuildError", KindBuild.String())
	assert.Equal(t, "Kind(99)", Kind(99).String())
}

func TestGetExitMessage(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{ExitSuccess, "Success"},
		{ExitBuildFailed, "One or more crate builds failed"},
		{ExitConfig, "Invalid configuration"},
		{ExitInterrupted, "Interrupted"},
		{42, "Unknown error"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, GetExitMessage(tt.code), "GetExitMessage(%d)", tt.code)
	}

	assert.True(t, IsSuccess(ExitSuccess))
	assert.False(t, IsSuccess(ExitBuildFailed))
}

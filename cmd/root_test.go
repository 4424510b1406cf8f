package cmd

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/sbfbuild/internal/codes"
	"github.com/Norgate-AV/sbfbuild/internal/toolchain"
)

func mustPlatform(t *testing.T) string {
	t.Helper()

	platform, err := toolchain.HostPlatform()
	require.NoError(t, err)

	return platform
}

func TestReportError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   int
		wantOutput string
	}{
		{"success", nil, codes.ExitSuccess, ""},
		{"config", codes.Errorf(codes.KindConfig, "config", "invalid arch"), codes.ExitConfig, "error [config]: invalid arch"},
		{"build", codes.Errorf(codes.KindBuild, "build", "counter failed"), codes.ExitBuildFailed, "error [build]: counter failed"},
		{"integrity", codes.Errorf(codes.KindIntegrity, "fetch", "sha256 mismatch"), codes.ExitResolution, "error [fetch]: sha256 mismatch"},
		{"interrupted", codes.New(codes.KindInterrupted, "build", errors.New("context canceled")), codes.ExitInterrupted, "error [build]: context canceled"},
		{"unclassified", errors.New(`unknown flag: --nope`), codes.ExitConfig, "error: unknown flag: --nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			code := reportError(&buf, tt.err)

			assert.Equal(t, tt.wantCode, code)
			if tt.wantOutput == "" {
				assert.Empty(t, buf.String())
				return
			}
			assert.Contains(t, buf.String(), tt.wantOutput)
		})
	}
}

func TestVersionCommand(t *testing.T) {
	code, stdout, _ := run(t, "version")
	assert.Equal(t, codes.ExitSuccess, code)
	assert.Contains(t, stdout, "sbfbuild")
	assert.Contains(t, stdout, "commit:")
}

func TestVerboseAndSilent(t *testing.T) {
	code, _, stderr := run(t, "toolchain", "list", "-v", "-s")
	assert.Equal(t, codes.ExitConfig, code, stderr)
}

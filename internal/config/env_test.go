package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, name, value string) {
	t.Helper()
	old, had := os.LookupEnv(name)
	require.NoError(t, os.Setenv(name, value))
	t.Cleanup(func() {
		if had {
			_ = os.Setenv(name, old)
		} else {
			_ = os.Unsetenv(name)
		}
	})
}

func TestLoadEnvFlagsDefaultsWhenUnset(t *testing.T) {
	for _, name := range []string{
		"SALUS_DISABLE_LANEMGR", "SALUS_DISABLE_SHARED_LANE", "SALUS_ENABLE_SIEXECUTOR",
		"SALUS_ENABLE_STATIC_STREAM", "SALUS_ALLOCATOR_SMALL_OPT", "TF_CUDA_HOST_MEM_LIMIT_IN_MB",
	} {
		withEnv(t, name, "")
	}

	flags := LoadEnvFlags()
	assert.False(t, flags.DisableLaneManager)
	assert.False(t, flags.DisableSharedLane)
	assert.False(t, flags.EnableSIExecutor)
	assert.False(t, flags.EnableStaticStream)
	assert.False(t, flags.AllocatorSmallOpt)
	assert.Equal(t, int64(defaultHostMemLimitMB), flags.HostMemLimitMB)
}

func TestLoadEnvFlagsReadsToggles(t *testing.T) {
	withEnv(t, "SALUS_DISABLE_LANEMGR", "1")
	withEnv(t, "TF_CUDA_HOST_MEM_LIMIT_IN_MB", "8192")

	flags := LoadEnvFlags()
	assert.True(t, flags.DisableLaneManager)
	assert.Equal(t, int64(8192), flags.HostMemLimitMB)
}

func TestEnvInt64FallsBackOnNonNumeric(t *testing.T) {
	withEnv(t, "TF_CUDA_HOST_MEM_LIMIT_IN_MB", "not-a-number")
	flags := LoadEnvFlags()
	assert.Equal(t, int64(defaultHostMemLimitMB), flags.HostMemLimitMB)
}

// Package config reads Salus's process-wide configuration: the environment
// variables lists, platform resource limits discovered from the
// host and its GPUs, and the salus_options.resource_map wire format each
// session config carries.
package config

import "os"

// EnvFlags holds the values of the six environment-variable settings.
type EnvFlags struct {
	DisableLaneManager bool // SALUS_DISABLE_LANEMGR
	DisableSharedLane  bool // SALUS_DISABLE_SHARED_LANE
	EnableSIExecutor   bool // SALUS_ENABLE_SIEXECUTOR
	EnableStaticStream bool // SALUS_ENABLE_STATIC_STREAM
	AllocatorSmallOpt  bool // SALUS_ALLOCATOR_SMALL_OPT
	HostMemLimitMB     int64 // TF_CUDA_HOST_MEM_LIMIT_IN_MB, default 64 GiB
}

const defaultHostMemLimitMB = 64 * 1024

// LoadEnvFlags reads every flag from the process environment.
func LoadEnvFlags() EnvFlags {
	return EnvFlags{
		DisableLaneManager: envBool("SALUS_DISABLE_LANEMGR"),
		DisableSharedLane:  envBool("SALUS_DISABLE_SHARED_LANE"),
		EnableSIExecutor:   envBool("SALUS_ENABLE_SIEXECUTOR"),
		EnableStaticStream: envBool("SALUS_ENABLE_STATIC_STREAM"),
		AllocatorSmallOpt:  envBool("SALUS_ALLOCATOR_SMALL_OPT"),
		HostMemLimitMB:     envInt64("TF_CUDA_HOST_MEM_LIMIT_IN_MB", defaultHostMemLimitMB),
	}
}

func envBool(name string) bool {
	return os.Getenv(name) != ""
}

func envInt64(name string, def int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	var out int64
	for _, c := range v {
		if c < '0' || c > '9' {
			return def
		}
		out = out*10 + int64(c-'0')
	}
	return out
}

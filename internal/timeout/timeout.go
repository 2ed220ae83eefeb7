package timeout

import (
	"os"
	"strconv"
	"time"
)

var (
	// CoreOffline is the bound on the shutdown barrier: how long the caller
	// blocks waiting for every fenced physical core to confirm offline.
	CoreOffline = durationFromEnvironment("METALVISOR_TIMEOUT_COREOFFLINE", 10*time.Second)

	// CoreOnline is how long to wait for a previously fenced core to
	// acknowledge a restart request before reporting a coordination timeout.
	CoreOnline = durationFromEnvironment("METALVISOR_TIMEOUT_COREONLINE", 10*time.Second)

	// SoftwareLoad is how long the service VM software loader collaborator
	// may take before the boot sequence gives up on it.
	SoftwareLoad = durationFromEnvironment("METALVISOR_TIMEOUT_SOFTWARELOAD", 4*time.Minute)
)

func durationFromEnvironment(env string, defaultValue time.Duration) time.Duration {
	envTimeout := os.Getenv(env)
	if len(envTimeout) > 0 {
		e, err := strconv.Atoi(envTimeout)
		if err == nil && e > 0 {
			return time.Second * time.Duration(e)
		}
	}
	return defaultValue
}

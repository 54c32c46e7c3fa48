package env

import (
	"os"
	"strings"
)

// Get returns the value of the given environment variable or a fallback.
func Get(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

// InstanceID names the running process for logs and lock ownership.
// STEFNA_INSTANCE_ID wins, then the platform dyno name, then the hostname.
func InstanceID() string {
	for _, key := range []string{"STEFNA_INSTANCE_ID", "DYNO"} {
		if id := Get(key, ""); id != "" {
			return id
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}

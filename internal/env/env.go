package env

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Get returns the variable or fallback when it is unset or empty.
func Get(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func Int(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
		log.Printf("Invalid integer for %s: %s", key, value)
	}
	return fallback
}

// Duration accepts Go durations ("30s") or a bare number of seconds.
func Duration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if dur, err := time.ParseDuration(value); err == nil {
			return dur
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
		log.Printf("Invalid duration for %s: %s", key, value)
	}
	return fallback
}

func Bool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
		log.Printf("Invalid boolean for %s: %s", key, value)
	}
	return fallback
}

// List splits a comma separated variable, dropping empty items.
func List(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

package env

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

var logFatalf = log.Fatalf

func RequiredStringVariable(name string) string {
	if !HasEnv(name) {
		logFatalf("Environment variable (%s) is required but does not exist.", name)
	}
	return os.Getenv(name)
}

func OptionalStringVariable(name string, defaultValue string) string {
	if !HasEnv(name) {
		return defaultValue
	}
	return os.Getenv(name)
}

func OptionalIntVariable(name string, defaultValue int) int {
	if !HasEnv(name) {
		return defaultValue
	}
	value := os.Getenv(name)
	intValue, err := strconv.Atoi(value)
	if err != nil {
		logFatalf("Environment variable (%s) is not a valid int.", name)
	}
	return intValue
}

func OptionalBoolVariable(name string, defaultValue bool) bool {
	if !HasEnv(name) {
		return defaultValue
	}
	value := os.Getenv(name)
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		logFatalf("Environment variable (%s) is not a valid bool.", name)
	}
	return boolValue
}

func HasEnv(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}

// OptionalDurationVariable parses Go duration strings. E.g., "1m30s"
func OptionalDurationVariable(name string, defaultValue time.Duration) time.Duration {
	if !HasEnv(name) {
		return defaultValue
	}
	value := os.Getenv(name)
	duration, err := time.ParseDuration(value)
	if err != nil {
		logFatalf("Environment variable (%s) is not a valid duration.", name)
	}
	return duration
}

// OptionalListVariable splits a comma separated value, dropping empty items.
func OptionalListVariable(name string, defaultValue []string) []string {
	if !HasEnv(name) {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(os.Getenv(name), ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

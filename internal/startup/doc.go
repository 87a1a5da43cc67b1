// Package startup loads configuration from the environment, validates
// the working directories and handles the structured startup and
// shutdown logging for the daemon.
package startup

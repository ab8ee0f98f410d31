// Package config loads the proxy settings from YAML files and PROXY_*
// environment variables, and parses the backend manifest (the JSON build
// document naming the backend's dist directory and health-check endpoint).
package config

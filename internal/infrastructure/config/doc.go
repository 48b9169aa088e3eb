// Package config loads the relay's YAML configuration.
//
// Values are layered: built-in defaults, then the YAML file, then CASA_*
// environment variables (CASA_STORE_BACKEND, CASA_REDIS_ADDR, ...).
// Validate reports every problem at once. Keep secrets such as the Redis
// password, the MQTT credentials and the InfluxDB token in the environment.
package config

// Package config loads the edge agent settings from environment variables
// (SITE_ID, MQTT_*, AMQP_URL, OH_*, ...) and validates them.
package config

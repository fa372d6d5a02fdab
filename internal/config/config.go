/**
 * @description
 * This file handles configuration management for the donor-service.
 * It uses the 'viper' library to load configuration from environment
 * variables, providing a centralized way to manage application settings.
 */
package config

import (
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	ServerPort          string `mapstructure:"SERVER_PORT"`
	DatabaseURL         string `mapstructure:"DATABASE_URL"`
	AuthTokenSecret     string `mapstructure:"AUTH_TOKEN_SECRET"`
	NonceSecret         string `mapstructure:"NONCE_SECRET"`
	NonceTTLSeconds     int    `mapstructure:"NONCE_TTL_SECONDS"`
	RabbitMQURL         string `mapstructure:"RABBITMQ_URL"`
	DonorEventsExchange string `mapstructure:"DONOR_EVENTS_EXCHANGE"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (config Config, err error) {
	viper.SetDefault("SERVER_PORT", "8086")
	viper.SetDefault("NONCE_TTL_SECONDS", 900)
	viper.SetDefault("DONOR_EVENTS_EXCHANGE", "donor.events")
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("AUTH_TOKEN_SECRET")
	_ = viper.BindEnv("NONCE_SECRET")
	_ = viper.BindEnv("NONCE_TTL_SECONDS")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("DONOR_EVENTS_EXCHANGE")

	err = viper.Unmarshal(&config)
	return
}

package main

import "time"

// Config is read from the environment at startup (a local .env file is
// honored in development).
type Config struct {
	MongoURI  string `env:"MONGODB_URI,required=true"`
	JWTSecret string `env:"JWT_SECRET,required=true"`

	Host string `env:"HOST,default="`
	Port int    `env:"PORT,default=8080"`

	TokenTTL     time.Duration `env:"TOKEN_TTL,default=24h"`
	RateLimitRPM int           `env:"RATE_LIMIT_RPM,default=10"`

	// SingleSession switches the registry to one session per user with
	// last-write-wins; the default fans deliveries out to every live
	// connection a user holds.
	SingleSession  bool   `env:"SINGLE_SESSION,default=false"`
	SendBufferSize int    `env:"SEND_BUFFER_SIZE,default=32"`
	AllowedOrigin  string `env:"ALLOWED_ORIGIN,default=*"`
}

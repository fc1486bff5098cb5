package env

import (
	"log/slog"

	"github.com/joho/godotenv"
)

// LoadEnv reads a .env file from the working directory when there is one.
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using the process environment")
	}
}

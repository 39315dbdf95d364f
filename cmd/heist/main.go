package main

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/heistsync/internal/cli"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file, using environment as-is")
	}

	level := zerolog.InfoLevel
	if lv, err := zerolog.ParseLevel(os.Getenv("HEIST_LOG_LEVEL")); err == nil && lv != zerolog.NoLevel {
		level = lv
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()

	cli.Execute()
}

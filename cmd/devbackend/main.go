package main

import (
	"flag"
	"net"
	"os"
	"strings"
	"time"

	"deskmail/pkg/log"
	"deskmail/pkg/stubbackend"
)

const defaultPort = "8000"

func main() {
	_ = log.Logger

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	host := flag.String("host", "127.0.0.1", "Listen host")
	flag.StringVar(&port, "port", port, "Listen port (PORT env)")
	version := flag.String("version", "dev", "Version reported by /health")
	accounts := flag.String("accounts", "me@example.com", "Comma-separated account emails to preload")
	expireAfter := flag.Duration("expire-after", 0, "Expire every account after this long (0 disables)")
	startupDelay := flag.Duration("startup-delay", 0, "Sleep before listening, to exercise discovery")
	debug := flag.Bool("debug", false, "Enable debug logging and request log")
	flag.Parse()

	if *debug {
		log.SetDebugMode()
		log.Debug().Msg("Debug mode enabled")
	}

	stub := stubbackend.New(stubbackend.Config{
		Version:      *version,
		SessionToken: os.Getenv("SESSION_TOKEN"),
		RequestLog:   *debug,
	})

	for _, email := range strings.Split(*accounts, ",") {
		email = strings.TrimSpace(email)
		if email == "" {
			continue
		}
		acc := stub.AddAccount(email, "gmail")
		log.Info().Str("account", acc.ID).Str("email", acc.Email).Msg("Preloaded account")
	}

	if *expireAfter > 0 {
		time.AfterFunc(*expireAfter, func() {
			stub.ExpireAll()
			log.Warn().Msg("All account tokens expired")
		})
	}

	if *startupDelay > 0 {
		log.Info().Dur("delay", *startupDelay).Msg("Delaying startup")
		time.Sleep(*startupDelay)
	}

	if err := stub.Start(net.JoinHostPort(*host, port)); err != nil {
		log.Fatal().Err(err).Msg("Server failed to start")
	}

	os.Exit(0)
}

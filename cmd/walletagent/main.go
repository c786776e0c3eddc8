package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/harun/walletagent/internal/cli"
)

func main() {
	// optional; real environment variables take precedence
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

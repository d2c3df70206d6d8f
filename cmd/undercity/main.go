package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/undercity-dev/undercity/internal/cmd"
)

func main() {
	// A repo-local .env may carry ANTHROPIC_API_KEY and friends.
	_ = godotenv.Load()

	os.Exit(cmd.Execute())
}

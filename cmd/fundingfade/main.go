package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"funding-fade/internal/cli"
)

func main() {
	// .env is optional; FUNDINGFADE_* variables may come from the environment
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	cli.Execute()
}

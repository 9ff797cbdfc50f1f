// deimos-test drives conformance runs against an offer-based master.
package main

import (
	"os"

	"github.com/hub-cap/deimos/internal/cli"
	"github.com/joho/godotenv"
)

func main() {
	// A .env beside the binary may carry DEIMOS_TEST_MASTER; absence is
	// not an error.
	_ = godotenv.Load()

	os.Exit(cli.Execute())
}

// migrate applies the embedded SQL migrations: go run ./cmd/migrate [-direction up|down]
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"vouch/cmd/internal/app"
	"vouch/cmd/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	_ = godotenv.Load()

	dsn := app.EnvString("VOUCH_DATABASE_URL", "")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "VOUCH_DATABASE_URL is not set")
		os.Exit(1)
	}

	if err := migrate.Run(dsn, *direction); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

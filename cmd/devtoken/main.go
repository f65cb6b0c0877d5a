// Command devtoken prints a bearer token for local testing.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/suPer8Hu/chat-stream/internal/auth"
	"github.com/suPer8Hu/chat-stream/internal/config"
)

func main() {
	userID := flag.Uint64("user", 1, "user id placed in the token subject")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	cfg := config.Load()
	tok, err := auth.SignJWT(*userID, cfg.JWTSecret, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sign:", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}

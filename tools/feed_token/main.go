// Command feed_token mints subscription tokens for the radar feed.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"driftpursuit/radarcore/internal/auth"
)

func main() {
	secret := flag.String("secret", os.Getenv("RADAR_FEED_SECRET"), "shared feed secret (defaults to RADAR_FEED_SECRET)")
	subject := flag.String("subject", "", "subscriber identity embedded in the token")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "subject flag is required")
		os.Exit(1)
	}
	verifier, err := auth.NewVerifier(*secret, auth.FeedAudience, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	token, err := verifier.Sign(auth.Claims{Subject: *subject, ExpiresAt: time.Now().Add(*ttl)})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	fmt.Println(token)
}

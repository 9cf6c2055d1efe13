// Command issue-token signs an owner token for operators and smoke tests.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"liveroom/internal/auth"
)

func main() {
	var (
		secret string
		userID string
		name   string
		issuer string
		ttl    time.Duration
	)

	flag.StringVar(&secret, "jwt-secret", "", "HS256 secret shared with the server (defaults to LIVEROOM_JWT_SECRET)")
	flag.StringVar(&userID, "user", "", "user id placed in the token subject")
	flag.StringVar(&name, "name", "", "display name carried in the token")
	flag.StringVar(&issuer, "issuer", "", "override the token issuer")
	flag.DurationVar(&ttl, "ttl", 0, "token lifetime")
	flag.Parse()

	if strings.TrimSpace(secret) == "" {
		secret = os.Getenv("LIVEROOM_JWT_SECRET")
	}
	if strings.TrimSpace(secret) == "" {
		fatalf("--jwt-secret or LIVEROOM_JWT_SECRET is required")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		fatalf("--user is required")
	}
	if ttl < 0 {
		fatalf("--ttl cannot be negative")
	}

	var opts []auth.Option
	if issuer != "" {
		opts = append(opts, auth.WithIssuer(issuer))
	}
	if ttl > 0 {
		opts = append(opts, auth.WithTTL(ttl))
	}
	tokens, err := auth.NewTokens(secret, opts...)
	if err != nil {
		fatalf("configure tokens: %v", err)
	}
	token, expires, err := tokens.Issue(userID, strings.TrimSpace(name))
	if err != nil {
		fatalf("issue token: %v", err)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "Token for %s expires at %s.\n", userID, expires.UTC().Format(time.RFC3339))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/service"
)

// dev-token prints a signed JWT for local testing against a server that
// shares JWT_SECRET.
func main() {
	var (
		tokenType   string
		userID      int
		permissions string
	)
	flag.StringVar(&tokenType, "type", "student", "Token type: student or admin")
	flag.IntVar(&userID, "user", 0, "User ID (required)")
	flag.StringVar(&permissions, "perms", "", "Comma-separated admin permissions; \"all\" grants every permission")
	flag.Parse()

	if userID <= 0 {
		fmt.Fprintln(os.Stderr, "Error: -user must be a positive number")
		os.Exit(2)
	}

	tt := service.TokenType(tokenType)
	if tt != service.TokenTypeStudent && tt != service.TokenTypeAdmin {
		fmt.Fprintln(os.Stderr, "Error: -type must be student or admin")
		os.Exit(2)
	}

	var perms []string
	switch {
	case permissions == "all":
		for _, p := range model.AllPermissions {
			perms = append(perms, string(p))
		}
	case permissions != "":
		for _, p := range strings.Split(permissions, ",") {
			if p = strings.TrimSpace(p); p != "" {
				perms = append(perms, p)
			}
		}
	}
	if tt == service.TokenTypeStudent && len(perms) > 0 {
		fmt.Fprintln(os.Stderr, "Error: permissions only apply to admin tokens")
		os.Exit(2)
	}

	cfg := config.Load()
	token, err := service.NewAuthService(cfg).Generate(tt, userID, perms)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

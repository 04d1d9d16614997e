package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/gosuda/toolaudit/internal/auth"
)

// runToken prints a signed ops API token:
//
//	toolaudit token -sub alice -role agent -ttl 720h
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("sub", "", "user the token is issued to")
	role := fs.String("role", auth.RoleAgent, "admin, agent or viewer")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	secret := os.Getenv("TOOLAUDIT_OPS_JWT_SECRET")
	if secret == "" {
		return errors.New("TOOLAUDIT_OPS_JWT_SECRET is required")
	}
	if *subject == "" {
		return errors.New("-sub is required")
	}

	tok, err := auth.IssueToken(secret, *subject, *role, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

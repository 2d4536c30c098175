package main

import (
	"fmt"
	"os"
	"strconv"

	waveline "github.com/waveline-im/waveline-go"
)

// getClient creates a Waveline client from the stored config. Environment
// variables override the config file.
func getClient() *waveline.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	token := os.Getenv("WAVELINE_TOKEN")
	if token == "" {
		token = cfg.Auth.Token
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'waveline login <token> --user <id>' first.")
		os.Exit(1)
	}

	opts := []waveline.ClientOption{waveline.WithLogger(logger)}
	baseURL := os.Getenv("WAVELINE_BASE_URL")
	if baseURL == "" {
		baseURL = cfg.Default.BaseURL
	}
	if baseURL != "" {
		opts = append(opts, waveline.WithBaseURL(baseURL))
	}

	return waveline.NewClient(token, opts...)
}

// getSelfID returns the configured account id.
func getSelfID() waveline.UserID {
	if v := os.Getenv("WAVELINE_USER_ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid WAVELINE_USER_ID: %v\n", err)
			os.Exit(1)
		}
		return waveline.UserID(n)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.UserID == 0 {
		fmt.Fprintln(os.Stderr, "No account id. Run 'waveline login <token> --user <id>' first.")
		os.Exit(1)
	}
	return waveline.UserID(cfg.Auth.UserID)
}

// parseUserID parses a positional user id argument.
func parseUserID(arg string) (waveline.UserID, error) {
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid user id %q", arg)
	}
	return waveline.UserID(n), nil
}

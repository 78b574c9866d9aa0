package firewall

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Verification targets: one host that must be blocked, one that must not.
var (
	BlockedProbeURL = "https://example.com"
	AllowedProbeURL = "https://api.github.com/zen"
)

// VerifyHTTPS checks the installed rules from inside the container.
func VerifyHTTPS(ctx context.Context) error {
	client := &http.Client{Timeout: 5 * time.Second}
	if err := probeURL(ctx, client, BlockedProbeURL); err == nil {
		return fmt.Errorf("reached %s, which should be blocked", BlockedProbeURL)
	}
	if err := probeURL(ctx, client, AllowedProbeURL); err != nil {
		return fmt.Errorf("could not reach %s: %w", AllowedProbeURL, err)
	}
	return nil
}

func probeURL(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

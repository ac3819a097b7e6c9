// Package browser opens the user's default web browser at a URL. It is the
// Go-native stand-in for a popup window: there's no window object to open in
// a CLI process, so this launches the same browser a popup would have used,
// pointed at a local callback server instead of an in-page route.
package browser

import (
	"fmt"
	"log/slog"
	"net/url"
	"os/exec"
	"runtime"
)

// browserLauncher starts the OS command that opens a browser. It is a
// package variable so tests can replace it and assert on the command without
// actually spawning a browser.
var browserLauncher = func(cmd *exec.Cmd) error {
	return cmd.Start()
}

// Open launches the default browser at urlStr, logging the attempt as a
// SECURITY_AUDIT event: launching a browser at an authorization URL is a
// security-relevant lifecycle moment the same way a token issue or refresh
// is, so it gets the same audit-log treatment. A nil logger falls back to
// slog.Default().
//
// Only http/https URLs are accepted; anything else is rejected before it
// reaches exec.Command, closing off command-injection via a crafted
// authorization URL.
func Open(urlStr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if urlStr == "" {
		return fmt.Errorf("url cannot be empty")
	}

	parsed, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid url scheme %q: only http and https are allowed", parsed.Scheme)
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", urlStr)
	case "darwin":
		cmd = exec.Command("open", urlStr)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", urlStr)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	if err := browserLauncher(cmd); err != nil {
		logger.Warn("SECURITY_AUDIT: browser launch failed, authorization URL was not opened automatically",
			"host", parsed.Host, "os", runtime.GOOS, "error", err)
		return fmt.Errorf("launch browser: %w", err)
	}
	logger.Info("SECURITY_AUDIT: opened browser for authorization", "host", parsed.Host, "os", runtime.GOOS)
	return nil
}

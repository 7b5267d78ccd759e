package tools

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/khoj-ai/pipali/pkg/confirm"
	"github.com/khoj-ai/pipali/pkg/models"
)

// sensitiveSegments are path components that mark a file or directory as
// credential-bearing. Matching is per segment, not substring.
var sensitiveSegments = map[string]bool{
	".ssh":             true,
	".aws":             true,
	".gnupg":           true,
	".kube":            true,
	".netrc":           true,
	".npmrc":           true,
	".pgpass":          true,
	".docker":          true,
	".git-credentials": true,
	"credentials":      true,
	"id_rsa":           true,
	"id_ed25519":       true,
}

// isSensitivePath reports whether any segment of the path is in the
// sensitive set.
func isSensitivePath(path string) bool {
	clean := filepath.Clean(path)
	for _, seg := range strings.Split(clean, string(filepath.Separator)) {
		if sensitiveSegments[strings.ToLower(seg)] {
			return true
		}
	}
	return false
}

// isInternalURL reports whether the URL targets the local host, a private
// network, or the cloud metadata endpoint.
func isInternalURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
		return true
	}
	// Cloud metadata endpoint, also covered by link-local but kept explicit.
	return ip.Equal(net.IPv4(169, 254, 169, 254))
}

// confirmSensitive gates a sensitive operation. When no confirmation channel
// exists the operation is denied outright.
func confirmSensitive(ctx context.Context, confirmer Confirmer, operation, target, detail string) error {
	if confirmer == nil {
		return fmt.Errorf("%s denied: %s is sensitive and no confirmation channel is available", operation, target)
	}
	decision, err := confirmer.RequestOperationConfirmation(ctx, &models.ConfirmationRequest{
		Operation: operation,
		Title:     fmt.Sprintf("Allow %s?", operation),
		Message:   detail,
		Context: models.ConfirmationContext{
			ToolName:      operation,
			ToolArgs:      map[string]any{"target": target},
			AffectedFiles: []string{target},
			RiskLevel:     confirm.DefaultRisk(operation),
		},
	})
	if err != nil {
		return err
	}
	if !decision.Approved {
		reason := decision.DenialReason
		if reason == "" {
			reason = "denied by user"
		}
		return fmt.Errorf("%s denied: %s", operation, reason)
	}
	return nil
}

package keypool

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FormatType selects how FormatTrail renders a trail.
type FormatType string

const (
	FormatText FormatType = "text"
	FormatJSON FormatType = "json"
)

// FormatTrail renders trail as an ASCII tree or as indented JSON.
func FormatTrail(trail *AuditTrail, format FormatType) (string, error) {
	if trail == nil {
		return "", fmt.Errorf("no trail to format")
	}
	switch format {
	case FormatText:
		return formatTrailAsText(trail), nil
	case FormatJSON:
		bytes, err := json.MarshalIndent(trail, "", "  ")
		if err != nil {
			return "", err
		}
		return string(bytes), nil
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

// formatTrailAsText formats the trail as an ASCII tree, one branch per attempt.
func formatTrailAsText(t *AuditTrail) string {
	var sb strings.Builder
	id := t.ID
	if len(id) > 8 {
		id = id[:8]
	}
	fmt.Fprintf(&sb, "Audit Trail %s (calls=%d, tokens(in=%d,out=%d), keys=%d, duration=%s)\n",
		id, t.TotalCalls, t.TotalInputTokens, t.TotalOutputTokens, len(t.KeysUsed), t.Duration.Round(time.Millisecond))

	for i, a := range t.Attempts {
		connector := "├─ "
		if i == len(t.Attempts)-1 {
			connector = "└─ "
		}
		fmt.Fprintf(&sb, "  %s%s\n", connector, formatAttemptInfo(i+1, a))
	}
	return sb.String()
}

// formatAttemptInfo formats information for a single attempt.
func formatAttemptInfo(n int, a Attempt) string {
	details := []string{}
	if a.KeyPrefix != "" {
		details = append(details, "key="+a.KeyPrefix)
	}
	if a.InputTokens > 0 || a.OutputTokens > 0 {
		details = append(details, fmt.Sprintf("tokens(in=%d,out=%d)", a.InputTokens, a.OutputTokens))
	}
	details = append(details, a.Duration.Round(time.Millisecond).String())
	if a.ErrorKind != "" {
		details = append(details, "error="+a.ErrorKind)
	}
	return fmt.Sprintf("#%d %s (%s)", n, a.Status, strings.Join(details, ", "))
}

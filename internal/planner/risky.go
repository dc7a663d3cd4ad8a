package planner

import (
	"regexp"
	"strings"

	"github.com/metalagman/deskloop/internal/model"
)

var riskyPatterns = []struct {
	reason string
	re     *regexp.Regexp
}{
	{"recursive delete", regexp.MustCompile(`(?i)\brm\s+-[a-z]*[rf]`)},
	{"disk format", regexp.MustCompile(`(?i)\b(mkfs|diskutil\s+erase|format\s+[a-z]:)`)},
	{"raw disk write", regexp.MustCompile(`(?i)\bdd\s+if=`)},
	{"power off", regexp.MustCompile(`(?i)\b(shutdown|reboot|poweroff|halt)\b`)},
	{"privilege escalation", regexp.MustCompile(`(?i)\bsudo\b`)},
	{"destructive sql", regexp.MustCompile(`(?i)\b(drop\s+(table|database)|truncate\s+table)\b`)},
	{"credential entry", regexp.MustCompile(`(?i)\b(password|passwd|passcode|api[_ ]?key|secret)\b`)},
	{"payment", regexp.MustCompile(`(?i)\b(checkout|purchase|pay\s+now|place\s+order|credit\s+card)\b`)},
}

// IsRisky reports whether any part of plan matches a risky action pattern.
func IsRisky(plan model.ActionPlan) (string, bool) {
	text := strings.Join([]string{plan.PlanCode, plan.GroundedCode, plan.Request}, "\n")
	for _, p := range riskyPatterns {
		if p.re.MatchString(text) {
			return p.reason, true
		}
	}
	return "", false
}

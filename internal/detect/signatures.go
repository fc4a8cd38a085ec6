package detect

import (
	"regexp"

	"github.com/custodian-project/custodian/internal/core"
)

// Signature is one entry in the ordered threat table. First match wins, so
// more specific patterns must appear before broader ones.
type Signature struct {
	Name     string
	Category core.ThreatCategory
	Severity core.Severity
	Regex    *regexp.Regexp
}

func compileSignatures() []Signature {
	return []Signature{
		// Windows event log clearing
		{Name: "wevtutil_clear", Category: core.CategoryLogClearing, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)\bwevtutil(\.exe)?\s+(cl|clear-log)\b`)},
		{Name: "powershell_clear_eventlog", Category: core.CategoryLogClearing, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)\bclear-eventlog\b`)},
		{Name: "eventlog_service_stop", Category: core.CategoryLogClearing, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)\b(net\s+stop|sc\s+stop)\s+eventlog\b`)},

		// Shadow copy destruction
		{Name: "vssadmin_delete", Category: core.CategoryShadowCopyDelete, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)\bvssadmin(\.exe)?\s+delete\s+shadows\b`)},
		{Name: "wmic_shadowcopy_delete", Category: core.CategoryShadowCopyDelete, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)\bshadowcopy\s+delete\b`)},
		{Name: "vssadmin_resize", Category: core.CategoryShadowCopyDelete, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)\bvssadmin(\.exe)?\s+resize\s+shadowstorage\b`)},

		// Unix log destruction
		{Name: "rm_var_log", Category: core.CategoryLogClearing, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)\brm\s+(-[rf]+\s+)*/var/log\b`)},
		{Name: "auditctl_flush", Category: core.CategoryLogClearing, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)\bauditctl\s+-D\b`)},
		{Name: "journalctl_vacuum", Category: core.CategoryLogClearing, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)\bjournalctl\s+--vacuum`)},
		{Name: "macos_log_erase", Category: core.CategoryLogClearing, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)\blog\s+erase\b`)},
		{Name: "truncate_log", Category: core.CategoryLogClearing, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(>\s*/var/log/|\btruncate\s+(-s\s*0\s+)?/var/log/)`)},

		// Secure deletion
		{Name: "cipher_wipe", Category: core.CategorySecureDeletion, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)\bcipher(\.exe)?\s+/w\b`)},
		{Name: "sdelete", Category: core.CategorySecureDeletion, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)\bsdelete(64)?(\.exe)?\b`)},
		{Name: "shred", Category: core.CategorySecureDeletion, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)\bshred\s+`)},
		{Name: "srm", Category: core.CategorySecureDeletion, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)\bsrm\s+`)},
		{Name: "dd_zero_device", Category: core.CategorySecureDeletion, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)\bdd\s+if=/dev/(zero|urandom)\s+of=/dev/`)},

		// Credential access
		{Name: "mimikatz", Category: core.CategoryCredentialAccess, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)\bmimikatz\b|sekurlsa::`)},
		{Name: "procdump_lsass", Category: core.CategoryCredentialAccess, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)\bprocdump(64)?(\.exe)?\b.*\blsass\b`)},
		{Name: "shadow_file_read", Category: core.CategoryCredentialAccess, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)\b(cat|cp|strings)\s+/etc/shadow\b`)},
		{Name: "reg_save_sam", Category: core.CategoryCredentialAccess, Severity: core.SeverityCritical,
			Regex: regexp.MustCompile(`(?i)\breg(\.exe)?\s+save\s+hklm\\(sam|security|system)\b`)},

		// History clearing
		{Name: "history_clear", Category: core.CategoryHistoryClearing, Severity: core.SeverityMedium,
			Regex: regexp.MustCompile(`(?i)\bhistory\s+-c\b`)},
		{Name: "histfile_unset", Category: core.CategoryHistoryClearing, Severity: core.SeverityMedium,
			Regex: regexp.MustCompile(`(?i)\b(unset\s+histfile|histsize=0|rm\s+(-f\s+)?~?/?\.?bash_history)\b`)},
		{Name: "powershell_clear_history", Category: core.CategoryHistoryClearing, Severity: core.SeverityMedium,
			Regex: regexp.MustCompile(`(?i)\bclear-history\b`)},

		// Boot configuration tampering
		{Name: "bcdedit_recovery", Category: core.CategoryBootConfig, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)\bbcdedit(\.exe)?\b.*\b(recoveryenabled|bootstatuspolicy)\b`)},
		{Name: "bcdedit", Category: core.CategoryBootConfig, Severity: core.SeverityMedium,
			Regex: regexp.MustCompile(`(?i)\bbcdedit(\.exe)?\b`)},

		// Timestamp manipulation
		{Name: "timestomp", Category: core.CategoryTimestomping, Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)\btimestomp\b`)},
		{Name: "touch_backdate", Category: core.CategoryTimestomping, Severity: core.SeverityMedium,
			Regex: regexp.MustCompile(`(?i)\btouch\s+-t\s+\d{8,}`)},
	}
}

// worthAskingKeywords is the broader second tier: payloads containing any of
// these but matching no signature are worth an oracle opinion. Everything
// else terminates as benign without an oracle call.
var worthAskingKeywords = []string{
	"wevtutil",
	"vssadmin",
	"cipher",
	"bcdedit",
	"shred",
	"sdelete",
	"journalctl",
	"auditctl",
	"lsass",
	"wipe",
	"erase",
	"forensic",
	"eventlog",
	"event log",
	"del /f",
	"format c:",
	"fsutil usn deletejournal",
	"reg delete",
	"/var/log",
	"bash_history",
	"shadow",
}

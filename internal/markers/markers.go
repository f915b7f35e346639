// Package markers extracts the textual signals agents emit in stdout —
// developer completion, commit SHAs, build-check results, judge and
// conflict-resolver verdicts. These are hints only; Git remains the
// source of truth for "what actually happened".
package markers

import "regexp"

// markdownDecoration (applied by normalize) matches the
// bold/header/blockquote/bullet decoration the
// spec says the extractor must tolerate, so `**✅ APPROVED**` and
// `# ✅ APPROVED` match the same as a bare line. Underscores are left
// alone: marker literals (DEVELOPER_FINISHED_SUCCESSFULLY) use them as
// word separators, not as markdown emphasis.
var markdownDecoration = regexp.MustCompile(`(^|\n)[ \t]*[#>-]+[ \t]*|\*{1,2}`)

func normalize(output string) string {
	return markdownDecoration.ReplaceAllString(output, "$1")
}

var (
	developerSuccessRe = regexp.MustCompile(`✅\s*(DEVELOPER_)?FINISHED_SUCCESSFULLY`)
	developerFailedRe  = regexp.MustCompile(`❌\s*FAILED`)
	commitSHARe        = regexp.MustCompile(`📍\s*Commit SHA:\s*([0-9a-f]{40})`)
	typecheckPassedRe  = regexp.MustCompile(`✅\s*TYPECHECK_PASSED`)
	testsPassedRe      = regexp.MustCompile(`✅\s*TESTS_PASSED`)
	lintPassedRe       = regexp.MustCompile(`✅\s*LINT_PASSED`)
	buildPassedRe      = regexp.MustCompile(`✅\s*BUILD_PASSED`)
	approvedRe         = regexp.MustCompile(`✅\s*APPROVED`)
	rejectedRe         = regexp.MustCompile(`❌\s*REJECTED`)
	conflictResolvedRe = regexp.MustCompile(`✅\s*CONFLICT_RESOLVED`)
	conflictUnresolvedRe = regexp.MustCompile(`❌\s*CONFLICT_UNRESOLVABLE:\s*(.+)`)
)

// DeveloperFinishedSuccessfully reports whether output carries the
// developer-success marker.
func DeveloperFinishedSuccessfully(output string) bool {
	return developerSuccessRe.MatchString(normalize(output))
}

// DeveloperFailed reports whether output carries the explicit failure marker.
func DeveloperFailed(output string) bool {
	return developerFailedRe.MatchString(normalize(output))
}

// CommitSHA extracts a reported 40-hex commit SHA, or "" if absent. Per
// spec §4.6 Stage B, this is accepted only as a last-resort fallback —
// Git itself is always consulted first.
func CommitSHA(output string) string {
	m := commitSHARe.FindStringSubmatch(normalize(output))
	if m == nil {
		return ""
	}
	return m[1]
}

// BuildCheckResult summarizes which build-check signals were present.
type BuildCheckResult struct {
	TypecheckPassed bool
	TestsPassed     bool
	LintPassed      bool
	BuildPassed     bool
}

// BuildChecks extracts build-verification signals from output.
func BuildChecks(output string) BuildCheckResult {
	n := normalize(output)
	return BuildCheckResult{
		TypecheckPassed: typecheckPassedRe.MatchString(n),
		TestsPassed:     testsPassedRe.MatchString(n),
		LintPassed:      lintPassedRe.MatchString(n),
		BuildPassed:     buildPassedRe.MatchString(n),
	}
}

// JudgeVerdict reports the judge's approve/reject marker, if any.
// ok is false if neither marker is present (structured JSON is the
// primary channel; markers are the textual fallback).
func JudgeVerdict(output string) (approved bool, ok bool) {
	n := normalize(output)
	switch {
	case approvedRe.MatchString(n):
		return true, true
	case rejectedRe.MatchString(n):
		return false, true
	default:
		return false, false
	}
}

// ConflictResolverVerdict reports the conflict resolver's verdict marker.
// reason is populated only when unresolvable.
func ConflictResolverVerdict(output string) (resolved bool, reason string, ok bool) {
	n := normalize(output)
	if conflictResolvedRe.MatchString(n) {
		return true, "", true
	}
	if m := conflictUnresolvedRe.FindStringSubmatch(n); m != nil {
		return false, m[1], true
	}
	return false, "", false
}

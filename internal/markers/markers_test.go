package markers

import "testing"

func TestDeveloperFinishedSuccessfullyToleratesMarkdown(t *testing.T) {
	cases := []string{
		"✅ DEVELOPER_FINISHED_SUCCESSFULLY",
		"**✅ DEVELOPER_FINISHED_SUCCESSFULLY**",
		"# ✅ FINISHED_SUCCESSFULLY",
		"- ✅ FINISHED_SUCCESSFULLY",
	}
	for _, c := range cases {
		if !DeveloperFinishedSuccessfully(c) {
			t.Errorf("DeveloperFinishedSuccessfully(%q) = false, want true", c)
		}
	}
}

func TestDeveloperFailed(t *testing.T) {
	if !DeveloperFailed("❌ FAILED: could not complete story") {
		t.Error("expected FAILED marker to be detected")
	}
	if DeveloperFailed("✅ FINISHED_SUCCESSFULLY") {
		t.Error("did not expect FAILED marker in a success message")
	}
}

func TestCommitSHAExtractsFortyHex(t *testing.T) {
	sha := "abcdef0123456789abcdef0123456789abcdef01"
	out := "📍 Commit SHA: " + sha + "\nsome trailing text"
	got := CommitSHA(out)
	if got != sha {
		t.Errorf("CommitSHA = %q, want %q", got, sha)
	}
}

func TestCommitSHAAbsent(t *testing.T) {
	if got := CommitSHA("no sha reported here"); got != "" {
		t.Errorf("CommitSHA = %q, want empty", got)
	}
}

func TestBuildChecks(t *testing.T) {
	out := "✅ TYPECHECK_PASSED\n✅ TESTS_PASSED\n❌ LINT failed\n"
	got := BuildChecks(out)
	if !got.TypecheckPassed || !got.TestsPassed {
		t.Errorf("got %+v, want typecheck and tests passed", got)
	}
	if got.LintPassed || got.BuildPassed {
		t.Errorf("got %+v, want lint and build not passed", got)
	}
}

func TestJudgeVerdict(t *testing.T) {
	approved, ok := JudgeVerdict("**✅ APPROVED**\nlooks good")
	if !ok || !approved {
		t.Errorf("approved=%v ok=%v, want true true", approved, ok)
	}
	approved, ok = JudgeVerdict("❌ REJECTED: missing tests")
	if !ok || approved {
		t.Errorf("approved=%v ok=%v, want false true", approved, ok)
	}
	_, ok = JudgeVerdict("no verdict marker here")
	if ok {
		t.Error("expected ok=false when no marker present")
	}
}

func TestConflictResolverVerdict(t *testing.T) {
	resolved, reason, ok := ConflictResolverVerdict("✅ CONFLICT_RESOLVED")
	if !ok || !resolved || reason != "" {
		t.Errorf("got resolved=%v reason=%q ok=%v", resolved, reason, ok)
	}
	resolved, reason, ok = ConflictResolverVerdict("❌ CONFLICT_UNRESOLVABLE: semantic merge impossible")
	if !ok || resolved || reason != "semantic merge impossible" {
		t.Errorf("got resolved=%v reason=%q ok=%v", resolved, reason, ok)
	}
}

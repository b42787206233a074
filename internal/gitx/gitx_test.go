package gitx

import (
	"context"
	"strings"
	"testing"
)

func TestCommitTypePrefix(t *testing.T) {
	cases := map[string]string{
		"feat: add parser":          "feat",
		"fix(api): null deref":      "fix",
		"feat!: breaking rename":    "feat",
		"chore: bump deps":          "chore",
		"plain subject without tag": "",
		"weird : spaced":            "weird",
		"not a type: really":        "",
	}
	for subject, want := range cases {
		if got := CommitTypePrefix(subject); got != want {
			t.Fatalf("CommitTypePrefix(%q) = %q, want %q", subject, got, want)
		}
	}
}

func TestClientParsesPlumbingOutput(t *testing.T) {
	c := New()
	c.Run = func(_ context.Context, _ string, args ...string) (string, error) {
		joined := strings.Join(args, " ")
		switch {
		case joined == "rev-parse HEAD":
			return "deadbeefcafe", nil
		case strings.HasPrefix(joined, "rev-list") && strings.Contains(joined, ".."):
			return "15", nil
		case strings.HasPrefix(joined, "diff --name-only"):
			return "a.go\nb/c.go\n", nil
		case strings.HasPrefix(joined, "status --porcelain"):
			return " M a.go\n?? new.txt\n", nil
		case strings.HasPrefix(joined, "log -3"):
			return "feat: one\nfix: two\nfeat: three\n", nil
		case strings.HasPrefix(joined, "log -1 --format=%ct"):
			return "1700000000", nil
		}
		return "", nil
	}

	head, err := c.Head("/repo")
	if err != nil || head != "deadbeefcafe" {
		t.Fatalf("head: %q err=%v", head, err)
	}
	count, err := c.CountCommits("/repo", "old", "new")
	if err != nil || count != 15 {
		t.Fatalf("count: %d err=%v", count, err)
	}
	files, err := c.ChangedFiles("/repo", "old", "new")
	if err != nil || len(files) != 2 || files[1] != "b/c.go" {
		t.Fatalf("changed files: %v err=%v", files, err)
	}
	dirty, err := c.UncommittedFiles("/repo")
	if err != nil || len(dirty) != 2 || dirty[0] != "a.go" {
		t.Fatalf("uncommitted: %v err=%v", dirty, err)
	}
	subjects, err := c.RecentSubjects("/repo", 3)
	if err != nil || len(subjects) != 3 {
		t.Fatalf("subjects: %v err=%v", subjects, err)
	}
	when, err := c.LastCommitTime("/repo")
	if err != nil || when != 1700000000 {
		t.Fatalf("commit time: %d err=%v", when, err)
	}
}

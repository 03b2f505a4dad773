package spawn

import (
	"strings"
	"testing"

	"github.com/eren23/attoswarm/internal/models"
)

func TestFormatRetryContext(t *testing.T) {
	rc := &models.RetryContext{
		Feedback:      "missing error handling",
		Score:         2,
		PreviousModel: "model-a",
		PreviousFiles: []string{"a.go", "b.go"},
		Progress:      "3/7 completed",
	}
	out := formatRetryContext(rc)

	for _, want := range []string{"missing error handling", "2/5", "model-a", "a.go, b.go", "3/7 completed"} {
		if !strings.Contains(out, want) {
			t.Errorf("retry context missing %q:\n%s", want, out)
		}
	}
}

func TestParseClosure(t *testing.T) {
	out := `did the work.
{"closure": {"summary": "done", "files_touched": ["x.go"], "remaining": []}}`
	c := parseClosure(out)
	if c == nil {
		t.Fatal("closure not parsed")
	}
	if c.Summary != "done" || len(c.FilesTouched) != 1 {
		t.Errorf("closure fields wrong: %+v", c)
	}

	if parseClosure("no closure here") != nil {
		t.Error("absent closure should parse as nil")
	}
	if parseClosure(`{"closure": broken`) != nil {
		t.Error("broken closure should parse as nil")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 3); got != "abc..." {
		t.Errorf("got %q", got)
	}
	if got := truncate("ab", 3); got != "ab" {
		t.Errorf("got %q", got)
	}
}

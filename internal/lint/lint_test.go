package lint

import (
	"strings"
	"testing"
)

func messages(ws []Warning) string {
	var out []string
	for _, w := range ws {
		out = append(out, w.String())
	}
	return strings.Join(out, "\n")
}

func TestCheckClean(t *testing.T) {
	for _, expr := range []string{
		"* * * * *",
		"*/15 * * * *",
		"0 9-17 * * 1-5",
		"30 2 1 1,6 *",
		"0-30/10 * * * *",
	} {
		if ws := Check(expr); len(ws) != 0 {
			t.Errorf("Check(%q) = \n%s\nwant no warnings", expr, messages(ws))
		}
	}
}

func TestCheckWarnings(t *testing.T) {
	tests := []struct {
		expr string
		want []string
	}{
		{"0 0 */5 * *", []string{
			`day: "*/5" counts from 0, not 1`,
			"day: expands to [5 10 15 20 25 30], standard cron expands to [1 6 11 16 21 26 31]",
		}},
		{"1-5,30 * * * *", []string{
			`minute: items after "1-5" are ignored: 30`,
			"minute: expands to [1 2 3 4 5], standard cron expands to [1 2 3 4 5 30]",
		}},
		{"60 * * * *", []string{
			"minute: 60 folds to 0",
			"standard cron rejects this expression",
		}},
		{"0 0 13 * 5", []string{
			"day and dow are both restricted",
		}},
		{"0 0 0 * *", []string{
			"day: 0 is outside 1-31 and is dropped",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := messages(Check(tt.expr))
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("Check(%q) missing %q in:\n%s", tt.expr, w, got)
				}
			}
		})
	}
}

func TestCheckUnparseable(t *testing.T) {
	if ws := Check("not a cron"); ws != nil {
		t.Fatalf("Check on invalid expression = %v, want nil", ws)
	}
}

package tools

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
)

func staticTool(name, desc string) Tool {
	return Func(name, desc, func(context.Context, string) (string, error) { return name + " context", nil })
}

func TestMenuPrompt(t *testing.T) {
	m, err := NewMenu([]Tool{
		staticTool("search", "Search the internet"),
		staticTool("lookup", "Lookup more information about a topic"),
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "From the list of tools below:\n" +
		"- Reply ONLY with the number of the tool appropriate in response to the user's last message.\n" +
		"- If no tool is appropriate, ONLY reply with \"0\".\n\n" +
		"1. Search the internet\n" +
		"2. Lookup more information about a topic"
	if got := m.Prompt(); got != want {
		t.Errorf("Prompt() =\n%s\nwant\n%s", got, want)
	}
}

func TestMenuSelectionScenario(t *testing.T) {
	m, _ := NewMenu([]Tool{
		staticTool("search", "Search the internet"),
		staticTool("lookup", "Lookup more information about a topic"),
	})

	idx, err := ParseSelection("1", m.Len())
	if err != nil || idx != 1 {
		t.Fatalf("ParseSelection(1) = %d, %v", idx, err)
	}
	if tool, ok := m.Tool(idx); !ok || tool.Name() != "search" {
		t.Errorf("index 1 should map to the first descriptor")
	}

	idx, err = ParseSelection("0", m.Len())
	if err != nil || idx != 0 {
		t.Errorf("ParseSelection(0) = %d, %v", idx, err)
	}
	if _, ok := m.Tool(0); ok {
		t.Error("index 0 must not map to a tool")
	}

	for d := 3; d <= 9; d++ {
		if _, err := ParseSelection(strconv.Itoa(d), m.Len()); !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("ParseSelection(%d) err = %v, want ErrIndexOutOfRange", d, err)
		}
	}
}

func TestParseSelectionAllMenuSizes(t *testing.T) {
	for n := 1; n <= MaxTools; n++ {
		for _, d := range Digits {
			idx, err := ParseSelection(d, n)
			v, _ := strconv.Atoi(d)
			switch {
			case v <= n:
				if err != nil || idx != v {
					t.Errorf("n=%d digit=%s: got %d, %v", n, d, idx, err)
				}
			default:
				if !errors.Is(err, ErrIndexOutOfRange) {
					t.Errorf("n=%d digit=%s: err = %v, want out of range", n, d, err)
				}
			}
		}
	}
}

func TestParseSelectionNotADigit(t *testing.T) {
	for _, raw := range []string{"", "a", "one", "1."} {
		if _, err := ParseSelection(raw, 3); !errors.Is(err, ErrNotADigit) {
			t.Errorf("ParseSelection(%q) err = %v, want ErrNotADigit", raw, err)
		}
	}
	if idx, err := ParseSelection(" 2\n", 3); err != nil || idx != 2 {
		t.Errorf("whitespace should be trimmed: %d, %v", idx, err)
	}
}

func TestValidate(t *testing.T) {
	many := make([]Tool, MaxTools+1)
	for i := range many {
		many[i] = staticTool("t"+strconv.Itoa(i), "tool")
	}
	if err := Validate(many); !errors.Is(err, ErrTooManyTools) {
		t.Errorf("err = %v, want ErrTooManyTools", err)
	}
	if err := Validate(many[:MaxTools]); err != nil {
		t.Errorf("nine tools should be accepted: %v", err)
	}
	if err := Validate(nil); !errors.Is(err, ErrNoTools) {
		t.Errorf("err = %v, want ErrNoTools", err)
	}
	if err := Validate([]Tool{staticTool("x", "  ")}); !errors.Is(err, ErrNoDescription) {
		t.Errorf("err = %v, want ErrNoDescription", err)
	}
}

func TestSelectionParamsAndInjection(t *testing.T) {
	p := SelectionParams()
	if p.Temperature == nil || *p.Temperature != 0 || p.MaxTokens != 1 {
		t.Errorf("params = %+v", p)
	}
	if len(Digits) != 10 || Digits[0] != "0" || Digits[9] != "9" {
		t.Errorf("digits = %v", Digits)
	}
	if got := InjectContext("Paris is in France.", "where is paris?"); got != "Context: Paris is in France.\n\nUser: where is paris?" {
		t.Errorf("InjectContext = %q", got)
	}
	if !strings.HasPrefix(ContextInstruction, "\n\nYou MUST use") {
		t.Errorf("ContextInstruction = %q", ContextInstruction)
	}
}

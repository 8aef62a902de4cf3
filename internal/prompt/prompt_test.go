package prompt

import "testing"

func TestParseVariables(t *testing.T) {
	vars := ParseVariables("GREETING=hello\n# comment\n\nNAME=world\nGREETING=hi")
	if vars["GREETING"] != "hi" {
		t.Errorf("last value should win, got %q", vars["GREETING"])
	}
	if vars["NAME"] != "world" {
		t.Errorf("NAME = %q", vars["NAME"])
	}
}

func TestParseVariables_MalformedLinesDropped(t *testing.T) {
	vars := ParseVariables("GOOD=1\nthis is not a pair\nALSO_GOOD=2")
	if vars["GOOD"] != "1" || vars["ALSO_GOOD"] != "2" {
		t.Errorf("valid lines lost: %v", vars)
	}
	if len(vars) != 2 {
		t.Errorf("malformed line produced an entry: %v", vars)
	}
}

func TestParseVariables_QuotedValues(t *testing.T) {
	vars := ParseVariables(`MOTTO="be kind"`)
	if vars["MOTTO"] != "be kind" {
		t.Errorf("MOTTO = %q", vars["MOTTO"])
	}
}

func TestRender(t *testing.T) {
	vars := map[string]string{"name": "Ada", "role": "engineer"}

	tests := []struct {
		template string
		want     string
	}{
		{"You are {{name}}.", "You are Ada."},
		{"You are {{ name }}, a {{  role  }}.", "You are Ada, a engineer."},
		{"Missing: {{nothing}}!", "Missing: !"},
		{"No placeholders", "No placeholders"},
	}
	for _, tt := range tests {
		if got := Render(tt.template, vars); got != tt.want {
			t.Errorf("Render(%q) = %q, want %q", tt.template, got, tt.want)
		}
	}
}

func TestResolve(t *testing.T) {
	got := Resolve("Greet with {{GREETING}}", "GREETING=ahoy")
	if got != "Greet with ahoy" {
		t.Errorf("Resolve() = %q", got)
	}
}

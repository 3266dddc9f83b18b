package pipeline

import (
	"strings"
	"testing"
	"time"
)

func testVars() map[string]any {
	return map[string]any{
		"now": "2026-01-05T10:00:00Z",
		"params": map[string]any{
			"base_url": "https://api.example.com",
			"debug":    true,
			"note":     nil,
		},
		"steps": map[string]any{
			"init": map[string]any{"page": float64(3)},
			"fetch": map[string]any{
				"status": float64(200),
				"body": map[string]any{
					"items": []any{
						map[string]any{"id": "a1"},
						map[string]any{"id": "b2"},
					},
				},
			},
		},
		"task":    map[string]any{"id": "t-1", "name": "sync"},
		"run":     map[string]any{"id": "r-1", "attempt": 1},
		"trigger": map[string]any{"kind": "schedule"},
	}
}

func TestRenderEmbedded(t *testing.T) {
	vars := testVars()
	cases := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"${params.base_url}/items?page=${steps.init.page}", "https://api.example.com/items?page=3"},
		{"debug=${params.debug}", "debug=true"},
		{"note=[${params.note}]", "note=[]"},
		{"first=${steps.fetch.body.items[0].id}", "first=a1"},
		{"at ${now}", "at 2026-01-05T10:00:00Z"},
		{"til ${now+1h30m}", "til 2026-01-05T11:30:00Z"},
		{"from ${now-1d}", "from 2026-01-04T10:00:00Z"},
		{"cost: $${params.debug}", "cost: ${params.debug}"},
		{"obj=${steps.init}", `obj={"page":3}`},
	}
	for _, tc := range cases {
		got, err := renderString(tc.in, vars)
		if err != nil {
			t.Fatalf("render %q: %v", tc.in, err)
		}
		if got != any(tc.want) {
			t.Fatalf("render %q = %#v, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRenderNativeTypes(t *testing.T) {
	vars := testVars()

	v, err := renderString("${steps.init.page}", vars)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if n, ok := v.(float64); !ok || n != 3 {
		t.Fatalf("whole-string number = %#v, want float64(3)", v)
	}

	v, err = renderString("${params.debug}", vars)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if b, ok := v.(bool); !ok || !b {
		t.Fatalf("whole-string bool = %#v, want true", v)
	}

	v, err = renderString("${params.note}", vars)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if v != nil {
		t.Fatalf("whole-string null = %#v, want nil", v)
	}

	v, err = renderString("${steps.fetch.body.items}", vars)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		t.Fatalf("whole-string array = %#v, want 2-element slice", v)
	}

	v, err = renderString("${now}", vars)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if v != any("2026-01-05T10:00:00Z") {
		t.Fatalf("whole-string now = %#v", v)
	}
}

func TestRenderErrors(t *testing.T) {
	vars := testVars()
	cases := []struct{ in, wantSub string }{
		{"${steps.missing.value}", "not defined"},
		{"${steps.fetch.body.items[9].id}", "out of range"},
		{"${params.base_url.deep}", "non-object"},
		{"${steps.fetch.body[0]}", "non-array"},
		{"${steps.init.page", "unterminated"},
		{"${}", "empty placeholder"},
		{"${now+oops}", "bad now offset"},
		{"${steps..x}", "empty segment"},
	}
	for _, tc := range cases {
		_, err := renderString(tc.in, vars)
		if err == nil {
			t.Fatalf("render %q: expected error", tc.in)
		}
		if !strings.Contains(err.Error(), tc.wantSub) {
			t.Fatalf("render %q: error %q does not mention %q", tc.in, err, tc.wantSub)
		}
	}
}

func TestRenderWithDeterministic(t *testing.T) {
	vars := testVars()
	with := map[string]any{
		"url":  "${params.base_url}/items",
		"page": "${steps.init.page}",
		"inner": map[string]any{
			"ids": []any{"${steps.fetch.body.items[1].id}", "literal"},
		},
	}

	first, err := RenderWith(with, vars)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	second, err := RenderWith(with, vars)
	if err != nil {
		t.Fatalf("re-render: %v", err)
	}
	if digestJSON(first) != digestJSON(second) {
		t.Fatalf("re-render not identical:\n%v\n%v", first, second)
	}

	if first["page"] != any(float64(3)) {
		t.Fatalf("page = %#v, want 3", first["page"])
	}
	ids := first["inner"].(map[string]any)["ids"].([]any)
	if ids[0] != any("b2") || ids[1] != any("literal") {
		t.Fatalf("ids = %#v", ids)
	}
}

func TestParseNowOffset(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"+5m", 5 * time.Minute},
		{"-1h30m", -(90 * time.Minute)},
		{"+1d", 24 * time.Hour},
		{"+2d12h", 60 * time.Hour},
		{"-30s", -30 * time.Second},
	}
	for _, tc := range cases {
		got, err := parseNowOffset(tc.in)
		if err != nil {
			t.Fatalf("parseNowOffset(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parseNowOffset(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"5m", "+", "+x", "+5q"} {
		if _, err := parseNowOffset(bad); err == nil {
			t.Fatalf("parseNowOffset(%q): expected error", bad)
		}
	}
}

func TestContainsTemplate(t *testing.T) {
	if containsTemplate(map[string]any{"a": "plain", "b": []any{float64(1)}}) {
		t.Fatal("literal object reported as templated")
	}
	if !containsTemplate(map[string]any{"a": map[string]any{"b": []any{"${params.x}"}}}) {
		t.Fatal("nested template not detected")
	}
	// $${ 转义仍包含 ${ 序列，保守视为非字面
	if !containsTemplate(map[string]any{"a": "$${x}"}) {
		t.Fatal("escaped template treated as literal")
	}
}

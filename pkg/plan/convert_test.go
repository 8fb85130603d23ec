package plan

import (
	"reflect"
	"testing"
	"time"

	"go.starlark.net/starlark"

	"github.com/openfroyo/skein/pkg/result"
)

func TestToStarlarkValue_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  any
	}{
		{"nil", nil, nil},
		{"bool", true, true},
		{"int", 7, int64(7)},
		{"float", 1.5, 1.5},
		{"string", "web1", "web1"},
		{"string slice", []string{"a", "b"}, []any{"a", "b"}},
		{"string map", map[string]string{"K": "v"}, map[string]any{"K": "v"}},
		{
			"nested",
			map[string]any{"os": map[string]any{"family": "debian", "release": []any{12, "bookworm"}}},
			map[string]any{"os": map[string]any{"family": "debian", "release": []any{int64(12), "bookworm"}}},
		},
		{"duration", 2 * time.Second, "2s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sv, err := toStarlarkValue(tt.input)
			if err != nil {
				t.Fatalf("toStarlarkValue: %v", err)
			}
			got, err := fromStarlarkValue(sv)
			if err != nil {
				t.Fatalf("fromStarlarkValue: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %#v, got %#v", tt.want, got)
			}
		})
	}
}

func TestToStarlarkValue_Error(t *testing.T) {
	err := result.NewError(result.KindConnect, "refused", nil).WithIssueCode(result.IssueConnect)
	sv, convErr := toStarlarkValue(err)
	if convErr != nil {
		t.Fatalf("toStarlarkValue: %v", convErr)
	}
	got, convErr := fromStarlarkValue(sv)
	if convErr != nil {
		t.Fatalf("fromStarlarkValue: %v", convErr)
	}
	want := map[string]any{"kind": "connect-error", "msg": "refused", "issue_code": result.IssueConnect}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestFromStarlarkValue_Unsupported(t *testing.T) {
	if _, err := fromStarlarkValue(starlark.NewBuiltin("f", nil)); err == nil {
		t.Error("expected error for builtin")
	}

	dict := starlark.NewDict(1)
	if err := dict.SetKey(starlark.MakeInt(1), starlark.True); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if _, err := fromStarlarkValue(dict); err == nil {
		t.Error("expected error for non-string dict key")
	}
}

func TestSplitKwargs(t *testing.T) {
	kwargs := []starlark.Tuple{
		{starlark.String("params"), starlark.NewDict(0)},
		{starlark.String("run_as"), starlark.String("root")},
		{starlark.String("catch_errors"), starlark.True},
	}

	params, options, err := splitKwargs(kwargs, "params")
	if err != nil {
		t.Fatalf("splitKwargs: %v", err)
	}
	if len(params) != 1 || params[0][0] != starlark.String("params") {
		t.Errorf("unexpected params %v", params)
	}
	want := map[string]any{"run_as": "root", "catch_errors": true}
	if !reflect.DeepEqual(options, want) {
		t.Errorf("expected options %v, got %v", want, options)
	}
}

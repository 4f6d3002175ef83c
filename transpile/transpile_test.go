package transpile

import (
	"strings"
	"testing"

	"github.com/evanw/esbuild/pkg/api"
)

func TestTypeScriptStripsTypes(t *testing.T) {
	out, err := TypeScript([]byte("let n: number = 1; function id<T>(x: T): T { return x }"), "types.ts")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	got := string(out)
	if strings.Contains(got, ": number") || strings.Contains(got, "<T>") {
		t.Errorf("types survived: %s", got)
	}
}

func TestErrorsNameLocation(t *testing.T) {
	_, err := TypeScript([]byte("let = ;"), "bad.ts")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.HasPrefix(err.Error(), "bad.ts:1:") {
		t.Errorf("error %q does not start with the location", err)
	}
}

func TestAutoPicksLoader(t *testing.T) {
	tests := []struct {
		url  string
		want api.Loader
	}{
		{"a.ts", api.LoaderTS},
		{"A.TSX", api.LoaderTSX},
		{"b.jsx", api.LoaderJSX},
		{"c.js", api.LoaderJS},
		{"eval", api.LoaderJS},
	}
	for _, tt := range tests {
		if got := loaderFor(tt.url); got != tt.want {
			t.Errorf("loaderFor(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}

	if _, err := Auto([]byte("const x: number = 1"), "plain.js"); err == nil {
		t.Error("type annotations in a .js file should not parse")
	}
}

func TestTargetLowersSyntax(t *testing.T) {
	lower := New(Options{Loader: api.LoaderJS, Target: api.ES2015})
	out, err := lower([]byte("const x = a ?? b;"), "lower.js")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if strings.Contains(string(out), "??") {
		t.Errorf("nullish coalescing survived: %s", out)
	}
}

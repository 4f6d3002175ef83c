// Package transpile rewrites TypeScript and modern syntax into plain
// JavaScript with esbuild, for use as a jsi.SourceTransform.
package transpile

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/6over3/jsi"
)

// Options controls the transform.
type Options struct {
	// Target is the syntax level to lower to. Zero keeps esbuild's default
	// (esnext).
	Target api.Target
	// Loader overrides extension based detection.
	Loader api.Loader
}

// New returns a transform with the given options.
func New(opts Options) jsi.SourceTransform {
	return func(src []byte, sourceURL string) ([]byte, error) {
		loader := opts.Loader
		if loader == api.LoaderNone {
			loader = loaderFor(sourceURL)
		}
		res := api.Transform(string(src), api.TransformOptions{
			Loader:     loader,
			Target:     opts.Target,
			Sourcefile: sourceURL,
		})
		if len(res.Errors) > 0 {
			return nil, formatErrors(res.Errors)
		}
		return res.Code, nil
	}
}

// TypeScript strips types from src regardless of its extension.
var TypeScript = New(Options{Loader: api.LoaderTS})

// Auto picks the loader from the source URL: .ts, .tsx, .jsx and .mjs are
// transformed, everything else passes through esbuild as plain JS.
var Auto = New(Options{})

func loaderFor(sourceURL string) api.Loader {
	switch strings.ToLower(path.Ext(sourceURL)) {
	case ".ts", ".mts", ".cts":
		return api.LoaderTS
	case ".tsx":
		return api.LoaderTSX
	case ".jsx":
		return api.LoaderJSX
	}
	return api.LoaderJS
}

func formatErrors(msgs []api.Message) error {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("; ")
		}
		if loc := m.Location; loc != nil {
			fmt.Fprintf(&b, "%s:%d:%d: ", loc.File, loc.Line, loc.Column)
		}
		b.WriteString(m.Text)
	}
	return errors.New(b.String())
}

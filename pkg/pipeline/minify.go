package pipeline

import (
	"context"
	"regexp"
	"sync"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"
	"github.com/tdewolff/minify/v2/json"
	"github.com/tdewolff/minify/v2/svg"
)

var (
	minifierOnce sync.Once
	sharedMin    *minify.M
)

func minifier() *minify.M {
	minifierOnce.Do(func() {
		sharedMin = minify.New()
		sharedMin.AddFunc("text/css", css.Minify)
		sharedMin.AddFunc("text/html", html.Minify)
		sharedMin.AddFunc("image/svg+xml", svg.Minify)
		sharedMin.AddFuncRegexp(regexp.MustCompile("^(application|text)/(x-)?(java|ecma)script$"), js.Minify)
		sharedMin.AddFuncRegexp(regexp.MustCompile("[/+]json$"), json.Minify)
	})
	return sharedMin
}

var minifyTypes = map[string]string{
	".css":  "text/css",
	".html": "text/html",
	".htm":  "text/html",
	".svg":  "image/svg+xml",
	".js":   "application/javascript",
	".mjs":  "application/javascript",
	".json": "application/json",
}

type minifyStage struct{}

// Minify minifies CSS, HTML, SVG, JavaScript and JSON files. Other files pass through.
func Minify() Stage {
	return minifyStage{}
}

func (minifyStage) Name() string { return "minify" }

func (minifyStage) Descriptor() Descriptor { return Descriptor{Name: "minify"} }

func (minifyStage) Transform(ctx context.Context, file *File) ([]*File, error) {
	mediatype, ok := minifyTypes[file.Ext()]
	if !ok {
		return []*File{file}, nil
	}

	result, err := minifier().Bytes(mediatype, file.Contents)
	if err != nil {
		return nil, err
	}

	out := file.Clone()
	out.Contents = result
	return []*File{out}, nil
}

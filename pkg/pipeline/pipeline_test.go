package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for x := 0; x < 32; x++ {
		for y := 0; y < 32; y++ {
			img.Set(x, y, color.RGBA{R: shade, G: uint8(x * 8), B: uint8(y * 8), A: 255})
		}
	}

	buf := bytes.Buffer{}
	encoder := png.Encoder{CompressionLevel: png.NoCompression}
	if err := encoder.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func listFiles(t *testing.T, root string) []string {
	t.Helper()
	var result []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			rel, _ := filepath.Rel(root, path)
			result = append(result, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	sort.Strings(result)
	return result
}

func TestSourceResolve_GlobStar(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src/images/a.png"), []byte("a"))
	writeFile(t, filepath.Join(root, "src/images/icons/b.png"), []byte("b"))
	writeFile(t, filepath.Join(root, "src/index.html"), []byte("<html></html>"))

	src := Source{Base: root, Patterns: []string{"src/images/**/*"}}
	matches, err := src.Resolve()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []string
	for _, m := range matches {
		rel, _ := filepath.Rel(m.Base, m.Path)
		got = append(got, filepath.ToSlash(rel))
		if m.Base != filepath.Join(root, "src/images") {
			t.Errorf("base = %s, want %s", m.Base, filepath.Join(root, "src/images"))
		}
	}
	sort.Strings(got)

	want := []string{"a.png", "icons/b.png"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("matches = %v, want %v", got, want)
	}
}

func TestSourceResolve_LiteralAndExclude(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src/a.html"), []byte("a"))
	writeFile(t, filepath.Join(root, "src/b.html"), []byte("b"))

	src := Source{Base: root, Patterns: []string{"src/*.html", "!src/b.html", "src/missing.html"}}
	matches, err := src.Resolve()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(matches) != 1 || filepath.Base(matches[0].Path) != "a.html" {
		t.Fatalf("matches = %+v, want only a.html", matches)
	}
}

func TestMatchAny(t *testing.T) {
	root := filepath.FromSlash("/project")
	patterns := []string{"src/sass/**/*", "!src/sass/vendor/**"}

	tests := []struct {
		path string
		want bool
	}{
		{"/project/src/sass/style.scss", true},
		{"/project/src/sass/parts/_base.scss", true},
		{"/project/src/sass/vendor/x.scss", false},
		{"/project/src/images/a.png", false},
	}

	for _, tt := range tests {
		if got := MatchAny(root, patterns, filepath.FromSlash(tt.path)); got != tt.want {
			t.Errorf("MatchAny(%s) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestSourceResolve_BaseWithShellCharacters(t *testing.T) {
	root := filepath.Join(t.TempDir(), "site (copy)")
	writeFile(t, filepath.Join(root, "src/css/a.css"), []byte("a"))
	writeFile(t, filepath.Join(root, "src/css/vendor/b.css"), []byte("b"))
	writeFile(t, filepath.Join(root, "src/css/$HOME & more.css"), []byte("c"))

	src := Source{Base: root, Patterns: []string{"src/css/**/*.css", "!src/css/vendor/**"}}
	matches, err := src.Resolve()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []string
	for _, m := range matches {
		if m.Base != filepath.Join(root, "src/css") {
			t.Errorf("base = %s, want %s", m.Base, filepath.Join(root, "src/css"))
		}
		rel, _ := filepath.Rel(m.Base, m.Path)
		got = append(got, filepath.ToSlash(rel))
	}
	sort.Strings(got)

	want := []string{"$HOME & more.css", "a.css"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("matches = %v, want %v", got, want)
	}

	if !MatchAny(root, src.Patterns, filepath.Join(root, "src/css/a.css")) {
		t.Error("MatchAny rejected a file below a base with parentheses")
	}
	if MatchAny(root, src.Patterns, filepath.Join(root, "src/css/vendor/b.css")) {
		t.Error("MatchAny accepted an excluded file below a base with parentheses")
	}
	if got := GlobBase(root, "src/css/**/*.css"); got != filepath.Join(root, "src/css") {
		t.Errorf("GlobBase = %s, want %s", got, filepath.Join(root, "src/css"))
	}
}

func TestSourceResolve_InvalidPattern(t *testing.T) {
	src := Source{Base: t.TempDir(), Patterns: []string{"src/[a-"}}
	if _, err := src.Resolve(); err == nil {
		t.Error("expected an error for an unterminated character class")
	}
}

func TestPipeline_ImageTaskPreservesNames(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src/images/a.png"), pngBytes(t, 10))
	writeFile(t, filepath.Join(root, "src/images/b.png"), pngBytes(t, 200))

	p := &Pipeline{
		Task:   "imagemin",
		Source: Source{Base: root, Patterns: []string{"src/images/**/*"}},
		Steps: []Step{
			Abort(Imagemin(ImageminOptions{Verbose: true})),
			Abort(Dest(filepath.Join(root, "dist/images"))),
		},
	}

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Files != 2 {
		t.Errorf("files = %d, want 2", result.Files)
	}

	got := listFiles(t, filepath.Join(root, "dist"))
	want := []string{"images/a.png", "images/b.png"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("dist = %v, want %v", got, want)
	}

	for _, name := range want {
		data, err := os.ReadFile(filepath.Join(root, "dist", name))
		if err != nil {
			t.Fatal(err)
		}
		original, _ := os.ReadFile(filepath.Join(root, "src", name))
		if len(data) >= len(original) {
			t.Errorf("%s was not optimized: %d >= %d bytes", name, len(data), len(original))
		}
		if _, err := png.Decode(bytes.NewReader(data)); err != nil {
			t.Errorf("%s is not a valid PNG anymore: %v", name, err)
		}
	}
}

func malformedCompiler() Compiler {
	return CompilerFunc(func(ctx context.Context, file *File, opts SassOptions) ([]byte, error) {
		if bytes.Count(file.Contents, []byte("{")) != bytes.Count(file.Contents, []byte("}")) {
			return nil, errors.New("expected \"}\"")
		}
		return bytes.ReplaceAll(file.Contents, []byte("$color"), []byte("red")), nil
	})
}

func TestPipeline_MalformedStylesheetIsLoggedNotWritten(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src/sass/style.scss"), []byte("body {\n  color: $color;\n"))

	var hooked []*StageTransformError
	var lock sync.Mutex
	hook := func(ctx context.Context, err *StageTransformError) {
		lock.Lock()
		defer lock.Unlock()
		hooked = append(hooked, err)
	}

	p := &Pipeline{
		Task:   "sass",
		Source: Source{Base: root, Patterns: []string{"src/sass/style.scss"}},
		Steps: []Step{
			Recover(Sass(SassOptions{OutputStyle: "expanded"}, malformedCompiler()), hook),
			Abort(PostCSS(Autoprefixer(), AtImport())),
			Abort(Dest(filepath.Join(root, "dist/css"))),
		},
	}

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("recoverable stage error aborted the pipeline: %v", err)
	}

	if len(hooked) != 1 {
		t.Fatalf("hook called %d times, want 1", len(hooked))
	}
	if hooked[0].Stage != "sass" || hooked[0].Task != "sass" {
		t.Errorf("error context = %s/%s, want sass/sass", hooked[0].Task, hooked[0].Stage)
	}
	if len(result.Recovered) != 1 {
		t.Errorf("recovered = %d, want 1", len(result.Recovered))
	}

	if files := listFiles(t, filepath.Join(root, "dist")); len(files) != 0 {
		t.Fatalf("dist contains %v, want nothing", files)
	}
}

func TestPipeline_SassCompilesAndRenames(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src/sass/style.scss"), []byte(".a {\n  color: $color;\n  user-select: none;\n}\n"))
	writeFile(t, filepath.Join(root, "src/sass/_partial.scss"), []byte(".b { }"))

	p := &Pipeline{
		Task:   "sass",
		Source: Source{Base: root, Patterns: []string{"src/sass/*.scss"}},
		Steps: []Step{
			Recover(Sass(SassOptions{}, malformedCompiler()), nil),
			Abort(PostCSS(Autoprefixer())),
			Abort(Dest(filepath.Join(root, "dist/css"))),
		},
	}

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := listFiles(t, filepath.Join(root, "dist"))
	if !reflect.DeepEqual(got, []string{"css/style.css"}) {
		t.Fatalf("dist = %v, want [css/style.css]", got)
	}

	css, _ := os.ReadFile(filepath.Join(root, "dist/css/style.css"))
	if !strings.Contains(string(css), "color: red;") {
		t.Errorf("compiled css missing substitution:\n%s", css)
	}
	if !strings.Contains(string(css), "-webkit-user-select: none;") {
		t.Errorf("compiled css missing prefix:\n%s", css)
	}
}

func TestPipeline_AbortPolicyFails(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src/images/broken.png"), []byte("not a png"))

	p := &Pipeline{
		Task:   "imagemin",
		Source: Source{Base: root, Patterns: []string{"src/images/*"}},
		Steps: []Step{
			Abort(Imagemin(ImageminOptions{})),
			Abort(Dest(filepath.Join(root, "dist/images"))),
		},
	}

	_, err := p.Run(context.Background())
	var terr *StageTransformError
	if !errors.As(err, &terr) {
		t.Fatalf("error = %v, want StageTransformError", err)
	}
	if terr.Stage != "imagemin" || !strings.HasSuffix(terr.Path, "broken.png") {
		t.Errorf("error context = %s %s", terr.Stage, terr.Path)
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls [][]string
}

func (n *recordingNotifier) Notify(paths []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, paths)
}

func TestPipeline_ReloadNotifiesWrittenPaths(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src/index.html"), []byte("<p>hi</p>"))

	p := &Pipeline{
		Task:   "html",
		Source: Source{Base: root, Patterns: []string{"src/*.html"}},
		Steps:  []Step{Abort(Dest(filepath.Join(root, "dist"))), Abort(Reload())},
	}

	notifier := &recordingNotifier{}
	ctx := WithNotifier(context.Background(), notifier)
	if _, err := p.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(notifier.calls) != 1 {
		t.Fatalf("notify calls = %d, want 1", len(notifier.calls))
	}
	want := []string{filepath.Join(root, "dist/index.html")}
	if !reflect.DeepEqual(notifier.calls[0], want) {
		t.Errorf("notified %v, want %v", notifier.calls[0], want)
	}
}

type switchStage struct {
	fail bool
}

func (s *switchStage) Name() string           { return "switch" }
func (s *switchStage) Descriptor() Descriptor { return Descriptor{Name: "switch"} }

func (s *switchStage) Transform(ctx context.Context, file *File) ([]*File, error) {
	if s.fail {
		return nil, errors.New("broken")
	}
	return []*File{file}, nil
}

func TestPipeline_ReloadForgetsAbortedRun(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src/a.html"), []byte("a"))
	writeFile(t, filepath.Join(root, "src/b.html"), []byte("b"))

	gate := &switchStage{fail: true}
	p := &Pipeline{
		Task:   "html",
		Source: Source{Base: root, Patterns: []string{"src/*.html"}},
		Steps:  []Step{Abort(Reload()), Abort(gate)},
	}

	notifier := &recordingNotifier{}
	ctx := WithNotifier(context.Background(), notifier)
	if _, err := p.Run(ctx); err == nil {
		t.Fatal("expected the first run to fail")
	}
	if len(notifier.calls) != 0 {
		t.Fatalf("aborted run notified %v", notifier.calls)
	}

	gate.fail = false
	if _, err := p.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(notifier.calls) != 1 {
		t.Fatalf("notify calls = %d, want 1", len(notifier.calls))
	}
	want := []string{filepath.Join(root, "src/a.html"), filepath.Join(root, "src/b.html")}
	if !reflect.DeepEqual(notifier.calls[0], want) {
		t.Errorf("notified %v, want %v", notifier.calls[0], want)
	}
}

func TestPipeline_Descriptors(t *testing.T) {
	p := &Pipeline{
		Steps: []Step{
			Recover(Sass(SassOptions{SourceComments: true, OutputStyle: "expanded", IncludePaths: []string{"node_modules"}}, nil), nil),
			Abort(PostCSS(Autoprefixer(), AtImport())),
			Abort(Dest("dist/css")),
			Abort(Reload()),
		},
	}

	descs := p.Descriptors()
	names := make([]string, len(descs))
	for idx, desc := range descs {
		names[idx] = desc.Name
	}

	if want := []string{"sass", "postcss", "dest", "reload"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	if descs[0].Options["on_error"] != "log" {
		t.Errorf("sass on_error = %v, want log", descs[0].Options["on_error"])
	}
	if descs[0].Options["source_comments"] != true {
		t.Errorf("sass source_comments = %v, want true", descs[0].Options["source_comments"])
	}
	if !reflect.DeepEqual(descs[1].Options["plugins"], []string{"autoprefixer", "atimport"}) {
		t.Errorf("postcss plugins = %v", descs[1].Options["plugins"])
	}
}

func TestAtImport_InlinesOnce(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "css/base.css"), []byte("@charset \"utf-8\";\nhtml { margin: 0; }\n"))
	writeFile(t, filepath.Join(root, "node_modules/lib/lib.css"), []byte("@import \"../../css/base.css\";\n.lib { }\n"))
	main := []byte("@import \"base\";\n@import url('lib/lib.css');\n@import \"print.css\" print;\nbody { }\n")

	file := &File{Path: filepath.Join(root, "css/main.css"), Base: root, Contents: main}
	out, err := AtImport(filepath.Join(root, "node_modules")).Process(context.Background(), file, main)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := string(out)
	if strings.Count(got, "html { margin: 0; }") != 1 {
		t.Errorf("base.css should be inlined exactly once:\n%s", got)
	}
	if !strings.Contains(got, ".lib { }") || strings.Contains(got, "@charset") {
		t.Errorf("unexpected output:\n%s", got)
	}
	if !strings.Contains(got, `@import "print.css" print;`) {
		t.Errorf("media import should be kept:\n%s", got)
	}
}

func TestAtImport_MissingFile(t *testing.T) {
	root := t.TempDir()
	css := []byte("@import \"nope.css\";\n")
	file := &File{Path: filepath.Join(root, "main.css"), Base: root, Contents: css}

	if _, err := AtImport().Process(context.Background(), file, css); err == nil {
		t.Fatal("expected an error for a missing import")
	}
}

func TestAutoprefixer_SkipsExistingPrefixes(t *testing.T) {
	css := []byte(".a {\n  -webkit-user-select: none;\n  user-select: none;\n  position: sticky;\n}\n")
	out, err := Autoprefixer().Process(context.Background(), &File{}, css)
	if err != nil {
		t.Fatal(err)
	}

	got := string(out)
	if strings.Count(got, "-webkit-user-select") != 1 {
		t.Errorf("duplicate prefix:\n%s", got)
	}
	for _, want := range []string{"-moz-user-select: none;", "-ms-user-select: none;", "position: -webkit-sticky;"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q:\n%s", want, got)
		}
	}
}

func TestAutoprefixer_Formatting(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "compressed",
			in:   ".a{user-select:none}",
			want: ".a{-webkit-user-select:none;-moz-user-select:none;-ms-user-select:none;user-select:none}",
		},
		{
			name: "no final semicolon",
			in:   ".a {\n  user-select: none\n}\n",
			want: ".a {\n  -webkit-user-select: none;\n  -moz-user-select: none;\n  -ms-user-select: none;\n  user-select: none\n}\n",
		},
		{
			name: "one line",
			in:   ".a { color: red; position: sticky }",
			want: ".a { color: red; position: -webkit-sticky; position: sticky }",
		},
		{
			name: "selector with pseudo class",
			in:   "@media print{a:hover{tab-size:4}}",
			want: "@media print{a:hover{-moz-tab-size:4;tab-size:4}}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Autoprefixer().Process(context.Background(), &File{}, []byte(tt.in))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(out) != tt.want {
				t.Errorf("got %q, want %q", out, tt.want)
			}
		})
	}
}

func TestAtImport_Compressed(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "x.css"), []byte(".x{color:red}"))
	writeFile(t, filepath.Join(root, "y.css"), []byte(".y{color:blue}"))
	sheet := []byte(`@import"x.css";@import url(y.css);body{margin:0}`)

	file := &File{Path: filepath.Join(root, "main.css"), Base: root, Contents: sheet}
	out, err := AtImport().Process(context.Background(), file, sheet)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if want := ".x{color:red}\n.y{color:blue}\nbody{margin:0}"; string(out) != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestCompress_EmitsSibling(t *testing.T) {
	stage, err := Compress("br")
	if err != nil {
		t.Fatal(err)
	}

	file := &File{Path: "/dist/app.css", Contents: bytes.Repeat([]byte("body{}"), 100)}
	files, err := stage.Transform(context.Background(), file)
	if err != nil {
		t.Fatal(err)
	}

	if len(files) != 2 || files[0] != file || files[1].Path != "/dist/app.css.br" {
		t.Fatalf("unexpected files %+v", files)
	}
	if len(files[1].Contents) >= len(file.Contents) {
		t.Errorf("compressed copy is not smaller")
	}

	if _, err := Compress("zip"); err == nil {
		t.Error("expected an error for an unknown format")
	}
}

func TestExec_PipesContents(t *testing.T) {
	stage := Exec("read line; echo \"$line!\"", t.TempDir(), nil)
	files, err := stage.Transform(context.Background(), &File{Path: "x.txt", Contents: []byte("hello\n")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := string(files[0].Contents); got != "hello!\n" {
		t.Errorf("output = %q, want %q", got, "hello!\n")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested/out.css")

	if err := WriteFileAtomic(path, []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("b"), 0644); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "b" {
		t.Errorf("content = %q, want b", data)
	}
	if files := listFiles(t, dir); !reflect.DeepEqual(files, []string{"nested/out.css"}) {
		t.Errorf("leftover temp files: %v", files)
	}
}

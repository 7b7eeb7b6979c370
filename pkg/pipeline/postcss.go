package pipeline

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"
)

// CSSPlugin is a transform applied by the PostCSS stage.
type CSSPlugin interface {
	Name() string
	Process(ctx context.Context, file *File, sheet []byte) ([]byte, error)
}

type postcssStage struct {
	plugins []CSSPlugin
}

// PostCSS runs the given plugins, in order, over every .css file.
func PostCSS(plugins ...CSSPlugin) Stage {
	return &postcssStage{plugins: plugins}
}

func (s *postcssStage) Name() string { return "postcss" }

func (s *postcssStage) Descriptor() Descriptor {
	names := make([]string, len(s.plugins))
	for idx, plugin := range s.plugins {
		names[idx] = plugin.Name()
	}
	return Descriptor{Name: "postcss", Options: map[string]interface{}{"plugins": names}}
}

func (s *postcssStage) Transform(ctx context.Context, file *File) ([]*File, error) {
	if file.Ext() != ".css" {
		return []*File{file}, nil
	}

	sheet := file.Contents
	for _, plugin := range s.plugins {
		var err error
		sheet, err = plugin.Process(ctx, file, sheet)
		if err != nil {
			return nil, eris.Wrapf(err, "plugin %s", plugin.Name())
		}
	}

	out := file.Clone()
	out.Contents = sheet
	return []*File{out}, nil
}

// * tokens

type cssToken struct {
	tt   css.TokenType
	data []byte
}

// lexCSS splits a stylesheet into tokens. Whitespace and comments are kept so that writing all
// tokens back reproduces the input.
func lexCSS(sheet []byte) ([]cssToken, error) {
	buf := make([]byte, len(sheet), len(sheet)+1)
	copy(buf, sheet)

	input := parse.NewInputBytes(buf)
	defer input.Restore()

	lexer := css.NewLexer(input)
	tokens := []cssToken{}
	for {
		tt, data := lexer.Next()
		if tt == css.ErrorToken {
			if err := lexer.Err(); err != nil && err != io.EOF {
				return nil, eris.Wrap(err, "failed to tokenize stylesheet")
			}
			return tokens, nil
		}
		tokens = append(tokens, cssToken{tt: tt, data: data})
	}
}

func writeTokens(out *bytes.Buffer, tokens []cssToken) {
	for _, tok := range tokens {
		out.Write(tok.data)
	}
}

func isBlank(tok cssToken) bool {
	return tok.tt == css.WhitespaceToken || tok.tt == css.CommentToken
}

func trimTokens(tokens []cssToken) []cssToken {
	for len(tokens) > 0 && isBlank(tokens[0]) {
		tokens = tokens[1:]
	}
	for len(tokens) > 0 && isBlank(tokens[len(tokens)-1]) {
		tokens = tokens[:len(tokens)-1]
	}
	return tokens
}

func tokenString(tokens []cssToken) string {
	out := bytes.Buffer{}
	writeTokens(&out, tokens)
	return out.String()
}

// statementEnd returns the index of the semicolon ending the statement that starts at from, or
// len(tokens) if there is none.
func statementEnd(tokens []cssToken, from int) int {
	for idx := from; idx < len(tokens); idx++ {
		if tokens[idx].tt == css.SemicolonToken {
			return idx
		}
	}
	return len(tokens)
}

// * autoprefixer

var prefixedProperties = map[string][]string{
	"appearance":           {"-webkit-", "-moz-"},
	"backdrop-filter":      {"-webkit-"},
	"box-decoration-break": {"-webkit-"},
	"clip-path":            {"-webkit-"},
	"hyphens":              {"-webkit-", "-ms-"},
	"mask-image":           {"-webkit-"},
	"tab-size":             {"-moz-"},
	"text-size-adjust":     {"-webkit-", "-moz-", "-ms-"},
	"user-select":          {"-webkit-", "-moz-", "-ms-"},
}

var prefixedValues = map[string]map[string][]string{
	"position": {"sticky": {"-webkit-"}},
}

type declaration struct {
	block int
	// index of the property token
	start int
	prop  string
	value string
	// text written between declarations and after the colon, taken from the source formatting
	sep   string
	colon string
}

// findDeclarations returns the declarations inside blocks. A statement that is followed by a
// block (a selector like a:hover) is never a declaration.
func findDeclarations(tokens []cssToken) []declaration {
	var result []declaration
	var blocks []int
	nextBlock := 0
	stmtStart := 0
	parens := 0

	for idx, tok := range tokens {
		switch tok.tt {
		case css.LeftParenthesisToken, css.LeftBracketToken, css.FunctionToken:
			parens++
		case css.RightParenthesisToken, css.RightBracketToken:
			if parens > 0 {
				parens--
			}
		case css.LeftBraceToken:
			parens = 0
			blocks = append(blocks, nextBlock)
			nextBlock++
			stmtStart = idx + 1
		case css.SemicolonToken, css.RightBraceToken:
			if tok.tt == css.SemicolonToken && parens > 0 {
				continue
			}
			parens = 0

			if len(blocks) > 0 {
				if decl, ok := parseDeclaration(tokens, stmtStart, idx); ok {
					decl.block = blocks[len(blocks)-1]
					result = append(result, decl)
				}
			}
			if tok.tt == css.RightBraceToken && len(blocks) > 0 {
				blocks = blocks[:len(blocks)-1]
			}
			stmtStart = idx + 1
		}
	}
	return result
}

func parseDeclaration(tokens []cssToken, from, to int) (declaration, bool) {
	start := from
	for start < to && isBlank(tokens[start]) {
		start++
	}
	if start >= to || tokens[start].tt != css.IdentToken {
		return declaration{}, false
	}

	colon := start + 1
	for colon < to && tokens[colon].tt == css.WhitespaceToken {
		colon++
	}
	if colon >= to || tokens[colon].tt != css.ColonToken {
		return declaration{}, false
	}

	decl := declaration{
		start: start,
		prop:  strings.ToLower(string(tokens[start].data)),
		value: tokenString(trimTokens(tokens[colon+1 : to])),
		colon: ":",
	}
	if colon+1 < to && tokens[colon+1].tt == css.WhitespaceToken {
		decl.colon = ": "
	}

	if start > 0 && tokens[start-1].tt == css.WhitespaceToken {
		ws := string(tokens[start-1].data)
		if nl := strings.LastIndexByte(ws, '\n'); nl >= 0 {
			decl.sep = ws[nl:]
		} else {
			decl.sep = " "
		}
	}
	return decl, true
}

type autoprefixer struct{}

// Autoprefixer adds vendor prefixed copies of declarations that still need them.
func Autoprefixer() CSSPlugin {
	return autoprefixer{}
}

func (autoprefixer) Name() string { return "autoprefixer" }

func (autoprefixer) Process(ctx context.Context, file *File, sheet []byte) ([]byte, error) {
	tokens, err := lexCSS(sheet)
	if err != nil {
		return nil, err
	}

	decls := findDeclarations(tokens)
	if len(decls) == 0 {
		return sheet, nil
	}

	type key struct {
		block int
		prop  string
		value string
	}
	present := make(map[key]bool)
	for _, decl := range decls {
		present[key{decl.block, decl.prop, ""}] = true
		present[key{decl.block, decl.prop, decl.value}] = true
	}

	inserts := make(map[int]string)
	for _, decl := range decls {
		extra := strings.Builder{}
		for _, prefix := range prefixedProperties[decl.prop] {
			if present[key{decl.block, prefix + decl.prop, ""}] {
				continue
			}
			extra.WriteString(prefix + decl.prop + decl.colon + decl.value + ";" + decl.sep)
		}
		for _, prefix := range prefixedValues[decl.prop][decl.value] {
			if present[key{decl.block, decl.prop, prefix + decl.value}] {
				continue
			}
			extra.WriteString(decl.prop + decl.colon + prefix + decl.value + ";" + decl.sep)
		}
		if extra.Len() > 0 {
			inserts[decl.start] = extra.String()
		}
	}

	if len(inserts) == 0 {
		return sheet, nil
	}

	out := bytes.Buffer{}
	for idx, tok := range tokens {
		out.WriteString(inserts[idx])
		out.Write(tok.data)
	}
	return out.Bytes(), nil
}

// * import inlining

type atImport struct {
	paths []string
}

// AtImport inlines local @import rules. Imports are resolved relative to the importing file
// first, then against paths. Remote imports and imports with media queries are kept as is.
func AtImport(paths ...string) CSSPlugin {
	return &atImport{paths: paths}
}

func (*atImport) Name() string { return "atimport" }

func (a *atImport) resolve(dir, target string) (string, error) {
	candidates := []string{target}
	if filepath.Ext(target) == "" {
		candidates = append(candidates, target+".css")
	}

	roots := append([]string{dir}, a.paths...)
	for _, root := range roots {
		for _, candidate := range candidates {
			path := candidate
			if !filepath.IsAbs(path) {
				path = filepath.Join(root, candidate)
			}

			info, err := os.Stat(path)
			if err == nil && info.Mode().IsRegular() {
				return path, nil
			}
		}
	}

	return "", eris.Errorf("failed to resolve @import %q", target)
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// importTarget extracts the imported URL and the media query from the prelude of an @import.
func importTarget(prelude []cssToken) (string, string, bool) {
	prelude = trimTokens(prelude)
	if len(prelude) == 0 {
		return "", "", false
	}

	var target string
	rest := prelude[1:]
	switch first := prelude[0]; first.tt {
	case css.StringToken:
		target = unquote(string(first.data))
	case css.URLToken:
		inner := strings.TrimSuffix(string(first.data[len("url("):]), ")")
		target = unquote(strings.TrimSpace(inner))
	default:
		return "", "", false
	}

	return target, tokenString(trimTokens(rest)), true
}

func isRemote(target string) bool {
	return strings.HasPrefix(target, "http:") || strings.HasPrefix(target, "https:") || strings.HasPrefix(target, "//")
}

// skipLineBreak drops the line break that followed a removed rule.
func skipLineBreak(tokens []cssToken, idx int) {
	if idx < len(tokens) && tokens[idx].tt == css.WhitespaceToken {
		ws := tokens[idx].data
		if nl := bytes.IndexByte(ws, '\n'); nl >= 0 {
			tokens[idx].data = ws[nl+1:]
		}
	}
}

func stripCharset(sheet []byte) ([]byte, error) {
	tokens, err := lexCSS(sheet)
	if err != nil {
		return nil, err
	}

	out := bytes.Buffer{}
	for idx := 0; idx < len(tokens); idx++ {
		tok := tokens[idx]
		if tok.tt == css.AtKeywordToken && strings.EqualFold(string(tok.data), "@charset") {
			idx = statementEnd(tokens, idx+1)
			skipLineBreak(tokens, idx+1)
			continue
		}
		out.Write(tok.data)
	}
	return out.Bytes(), nil
}

func (a *atImport) inline(path string, sheet []byte, seen map[string]bool) ([]byte, error) {
	tokens, err := lexCSS(sheet)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse %s", path)
	}

	dir := filepath.Dir(path)
	out := bytes.Buffer{}
	for idx := 0; idx < len(tokens); idx++ {
		tok := tokens[idx]
		if tok.tt != css.AtKeywordToken || !strings.EqualFold(string(tok.data), "@import") {
			out.Write(tok.data)
			continue
		}

		end := statementEnd(tokens, idx+1)
		target, media, ok := importTarget(tokens[idx+1 : end])
		if !ok || media != "" || isRemote(target) {
			if end < len(tokens) {
				end++
			}
			writeTokens(&out, tokens[idx:end])
			idx = end - 1
			continue
		}

		resolved, err := a.resolve(dir, target)
		if err != nil {
			return nil, err
		}

		idx = end
		skipLineBreak(tokens, idx+1)
		if seen[resolved] {
			continue
		}
		seen[resolved] = true

		content, err := os.ReadFile(resolved)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to read %s", resolved)
		}

		content, err = stripCharset(content)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse %s", resolved)
		}

		content, err = a.inline(resolved, content, seen)
		if err != nil {
			return nil, err
		}

		out.Write(content)
		if len(content) > 0 && content[len(content)-1] != '\n' {
			out.WriteByte('\n')
		}
	}
	return out.Bytes(), nil
}

func (a *atImport) Process(ctx context.Context, file *File, sheet []byte) ([]byte, error) {
	seen := map[string]bool{file.Path: true}
	return a.inline(file.Path, sheet, seen)
}

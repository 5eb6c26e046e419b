package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
	"golang.org/x/sync/errgroup"
)

// ErrUnsupportedFile is returned for files that are not TypeScript or JavaScript
var ErrUnsupportedFile = errors.New("unsupported file type")

// Symbol is one declaration in a source file
type Symbol struct {
	File      string `json:"file,omitempty"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
	Exported  bool   `json:"isExported"`
}

// maxParallelParses bounds concurrent parses in ExportedOutline
const maxParallelParses = 8

func languageFor(path string) (*sitter.Language, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".mts", ".cts":
		return typescript.GetLanguage(), nil
	case ".tsx":
		return tsx.GetLanguage(), nil
	case ".js", ".jsx", ".mjs", ".cjs":
		return javascript.GetLanguage(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, filepath.Base(path))
}

// Outline parses abs and returns its declarations. Parsers are not safe for
// concurrent use, so every call creates its own.
func (a *TreeSitter) Outline(ctx context.Context, abs string) ([]Symbol, error) {
	lang, err := languageFor(abs)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(abs), err)
	}
	defer tree.Close()

	w := &outlineWalker{src: content}
	w.walk(tree.RootNode(), false)
	return w.symbols, nil
}

// projectFile joins rel onto root. It reports false for absolute paths and
// for paths that leave root, directly or through a symlink.
func projectFile(root, rel string) (string, bool) {
	local := filepath.FromSlash(rel)
	if !filepath.IsLocal(local) {
		return "", false
	}
	abs := filepath.Join(root, local)
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// missing files are skipped by the caller
		return abs, true
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", false
	}
	inside, err := filepath.Rel(realRoot, real)
	return abs, err == nil && filepath.IsLocal(inside)
}

// ExportedOutline returns the exported symbols of the given project-relative
// files. Files that do not exist, are not TypeScript/JavaScript or lie
// outside root contribute nothing.
func (a *TreeSitter) ExportedOutline(ctx context.Context, root string, files []string) ([]Symbol, error) {
	var (
		mu  sync.Mutex
		out []Symbol
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxParallelParses)
	for _, rel := range files {
		rel := filepath.ToSlash(rel)
		if _, err := languageFor(rel); err != nil {
			continue
		}
		abs, ok := projectFile(root, rel)
		if !ok {
			continue
		}
		eg.Go(func() error {
			symbols, err := a.Outline(egCtx, abs)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil
				}
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, s := range symbols {
				if s.Exported {
					s.File = rel
					out = append(out, s)
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		return symbolKey(out[i]) < symbolKey(out[j])
	})
	return out, nil
}

// Fingerprint hashes the exported surface. It ignores order and line numbers
// and changes when an exported symbol is added, removed or renamed.
func Fingerprint(symbols []Symbol) string {
	keys := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s.Exported {
			keys = append(keys, symbolKey(s))
		}
	}
	sort.Strings(keys)
	sum := sha256.Sum256([]byte(strings.Join(keys, "\n")))
	return hex.EncodeToString(sum[:])
}

func symbolKey(s Symbol) string {
	return s.File + "|" + s.Kind + "|" + s.Name
}

type outlineWalker struct {
	src     []byte
	symbols []Symbol
}

func (w *outlineWalker) text(n *sitter.Node) string {
	return n.Content(w.src)
}

func (w *outlineWalker) add(n *sitter.Node, name, kind string, exported bool) {
	if name == "" {
		return
	}
	w.symbols = append(w.symbols, Symbol{
		Name:      name,
		Kind:      kind,
		StartLine: int(n.StartPoint().Row) + 1,
		EndLine:   int(n.EndPoint().Row) + 1,
		Exported:  exported,
	})
}

func (w *outlineWalker) fieldText(n *sitter.Node, field string) string {
	if c := n.ChildByFieldName(field); c != nil {
		return w.text(c)
	}
	return ""
}

// walk visits the statements directly below n
func (w *outlineWalker) walk(n *sitter.Node, exported bool) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		switch child.Type() {
		case "export_statement":
			w.exportStatement(child)
		default:
			w.declaration(child, exported)
		}
	}
}

func (w *outlineWalker) exportStatement(n *sitter.Node) {
	if decl := n.ChildByFieldName("declaration"); decl != nil {
		w.declaration(decl, true)
		return
	}

	found := false
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if child.Type() != "export_clause" {
			continue
		}
		found = true
		for j := 0; j < int(child.NamedChildCount()); j++ {
			spec := child.NamedChild(j)
			if spec.Type() != "export_specifier" {
				continue
			}
			name := w.fieldText(spec, "alias")
			if name == "" {
				name = w.fieldText(spec, "name")
			}
			w.add(spec, name, "export", true)
		}
	}
	if found {
		return
	}

	raw := strings.TrimSpace(w.text(n))
	switch {
	case strings.HasPrefix(raw, "export default"):
		w.add(n, "default", "default", true)
	case strings.HasPrefix(raw, "export *"):
		w.add(n, w.fieldText(n, "source"), "reexport", true)
	case strings.HasPrefix(raw, "export ="):
		w.add(n, "=", "default", true)
	}
}

func (w *outlineWalker) declaration(n *sitter.Node, exported bool) {
	switch n.Type() {
	case "function_declaration", "generator_function_declaration", "function_signature":
		w.add(n, w.fieldText(n, "name"), "function", exported)
	case "class_declaration", "abstract_class_declaration", "class":
		name := w.fieldText(n, "name")
		w.add(n, name, "class", exported)
		if body := n.ChildByFieldName("body"); body != nil {
			w.classMembers(body, name, exported)
		}
	case "interface_declaration":
		w.add(n, w.fieldText(n, "name"), "interface", exported)
	case "type_alias_declaration":
		w.add(n, w.fieldText(n, "name"), "type", exported)
	case "enum_declaration":
		w.add(n, w.fieldText(n, "name"), "enum", exported)
	case "internal_module", "module":
		w.add(n, w.fieldText(n, "name"), "namespace", exported)
	case "lexical_declaration", "variable_declaration":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			d := n.NamedChild(i)
			if d.Type() != "variable_declarator" {
				continue
			}
			kind := "variable"
			if v := d.ChildByFieldName("value"); v != nil {
				switch v.Type() {
				case "arrow_function", "function", "function_expression":
					kind = "function"
				}
			}
			w.add(d, w.fieldText(d, "name"), kind, exported)
		}
	case "ambient_declaration":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			w.declaration(n.NamedChild(i), exported)
		}
	}
}

// classMembers adds methods; private members never count as exported
func (w *outlineWalker) classMembers(body *sitter.Node, class string, exported bool) {
	for i := 0; i < int(body.NamedChildCount()); i++ {
		m := body.NamedChild(i)
		switch m.Type() {
		case "method_definition", "method_signature", "abstract_method_signature":
		default:
			continue
		}
		name := w.fieldText(m, "name")
		public := exported && !strings.HasPrefix(name, "#")
		for j := 0; j < int(m.NamedChildCount()); j++ {
			c := m.NamedChild(j)
			if c.Type() == "accessibility_modifier" && w.text(c) != "public" {
				public = false
			}
		}
		w.add(m, class+"."+name, "method", public)
	}
}

package fsops

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"
)

// DefaultMaxStringLength bounds string values in ReadJSONCompact
const DefaultMaxStringLength = 200

// DefaultRunLogChars is the tail size returned by RunLogTail
const DefaultRunLogChars = 4000

// entryCandidates are checked by ProjectInfo in this order
var entryCandidates = []string{
	"src/index.ts",
	"src/index.tsx",
	"src/main.ts",
	"src/main.tsx",
	"src/server.ts",
	"src/app.tsx",
}

// PackageSummary is the condensed package.json view
type PackageSummary struct {
	Name                 string            `json:"name,omitempty"`
	Version              string            `json:"version,omitempty"`
	Private              bool              `json:"private,omitempty"`
	Scripts              map[string]string `json:"scripts,omitempty"`
	DependenciesCount    int               `json:"dependenciesCount"`
	DevDependenciesCount int               `json:"devDependenciesCount"`
}

// TSConfigSummary is the condensed tsconfig.json view
type TSConfigSummary struct {
	CompilerOptions map[string]any `json:"compilerOptions,omitempty"`
	Include         any            `json:"include,omitempty"`
	Exclude         any            `json:"exclude,omitempty"`
}

// Info summarises a project for the model
type Info struct {
	PackageJSON     *PackageSummary  `json:"packageJson,omitempty"`
	TSConfig        *TSConfigSummary `json:"tsconfig,omitempty"`
	EntryCandidates []string         `json:"entryCandidates"`
}

// InfoOptions selects the parts of ProjectInfo to compute
type InfoOptions struct {
	PackageJSON bool
	TSConfig    bool
	EntryPoints bool
}

// AllInfo requests every section
var AllInfo = InfoOptions{PackageJSON: true, TSConfig: true, EntryPoints: true}

// ProjectInfo reads package.json, tsconfig.json and entry-point candidates under root.
// Missing or malformed files are left out.
func ProjectInfo(root string, opts InfoOptions) *Info {
	info := &Info{EntryCandidates: []string{}}

	if opts.PackageJSON {
		var pkg struct {
			Name            string            `json:"name"`
			Version         string            `json:"version"`
			Private         bool              `json:"private"`
			Scripts         map[string]string `json:"scripts"`
			Dependencies    map[string]any    `json:"dependencies"`
			DevDependencies map[string]any    `json:"devDependencies"`
		}
		if readJSON(filepath.Join(root, "package.json"), &pkg) == nil {
			info.PackageJSON = &PackageSummary{
				Name:                 pkg.Name,
				Version:              pkg.Version,
				Private:              pkg.Private,
				Scripts:              pkg.Scripts,
				DependenciesCount:    len(pkg.Dependencies),
				DevDependenciesCount: len(pkg.DevDependencies),
			}
		}
	}

	if opts.TSConfig {
		var ts struct {
			CompilerOptions map[string]any `json:"compilerOptions"`
			Include         any            `json:"include"`
			Exclude         any            `json:"exclude"`
		}
		if readJSON(filepath.Join(root, "tsconfig.json"), &ts) == nil {
			picked := map[string]any{}
			for _, k := range []string{"target", "module", "strict", "jsx", "moduleResolution", "baseUrl", "paths"} {
				if v, ok := ts.CompilerOptions[k]; ok {
					picked[k] = v
				}
			}
			info.TSConfig = &TSConfigSummary{CompilerOptions: picked, Include: ts.Include, Exclude: ts.Exclude}
		}
	}

	if opts.EntryPoints {
		for _, rel := range entryCandidates {
			if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel))); err == nil {
				info.EntryCandidates = append(info.EntryCandidates, rel)
			}
		}
	}
	return info
}

// ReadJSONCompact reads a JSON file, optionally keeping only top-level pickKeys,
// and shortens every string longer than maxStringLength.
func ReadJSONCompact(abs string, pickKeys []string, maxStringLength int) (any, error) {
	if maxStringLength <= 0 {
		maxStringLength = DefaultMaxStringLength
	}
	var doc any
	if err := readJSON(abs, &doc); err != nil {
		return nil, err
	}

	if obj, ok := doc.(map[string]any); ok && len(pickKeys) > 0 {
		subset := map[string]any{}
		for _, k := range pickKeys {
			if v, ok := obj[k]; ok {
				subset[k] = v
			}
		}
		doc = subset
	}
	return truncateValue(doc, maxStringLength), nil
}

func truncateValue(v any, maxLen int) any {
	switch t := v.(type) {
	case string:
		if utf8.RuneCountInString(t) <= maxLen {
			return t
		}
		runes := []rune(t)
		return fmt.Sprintf("%s... (truncated, original length %d)", string(runes[:maxLen]), len(runes))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = truncateValue(e, maxLen)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = truncateValue(e, maxLen)
		}
		return out
	}
	return v
}

// RunLog is the tail of a log file
type RunLog struct {
	LogPath    string `json:"logPath"`
	Content    string `json:"content"`
	TotalChars int    `json:"totalChars"`
}

// RunLogTail returns the last maxChars characters of the file at abs
func RunLogTail(abs, rel string, maxChars int) (*RunLog, error) {
	if maxChars <= 0 {
		maxChars = DefaultRunLogChars
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	runes := []rune(string(raw))
	content := runes
	if len(runes) > maxChars {
		content = runes[len(runes)-maxChars:]
	}
	return &RunLog{LogPath: rel, Content: string(content), TotalChars: len(runes)}, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

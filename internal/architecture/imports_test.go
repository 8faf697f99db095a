package architecture_test

import (
	"bufio"
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// Layering, bottom up: platform holds ambient primitives, blob and domain sit
// on platform, pipeline and workers sit on the domain, data wires persistence,
// jobs is the engine, app assembles everything. Imports may only point down.
func TestImportBoundaries(t *testing.T) {
	t.Helper()

	start, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	root, err := findModuleRoot(start)
	if err != nil {
		t.Fatalf("find module root: %v", err)
	}

	modulePath, err := readModulePath(filepath.Join(root, "go.mod"))
	if err != nil {
		t.Fatalf("read module path: %v", err)
	}

	internalDir := filepath.Join(root, "internal")
	fset := token.NewFileSet()

	type violation struct {
		file string
		imp  string
		rule string
	}
	var violations []violation

	walkErr := filepath.WalkDir(internalDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			switch d.Name() {
			case ".git", "vendor", "node_modules", ".gocache":
				return filepath.SkipDir
			default:
				return nil
			}
		}
		if !strings.HasSuffix(path, ".go") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		layer := layerFor(rel)
		if layer == "" {
			return nil
		}
		disallowed := disallowedImports(modulePath, layer)
		if len(disallowed) == 0 {
			return nil
		}

		f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			return err
		}
		for _, spec := range f.Imports {
			if spec == nil || spec.Path == nil {
				continue
			}
			imp, err := strconv.Unquote(spec.Path.Value)
			if err != nil {
				continue
			}
			for _, bad := range disallowed {
				if strings.HasPrefix(imp, bad) {
					violations = append(violations, violation{file: rel, imp: imp, rule: bad})
					break
				}
			}
		}
		return nil
	})
	if walkErr != nil {
		t.Fatalf("walk internal/: %v", walkErr)
	}

	if len(violations) > 0 {
		var b strings.Builder
		b.WriteString("import boundary violations:\n")
		for _, v := range violations {
			fmt.Fprintf(&b, "- %s imports %q (disallowed: %q)\n", v.file, v.imp, v.rule)
		}
		t.Fatal(b.String())
	}
}

// Everything logs through internal/platform/logger; a direct zap import
// anywhere else bypasses redaction.
func TestOnlyTheLoggerWrapsZap(t *testing.T) {
	t.Helper()

	start, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	root, err := findModuleRoot(start)
	if err != nil {
		t.Fatalf("find module root: %v", err)
	}

	fset := token.NewFileSet()

	type violation struct {
		file string
		imp  string
	}
	var violations []violation

	for _, top := range []string{"internal", "cmd"} {
		walkErr := filepath.WalkDir(filepath.Join(root, top), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				switch d.Name() {
				case ".git", "vendor", "node_modules", ".gocache":
					return filepath.SkipDir
				default:
					return nil
				}
			}
			if !strings.HasSuffix(path, ".go") {
				return nil
			}

			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if strings.HasPrefix(rel, "internal/platform/logger/") {
				return nil
			}

			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return err
			}
			for _, spec := range f.Imports {
				if spec == nil || spec.Path == nil {
					continue
				}
				imp, err := strconv.Unquote(spec.Path.Value)
				if err != nil {
					continue
				}
				if imp == "go.uber.org/zap" || strings.HasPrefix(imp, "go.uber.org/zap/") {
					violations = append(violations, violation{file: rel, imp: imp})
					break
				}
			}
			return nil
		})
		if walkErr != nil {
			t.Fatalf("walk %s/: %v", top, walkErr)
		}
	}

	if len(violations) > 0 {
		var b strings.Builder
		b.WriteString("zap imports outside internal/platform/logger:\n")
		for _, v := range violations {
			fmt.Fprintf(&b, "- %s imports %q\n", v.file, v.imp)
		}
		t.Fatal(b.String())
	}
}

func layerFor(rel string) string {
	switch {
	case strings.HasPrefix(rel, "internal/platform/"):
		return "platform"
	case strings.HasPrefix(rel, "internal/blob/"):
		return "blob"
	case strings.HasPrefix(rel, "internal/domain/"):
		return "domain"
	case strings.HasPrefix(rel, "internal/observability/"):
		return "observability"
	case strings.HasPrefix(rel, "internal/pipeline/"):
		return "pipeline"
	case strings.HasPrefix(rel, "internal/workers/"):
		return "workers"
	case strings.HasPrefix(rel, "internal/data/"):
		return "data"
	case strings.HasPrefix(rel, "internal/jobs/"):
		return "jobs"
	default:
		return ""
	}
}

func disallowedImports(modulePath string, layer string) []string {
	app := modulePath + "/internal/app"
	jobs := modulePath + "/internal/jobs"
	switch layer {
	case "platform":
		return []string{
			modulePath + "/internal/blob",
			modulePath + "/internal/domain",
			modulePath + "/internal/observability",
			modulePath + "/internal/pipeline",
			modulePath + "/internal/workers",
			modulePath + "/internal/data",
			jobs,
			app,
		}
	case "blob":
		return []string{
			modulePath + "/internal/domain",
			modulePath + "/internal/observability",
			modulePath + "/internal/pipeline",
			modulePath + "/internal/workers",
			modulePath + "/internal/data",
			jobs,
			app,
		}
	case "domain":
		return []string{
			modulePath + "/internal/observability",
			modulePath + "/internal/pipeline",
			modulePath + "/internal/workers",
			modulePath + "/internal/data",
			jobs,
			app,
		}
	case "observability":
		return []string{
			modulePath + "/internal/blob",
			modulePath + "/internal/pipeline",
			modulePath + "/internal/workers",
			modulePath + "/internal/data",
			jobs,
			app,
		}
	case "pipeline":
		return []string{
			modulePath + "/internal/workers",
			modulePath + "/internal/data",
			jobs,
			app,
		}
	case "workers":
		return []string{
			modulePath + "/internal/data",
			jobs,
			app,
		}
	case "data":
		return []string{
			modulePath + "/internal/workers",
			jobs,
			app,
		}
	case "jobs":
		return []string{
			modulePath + "/internal/workers",
			app,
		}
	default:
		return nil
	}
}

func findModuleRoot(start string) (string, error) {
	dir := start
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found from %s", start)
		}
		dir = parent
	}
}

func readModulePath(goModPath string) (string, error) {
	f, err := os.Open(goModPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		if !strings.HasPrefix(line, "module ") {
			continue
		}
		mp := strings.TrimSpace(strings.TrimPrefix(line, "module "))
		if mp == "" {
			return "", fmt.Errorf("empty module path in %s", goModPath)
		}
		return mp, nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("module path not found in %s", goModPath)
}

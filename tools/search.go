package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/quillworks/quill/config"
	"github.com/quillworks/quill/errors"
)

const maxSearchResults = 500

// GlobTool finds files matching a doublestar pattern.
type GlobTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *GlobTool) Name() string { return "glob" }
func (t *GlobTool) Description() string {
	return "Finds files matching a glob pattern, ** supported. Args: pattern (string)."
}
func (t *GlobTool) Mutates() bool { return false }
func (t *GlobTool) Schema() map[string]interface{} {
	return objectSchema([]string{"pattern"}, map[string]interface{}{
		"pattern": stringProp("Glob pattern, e.g. '**/*.go'."),
	})
}

func (t *GlobTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	pattern, ok := args["pattern"].(string)
	if !ok {
		return "", errors.New("missing or invalid 'pattern' argument")
	}

	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return "", errors.New("invalid glob pattern '%s': %v", pattern, err)
	}

	var visible []string
	for _, m := range matches {
		if hidden, _ := isPathRestricted(m, t.fsAccess.Hidden); hidden {
			continue
		}
		visible = append(visible, m)
		if len(visible) >= maxSearchResults {
			break
		}
	}
	sort.Strings(visible)
	if len(visible) == 0 {
		return "(no matches)", nil
	}
	return strings.Join(visible, "\n"), nil
}

// GrepTool searches file contents with a regular expression, optionally
// restricted to files matching an include glob.
type GrepTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *GrepTool) Name() string { return "grep" }
func (t *GrepTool) Description() string {
	return "Searches file contents for a regular expression. Args: pattern (string), path (string, optional root, default '.'), include (string, optional glob filter like '*.go')."
}
func (t *GrepTool) Mutates() bool { return false }
func (t *GrepTool) Schema() map[string]interface{} {
	return objectSchema([]string{"pattern"}, map[string]interface{}{
		"pattern": stringProp("Go regular expression to search for."),
		"path":    stringProp("Directory to search under. Defaults to the current directory."),
		"include": stringProp("Glob filter applied to file names, e.g. '*.go'."),
	})
}

func (t *GrepTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	pattern, ok := args["pattern"].(string)
	if !ok {
		return "", errors.New("missing or invalid 'pattern' argument")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", errors.New("invalid regular expression '%s': %v", pattern, err)
	}

	root, _ := args["path"].(string)
	if root == "" {
		root = "."
	}
	include, _ := args["include"].(string)

	var lines []string
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if hidden, _ := isPathRestricted(path, t.fsAccess.Hidden); hidden {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if include != "" {
			if match, _ := doublestar.Match(include, d.Name()); !match {
				return nil
			}
		}
		matched, err := grepFile(path, re, &lines)
		if err != nil {
			return nil
		}
		if matched && len(lines) >= maxSearchResults {
			return fs.SkipAll
		}
		return nil
	})
	if walkErr != nil && walkErr != fs.SkipAll {
		return "", errors.Wrapf(walkErr, "search failed")
	}

	if len(lines) == 0 {
		return "(no matches)", nil
	}
	return strings.Join(lines, "\n"), nil
}

func grepFile(path string, re *regexp.Regexp, out *[]string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	matched := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.ContainsRune(line, 0) {
			// Binary file; skip the rest.
			return matched, nil
		}
		if re.MatchString(line) {
			*out = append(*out, fmt.Sprintf("%s:%d: %s", path, lineNo, line))
			matched = true
			if len(*out) >= maxSearchResults {
				return matched, nil
			}
		}
	}
	return matched, scanner.Err()
}

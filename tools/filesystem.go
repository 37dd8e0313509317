package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quillworks/quill/config"
	"github.com/quillworks/quill/errors"
)

// ReadFileTool implements the tool for reading a file.
type ReadFileTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Reads the entire content of a file. Args: path (string)."
}
func (t *ReadFileTool) Mutates() bool { return false }
func (t *ReadFileTool) Schema() map[string]interface{} {
	return objectSchema([]string{"path"}, map[string]interface{}{
		"path": stringProp("Path of the file to read."),
	})
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, ok := args["path"].(string)
	if !ok {
		return "", errors.New("missing or invalid 'path' argument")
	}

	if err := checkReadable(t.fsAccess, path); err != nil {
		return "", err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}
	return string(content), nil
}

// WriteFileTool implements the tool for writing to a file. Writes go to a
// temporary file in the target directory and are renamed into place, so a
// crash mid-write never leaves a half-written file.
type WriteFileTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file, replacing it entirely. Args: path (string), content (string)."
}
func (t *WriteFileTool) Mutates() bool { return true }
func (t *WriteFileTool) Schema() map[string]interface{} {
	return objectSchema([]string{"path", "content"}, map[string]interface{}{
		"path":    stringProp("Path of the file to write."),
		"content": stringProp("Full content to write."),
	})
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, pathOk := args["path"].(string)
	content, contentOk := args["content"].(string)
	if !pathOk || !contentOk {
		return "", errors.New("missing or invalid 'path' or 'content' arguments")
	}

	if err := checkWritable(t.fsAccess, path); err != nil {
		return "", err
	}

	if err := atomicWrite(path, []byte(content)); err != nil {
		return "", errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".quill-write-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// EditFileTool replaces one exact occurrence of a string in a file.
type EditFileTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Replaces an exact string in a file. The old string must appear exactly once. Args: path (string), old_string (string), new_string (string)."
}
func (t *EditFileTool) Mutates() bool { return true }
func (t *EditFileTool) Schema() map[string]interface{} {
	return objectSchema([]string{"path", "old_string", "new_string"}, map[string]interface{}{
		"path":       stringProp("Path of the file to edit."),
		"old_string": stringProp("Exact text to replace. Must occur exactly once."),
		"new_string": stringProp("Replacement text."),
	})
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, pathOk := args["path"].(string)
	oldStr, oldOk := args["old_string"].(string)
	newStr, newOk := args["new_string"].(string)
	if !pathOk || !oldOk || !newOk {
		return "", errors.New("missing or invalid 'path', 'old_string' or 'new_string' arguments")
	}
	if oldStr == "" {
		return "", errors.New("'old_string' must not be empty")
	}

	if err := checkWritable(t.fsAccess, path); err != nil {
		return "", err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}

	switch n := strings.Count(string(content), oldStr); n {
	case 1:
	case 0:
		return "", errors.New("old_string not found in '%s'", path)
	default:
		return "", errors.New("old_string occurs %d times in '%s'; it must be unique", n, path)
	}

	updated := strings.Replace(string(content), oldStr, newStr, 1)
	if err := atomicWrite(path, []byte(updated)); err != nil {
		return "", errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return fmt.Sprintf("Successfully edited %s", path), nil
}

// ListDirectoryTool lists a directory's entries, directories suffixed with
// a slash. Hidden paths are filtered out.
type ListDirectoryTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *ListDirectoryTool) Name() string { return "list_directory" }
func (t *ListDirectoryTool) Description() string {
	return "Lists the entries of a directory. Args: path (string)."
}
func (t *ListDirectoryTool) Mutates() bool { return false }
func (t *ListDirectoryTool) Schema() map[string]interface{} {
	return objectSchema([]string{"path"}, map[string]interface{}{
		"path": stringProp("Path of the directory to list."),
	})
}

func (t *ListDirectoryTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, ok := args["path"].(string)
	if !ok {
		return "", errors.New("missing or invalid 'path' argument")
	}

	if err := checkReadable(t.fsAccess, path); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to list directory '%s'", path)
	}

	var names []string
	for _, entry := range entries {
		full := filepath.Join(path, entry.Name())
		if hidden, _ := isPathRestricted(full, t.fsAccess.Hidden); hidden {
			continue
		}
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty)", nil
	}
	return strings.Join(names, "\n"), nil
}

package tools

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3coins/acp-agentcore-poc/config"
	"github.com/3coins/acp-agentcore-poc/errors"
)

const (
	defaultReadLimit = 2000
	maxLineLength    = 2000
	maxGrepMatches   = 500
	maxGlobResults   = 1000
)

// Paths under these prefixes live in memory for the lifetime of the session
// and never touch the workspace.
var ephemeralRoutes = []string{"/memories/", "/conversation_history/"}

var ErrNotFound = errors.Sentinel("file not found")

// FS is the filesystem backend shared by the file tools. Paths are virtual:
// "/" is the workspace root, relative paths are resolved against it and ".."
// segments are rejected. Absolute host paths inside the workspace are
// accepted as well, since ACP clients send those.
type FS struct {
	root   string
	access config.FilesystemAccess

	mu        sync.RWMutex
	ephemeral map[string]string
}

func NewFS(root string, access config.FilesystemAccess) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "could not resolve workspace root %s", root)
	}
	return &FS{root: filepath.Clean(abs), access: access, ephemeral: make(map[string]string)}, nil
}

func (f *FS) Root() string { return f.root }

func isEphemeral(p string) bool {
	for _, prefix := range ephemeralRoutes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// Resolve maps p onto the host filesystem and returns the host path and the
// slash-separated path relative to the root.
func (f *FS) Resolve(p string) (host, rel string, err error) {
	p = filepath.ToSlash(strings.TrimSpace(p))
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", "", errors.New("path %q escapes the workspace", p)
		}
	}

	hostRoot := filepath.ToSlash(f.root)
	switch {
	case p == hostRoot:
		rel = ""
	case hostRoot != "/" && strings.HasPrefix(p, hostRoot+"/"):
		rel = strings.TrimPrefix(p, hostRoot+"/")
	default:
		rel = strings.TrimPrefix(path.Clean("/"+p), "/")
	}
	host = filepath.Join(f.root, filepath.FromSlash(rel))
	if err := f.contain(host); err != nil {
		return "", "", err
	}
	return host, rel, nil
}

// contain rejects host paths that leave the workspace once symlinks are
// followed. Trailing components that do not exist yet are taken as written.
func (f *FS) contain(host string) error {
	root, err := realPath(f.root)
	if err != nil {
		return err
	}
	target, err := realPath(host)
	if err != nil {
		return err
	}
	if target != root && root != string(filepath.Separator) && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return errors.New("path %q escapes the workspace", host)
	}
	return nil
}

// realPath evaluates symlinks in the deepest existing ancestor of p.
func realPath(p string) (string, error) {
	existing, rest := p, ""
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", errors.Wrapf(err, "could not resolve %s", p)
	}
	return filepath.Join(resolved, rest), nil
}

// Virtual renders a root-relative path the way the model sees it.
func Virtual(rel string) string { return "/" + rel }

func (f *FS) checkVisible(rel string) error {
	if rel == "" {
		return nil
	}
	hidden, err := isPathRestricted(rel, f.access.Hidden)
	if err != nil {
		return err
	}
	if hidden {
		return errors.New("access denied: path '%s' is hidden", Virtual(rel))
	}
	return nil
}

func (f *FS) checkWritable(rel string) error {
	if err := f.checkVisible(rel); err != nil {
		return err
	}
	readOnly, err := isPathRestricted(rel, f.access.ReadOnly)
	if err != nil {
		return err
	}
	if readOnly {
		return errors.New("access denied: path '%s' is read-only", Virtual(rel))
	}
	return nil
}

func (f *FS) Read(p string) (string, error) {
	if isEphemeral(p) {
		f.mu.RLock()
		defer f.mu.RUnlock()
		content, ok := f.ephemeral[p]
		if !ok {
			return "", errors.Wrapf(ErrNotFound, "%s", p)
		}
		return content, nil
	}
	host, rel, err := f.Resolve(p)
	if err != nil {
		return "", err
	}
	if err := f.checkVisible(rel); err != nil {
		return "", err
	}
	data, err := os.ReadFile(host)
	if os.IsNotExist(err) {
		return "", errors.Wrapf(ErrNotFound, "%s", Virtual(rel))
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", Virtual(rel))
	}
	return string(data), nil
}

func (f *FS) Write(p, content string) error {
	if isEphemeral(p) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.ephemeral[p] = content
		return nil
	}
	host, rel, err := f.Resolve(p)
	if err != nil {
		return err
	}
	if rel == "" {
		return errors.New("cannot write to the workspace root")
	}
	if err := f.checkWritable(rel); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create parent of '%s'", Virtual(rel))
	}
	if err := os.WriteFile(host, []byte(content), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write to file '%s'", Virtual(rel))
	}
	return nil
}

// Edit replaces oldStr with newStr. Unless all is set, oldStr must occur
// exactly once. It returns the number of replacements.
func (f *FS) Edit(p, oldStr, newStr string, all bool) (int, error) {
	if oldStr == "" {
		return 0, errors.New("old_string must not be empty")
	}
	if oldStr == newStr {
		return 0, errors.New("old_string and new_string are identical")
	}
	content, err := f.Read(p)
	if err != nil {
		return 0, err
	}
	n := strings.Count(content, oldStr)
	switch {
	case n == 0:
		return 0, errors.New("old_string not found in %s", p)
	case n > 1 && !all:
		return 0, errors.New("old_string appears %d times in %s; add surrounding context or set replace_all", n, p)
	}
	if !all {
		n = 1
	}
	return n, f.Write(p, strings.Replace(content, oldStr, newStr, n))
}

// List returns the entries of a directory as virtual paths; directories end
// in "/".
func (f *FS) List(p string) ([]string, error) {
	if isEphemeral(p) || p == "/memories" || p == "/conversation_history" {
		prefix := strings.TrimSuffix(p, "/") + "/"
		f.mu.RLock()
		defer f.mu.RUnlock()
		var out []string
		for k := range f.ephemeral {
			if strings.HasPrefix(k, prefix) {
				out = append(out, k)
			}
		}
		sort.Strings(out)
		return out, nil
	}

	host, rel, err := f.Resolve(p)
	if err != nil {
		return nil, err
	}
	if err := f.checkVisible(rel); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(host)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list '%s'", Virtual(rel))
	}
	var out []string
	for _, e := range entries {
		child := path.Join(rel, e.Name())
		if hidden, _ := isPathRestricted(child, f.access.Hidden); hidden {
			continue
		}
		v := Virtual(child)
		if e.IsDir() {
			v += "/"
		}
		out = append(out, v)
	}
	return out, nil
}

// Glob matches a doublestar pattern below base.
func (f *FS) Glob(pattern, base string) ([]string, error) {
	host, rel, err := f.Resolve(base)
	if err != nil {
		return nil, err
	}
	if err := f.checkVisible(rel); err != nil {
		return nil, err
	}
	pattern = strings.TrimPrefix(pattern, "/")
	matches, err := doublestar.Glob(os.DirFS(host), pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid glob pattern '%s'", pattern)
	}
	var out []string
	for _, m := range matches {
		child := path.Join(rel, m)
		if hidden, _ := isPathRestricted(child, f.access.Hidden); hidden {
			continue
		}
		if f.contain(filepath.Join(host, filepath.FromSlash(m))) != nil {
			continue
		}
		out = append(out, Virtual(child))
		if len(out) == maxGlobResults {
			break
		}
	}
	sort.Strings(out)
	return out, nil
}

type GrepMatch struct {
	Path string
	Line int
	Text string
}

// Grep searches files below base for a regular expression. include, when
// set, is a doublestar pattern matched against the file name.
func (f *FS) Grep(ctx context.Context, pattern, base, include string) ([]GrepMatch, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid regular expression")
	}
	host, rel, err := f.Resolve(base)
	if err != nil {
		return nil, err
	}
	if err := f.checkVisible(rel); err != nil {
		return nil, err
	}

	var out []GrepMatch
	err = filepath.WalkDir(host, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r, _ := filepath.Rel(f.root, p)
		r = filepath.ToSlash(r)
		if hidden, _ := isPathRestricted(r, f.access.Hidden); hidden && r != "." {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 && f.contain(p) != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if include != "" {
			if ok, _ := doublestar.Match(include, d.Name()); !ok {
				if ok, _ := doublestar.Match(include, r); !ok {
					return nil
				}
			}
		}
		data, err := os.ReadFile(p)
		if err != nil || bytes.IndexByte(data[:min(len(data), 8000)], 0) >= 0 {
			return nil
		}
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for n := 1; sc.Scan(); n++ {
			if re.Match(sc.Bytes()) {
				out = append(out, GrepMatch{Path: Virtual(r), Line: n, Text: truncateLine(sc.Text())})
				if len(out) == maxGrepMatches {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func truncateLine(s string) string {
	if len(s) > maxLineLength {
		return s[:maxLineLength] + "..."
	}
	return s
}

// numberLines renders lines [offset, offset+limit) in cat -n style.
func numberLines(content string, offset, limit int) string {
	if content == "" {
		return "System reminder: File exists but has empty contents"
	}
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	if offset >= len(lines) {
		return fmt.Sprintf("Error: line offset %d exceeds file length (%d lines)", offset, len(lines))
	}
	end := min(offset+limit, len(lines))
	var sb strings.Builder
	for i := offset; i < end; i++ {
		fmt.Fprintf(&sb, "%6d\t%s\n", i+1, truncateLine(lines[i]))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

type ListTool struct{ fs *FS }

func (t *ListTool) Name() string { return "ls" }
func (t *ListTool) Kind() Kind   { return KindRead }
func (t *ListTool) Description() string {
	return "Lists the files and directories in a directory of the workspace. Directories end with '/'."
}
func (t *ListTool) Schema() map[string]any {
	return objectSchema(map[string]any{"path": prop("string", "Directory to list, '/' is the workspace root")})
}

func (t *ListTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	entries, err := t.fs.List(optionalString(args, "path", "/"))
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "(empty directory)", nil
	}
	return strings.Join(entries, "\n"), nil
}

type ReadFileTool struct{ fs *FS }

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Kind() Kind   { return KindRead }
func (t *ReadFileTool) Description() string {
	return "Reads a file from the workspace. Output is line numbered. Use offset and limit to page through large files."
}
func (t *ReadFileTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"path":   prop("string", "Path of the file to read"),
		"offset": prop("integer", "Zero-based line to start from"),
		"limit":  prop("integer", "Maximum number of lines to return (default 2000)"),
	}, "path")
}

func (t *ReadFileTool) Locations(args map[string]any) []string { return hostLocation(t.fs, args) }

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	p, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	offset, err := intArg(args, "offset", 0)
	if err != nil {
		return "", err
	}
	limit, err := intArg(args, "limit", defaultReadLimit)
	if err != nil {
		return "", err
	}
	if offset < 0 || limit <= 0 {
		return "", errors.New("offset must be >= 0 and limit > 0")
	}
	content, err := t.fs.Read(p)
	if err != nil {
		return "", err
	}
	return numberLines(content, offset, limit), nil
}

type WriteFileTool struct{ fs *FS }

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Kind() Kind   { return KindEdit }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file, replacing it entirely. Parent directories are created."
}
func (t *WriteFileTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"path":    prop("string", "Path of the file to write"),
		"content": prop("string", "Full file content"),
	}, "path", "content")
}

func (t *WriteFileTool) Locations(args map[string]any) []string { return hostLocation(t.fs, args) }

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	p, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return "", err
	}
	if err := t.fs.Write(p, content); err != nil {
		return "", err
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), p), nil
}

type EditFileTool struct{ fs *FS }

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Kind() Kind   { return KindEdit }
func (t *EditFileTool) Description() string {
	return "Replaces an exact string in a file. old_string must be unique unless replace_all is true."
}
func (t *EditFileTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"path":        prop("string", "Path of the file to edit"),
		"old_string":  prop("string", "Exact text to replace"),
		"new_string":  prop("string", "Replacement text"),
		"replace_all": prop("boolean", "Replace every occurrence"),
	}, "path", "old_string", "new_string")
}

func (t *EditFileTool) Locations(args map[string]any) []string { return hostLocation(t.fs, args) }

func (t *EditFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	p, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	oldStr, err := stringArg(args, "old_string")
	if err != nil {
		return "", err
	}
	newStr, err := stringArg(args, "new_string")
	if err != nil {
		return "", err
	}
	n, err := t.fs.Edit(p, oldStr, newStr, boolArg(args, "replace_all"))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Replaced %d occurrence(s) in %s", n, p), nil
}

type GlobTool struct{ fs *FS }

func (t *GlobTool) Name() string { return "glob" }
func (t *GlobTool) Kind() Kind   { return KindSearch }
func (t *GlobTool) Description() string {
	return "Finds files matching a glob pattern such as '**/*.go'."
}
func (t *GlobTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"pattern": prop("string", "Glob pattern, '**' matches any number of directories"),
		"path":    prop("string", "Directory to search from (default '/')"),
	}, "pattern")
}

func (t *GlobTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	pattern, err := stringArg(args, "pattern")
	if err != nil {
		return "", err
	}
	matches, err := t.fs.Glob(pattern, optionalString(args, "path", "/"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "No files found", nil
	}
	return strings.Join(matches, "\n"), nil
}

type GrepTool struct{ fs *FS }

func (t *GrepTool) Name() string { return "grep" }
func (t *GrepTool) Kind() Kind   { return KindSearch }
func (t *GrepTool) Description() string {
	return "Searches file contents with a regular expression and returns path:line: text matches."
}
func (t *GrepTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"pattern": prop("string", "Regular expression (RE2 syntax)"),
		"path":    prop("string", "Directory to search from (default '/')"),
		"include": prop("string", "Only search files matching this glob, e.g. '*.go'"),
	}, "pattern")
}

func (t *GrepTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	pattern, err := stringArg(args, "pattern")
	if err != nil {
		return "", err
	}
	matches, err := t.fs.Grep(ctx, pattern, optionalString(args, "path", "/"), optionalString(args, "include", ""))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "No matches found", nil
	}
	var sb strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&sb, "%s:%d: %s\n", m.Path, m.Line, m.Text)
	}
	return strings.TrimSuffix(sb.String(), "\n"), nil
}

func hostLocation(f *FS, args map[string]any) []string {
	p, ok := args["path"].(string)
	if !ok || isEphemeral(p) {
		return nil
	}
	host, _, err := f.Resolve(p)
	if err != nil {
		return nil
	}
	return []string{host}
}

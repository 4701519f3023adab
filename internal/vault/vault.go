// Package vault is the read-only port onto the user's working directory:
// it lists files for @-mention completion and reads text for embedding
// into prompts, honoring .gitignore.
package vault

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"

	"agentbridge/internal/acp"
)

// maxCandidates caps how many files a mention query returns.
const maxCandidates = 50

// maxFileSize caps how much of a file gets embedded into a prompt.
const maxFileSize = 256 * 1024

// defaultIgnorePatterns are skipped even without a .gitignore.
var defaultIgnorePatterns = []string{
	".git",
	"node_modules",
	"dist",
	"build",
	"vendor",
	"__pycache__",
	"target",
	".idea",
	".vscode",
	".DS_Store",
}

// Vault exposes one working directory.
type Vault struct {
	root    string
	matcher gitignore.IgnoreParser
}

// Open creates a vault rooted at dir, compiling its .gitignore if present.
func Open(dir string) (*Vault, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve vault root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("open vault root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault root %s is not a directory", root)
	}

	patterns := append([]string{}, defaultIgnorePatterns...)
	if data, err := os.ReadFile(filepath.Join(root, ".gitignore")); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				patterns = append(patterns, line)
			}
		}
	}

	return &Vault{root: root, matcher: gitignore.CompileIgnoreLines(patterns...)}, nil
}

// Root returns the vault's absolute root directory.
func (v *Vault) Root() string {
	return v.root
}

// Candidates lists workspace files whose relative path contains query
// (case-insensitive), for mention completion. Results are sorted by path
// length so the tightest matches come first.
func (v *Vault) Candidates(query string) ([]string, error) {
	query = strings.ToLower(query)
	var matches []string

	err := filepath.WalkDir(v.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		rel, relErr := filepath.Rel(v.root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if v.matcher.MatchesPath(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if query == "" || strings.Contains(strings.ToLower(rel), query) {
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk vault: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if len(matches[i]) != len(matches[j]) {
			return len(matches[i]) < len(matches[j])
		}
		return matches[i] < matches[j]
	})
	if len(matches) > maxCandidates {
		matches = matches[:maxCandidates]
	}
	return matches, nil
}

// ReadText reads a workspace file as text. The path must stay inside the
// vault root; line and limit select a 1-based line window when limit > 0.
func (v *Vault) ReadText(relPath string, line, limit int) (string, error) {
	abs, err := v.resolve(relPath)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", relPath, err)
	}
	if info.Size() > maxFileSize {
		return "", fmt.Errorf("read %s: file exceeds %d bytes", relPath, maxFileSize)
	}

	if limit <= 0 {
		data, err := os.ReadFile(abs)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", relPath, err)
		}
		return string(data), nil
	}

	f, err := os.Open(abs)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", relPath, err)
	}
	defer f.Close()

	var sb strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFileSize)
	n := 0
	for scanner.Scan() {
		n++
		if n < line {
			continue
		}
		if n >= line+limit {
			break
		}
		sb.WriteString(scanner.Text())
		sb.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read %s: %w", relPath, err)
	}
	return sb.String(), nil
}

// MentionResource reads a mentioned file and wraps it as an embedded
// resource content block for a prompt.
func (v *Vault) MentionResource(relPath string) (acp.ContentBlock, error) {
	text, err := v.ReadText(relPath, 0, 0)
	if err != nil {
		return acp.ContentBlock{}, err
	}
	return acp.ContentBlock{
		Type: "resource",
		Resource: &acp.EmbeddedResource{
			URI:  "file://" + filepath.Join(v.root, relPath),
			Text: text,
		},
	}, nil
}

// resolve maps a relative path to an absolute one, rejecting escapes from
// the vault root.
func (v *Vault) resolve(relPath string) (string, error) {
	abs := filepath.Join(v.root, relPath)
	rel, err := filepath.Rel(v.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes the workspace", relPath)
	}
	return abs, nil
}

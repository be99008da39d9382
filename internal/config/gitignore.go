package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// GitignoreParser parses .gitignore-style exclusion rules and matches paths
// against them. Matching is delegated to doublestar, the same glob library
// internal/watcher uses for its include/exclude filters, so a path is
// ignored by exactly the engine that decides whether the watcher walks it.
type GitignoreParser struct {
	patterns []GitignorePattern
}

// GitignorePattern is one parsed line of a .gitignore file.
type GitignorePattern struct {
	Pattern   string
	Negate    bool
	Directory bool
	Absolute  bool
}

// NewGitignoreParser creates a new gitignore parser
func NewGitignoreParser() *GitignoreParser {
	return &GitignoreParser{
		patterns: make([]GitignorePattern, 0),
	}
}

// LoadGitignore loads patterns from a .gitignore file
func (gp *GitignoreParser) LoadGitignore(rootPath string) error {
	gitignorePath := filepath.Join(rootPath, ".gitignore")

	file, err := os.Open(gitignorePath)
	if err != nil {
		// .gitignore file doesn't exist, which is fine
		return nil
	}
	defer file.Close()

	return gp.scanAndParsePatterns(file)
}

// scanAndParsePatterns scans a file and parses each line as a pattern
func (gp *GitignoreParser) scanAndParsePatterns(file *os.File) error {
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if gp.shouldSkipLine(line) {
			continue
		}

		pattern := gp.parsePattern(line)
		gp.patterns = append(gp.patterns, pattern)
	}

	return scanner.Err()
}

// shouldSkipLine checks if a line should be skipped (empty or comment)
func (gp *GitignoreParser) shouldSkipLine(line string) bool {
	return line == "" || strings.HasPrefix(line, "#")
}

// AddPattern adds a single pattern to the parser (for testing)
func (gp *GitignoreParser) AddPattern(line string) {
	pattern := gp.parsePattern(line)
	gp.patterns = append(gp.patterns, pattern)
}

// parsePattern parses a single gitignore pattern line into its modifiers
// (negation, directory-only, absolute) and the remaining glob body.
func (gp *GitignoreParser) parsePattern(line string) GitignorePattern {
	pattern := GitignorePattern{}
	line = gp.extractPatternModifiers(&pattern, line)
	pattern.Pattern = line
	return pattern
}

// extractPatternModifiers extracts and processes pattern modifiers (!, /, leading /)
// Returns the cleaned pattern string
func (gp *GitignoreParser) extractPatternModifiers(pattern *GitignorePattern, line string) string {
	// Handle negation (!)
	if strings.HasPrefix(line, "!") {
		pattern.Negate = true
		line = line[1:]
	}

	// Handle directory-only patterns (ending with /)
	if strings.HasSuffix(line, "/") {
		pattern.Directory = true
		line = strings.TrimSuffix(line, "/")
	}

	// Handle absolute patterns (starting with /)
	if strings.HasPrefix(line, "/") {
		pattern.Absolute = true
		line = line[1:]
	}

	return line
}

// ShouldIgnore checks if a path should be ignored based on gitignore patterns
func (gp *GitignoreParser) ShouldIgnore(path string, isDir bool) bool {
	path = filepath.ToSlash(path)

	ignored := false
	for _, pattern := range gp.patterns {
		if gp.matchesPattern(pattern, path, isDir) {
			ignored = !pattern.Negate
		}
	}
	return ignored
}

// glob returns the doublestar pattern equivalent to p's body, applying
// git's any-depth rule: a pattern with no slash in it matches at any
// directory depth (git treats it as "**/pattern"); a pattern containing a
// slash, or an explicitly absolute one, is rooted at the project root.
func (gp *GitignoreParser) glob(p GitignorePattern) string {
	if p.Absolute || strings.Contains(p.Pattern, "/") {
		return p.Pattern
	}
	return "**/" + p.Pattern
}

// matchesPattern reports whether pattern matches path, given whether path
// is itself a directory. Directory-only patterns additionally match every
// path nested underneath them.
func (gp *GitignoreParser) matchesPattern(pattern GitignorePattern, path string, isDir bool) bool {
	if pattern.Pattern == "" {
		return false
	}
	glob := gp.glob(pattern)

	if pattern.Directory {
		if isDir {
			matched, _ := doublestar.Match(glob, path)
			return matched
		}
		matched, _ := doublestar.Match(glob+"/**", path)
		return matched
	}

	matched, _ := doublestar.Match(glob, path)
	return matched
}

// GetExclusionPatterns returns gitignore patterns as doublestar exclusion
// globs for the watcher's directory walk.
func (gp *GitignoreParser) GetExclusionPatterns() []string {
	var exclusions []string

	for _, pattern := range gp.patterns {
		if pattern.Negate || pattern.Pattern == "" {
			// Negations are handled by ShouldIgnore's last-match-wins pass,
			// not representable as a single additional exclusion glob.
			continue
		}

		glob := gp.glob(pattern)
		if pattern.Directory {
			glob += "/**"
		}
		exclusions = append(exclusions, glob)
	}

	return exclusions
}

package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IndexEntry is one line of a bucket index.
type IndexEntry struct {
	Date     string
	Time     string
	Platform string
	URL      string
	Title    string
	Filename string
}

func (e IndexEntry) render() string {
	platform := e.Platform
	if platform == "" {
		platform = "Web"
	}
	title := e.Title
	if title == "" {
		title = "Untitled"
	}
	line := fmt.Sprintf("- **%s** [%s](%s) - %s\n", e.Time, platform, e.URL, title)
	if e.Filename != "" {
		line += fmt.Sprintf("  - `%s`\n", e.Filename)
	}
	return line
}

// AppendIndex records entry in dir's index file. Entries go directly under
// their "## YYYY-MM-DD" header; a missing header is prepended.
func (l *Layout) AppendIndex(dir string, entry IndexEntry) error {
	l.indexMu.Lock()
	defer l.indexMu.Unlock()

	path := filepath.Join(dir, l.indexFile)
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read index: %w", err)
	}
	content := string(existing)
	header := "## " + entry.Date
	line := entry.render()

	var updated string
	if pos := strings.Index(content, header); pos >= 0 {
		insert := pos + len(header) + len("\n\n")
		if insert > len(content) {
			insert = len(content)
		}
		updated = content[:insert] + line + content[insert:]
	} else if content != "" {
		updated = header + "\n\n" + line + "\n" + content
	} else {
		updated = header + "\n\n" + line
	}

	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

package service

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// DeriveFileName picks a file name from the last path segment of rawURL. For
// magnet links the display name is used. URLs without a usable segment get a
// timestamp-based placeholder.
func DeriveFileName(rawURL string, index int, now time.Time) string {
	placeholder := fmt.Sprintf("download_%s_%d", now.UTC().Format("20060102T150405"), index)

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return placeholder
	}

	var name string
	if u.Scheme == "magnet" {
		name = u.Query().Get("dn")
	} else {
		p := u.Path
		if unescaped, err := url.PathUnescape(u.EscapedPath()); err == nil {
			p = unescaped
		}
		name = path.Base(p)
	}

	name = sanitizeFileName(name)
	if name == "" {
		return placeholder
	}
	return name
}

func sanitizeFileName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	if name == "." || name == ".." || name == "_" {
		return ""
	}
	return name
}

// uniqueNames de-duplicates file names within one session by appending a
// counter before the extension.
func uniqueNames(names []string) []string {
	seen := make(map[string]int, len(names))
	out := make([]string, len(names))
	for i, name := range names {
		candidate := name
		for n := seen[name]; ; n++ {
			if n > 0 {
				ext := path.Ext(name)
				candidate = fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), n, ext)
			}
			if _, taken := seen[candidate]; !taken {
				seen[name] = n + 1
				break
			}
		}
		seen[candidate] = max(seen[candidate], 1)
		out[i] = candidate
	}
	return out
}

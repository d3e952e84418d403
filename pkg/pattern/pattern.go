// Package pattern implements the domain matching rule shared by the
// blocklist and access policies: an entry matches a name when the name
// equals the entry or ends with "." followed by the entry. Comparison is
// case-insensitive and ignores a trailing root dot.
package pattern

import "strings"

// Normalize lower-cases name and strips surrounding space and trailing dots.
func Normalize(name string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(name)), ".")
}

// Match reports whether entry covers name under the suffix rule.
// Both arguments are normalized first. An empty entry matches nothing.
func Match(name, entry string) bool {
	n, e := Normalize(name), Normalize(entry)
	if e == "" || n == "" {
		return false
	}
	return n == e || strings.HasSuffix(n, "."+e)
}

// Suffixes returns every entry that would cover name, longest first:
// "a.b.example.com" yields a.b.example.com, b.example.com, example.com, com.
func Suffixes(name string) []string {
	n := Normalize(name)
	if n == "" {
		return nil
	}
	out := make([]string, 0, strings.Count(n, ".")+1)
	for {
		out = append(out, n)
		i := strings.IndexByte(n, '.')
		if i < 0 {
			return out
		}
		n = n[i+1:]
		// "a..b" style empty labels are kept out of the candidate list
		for strings.HasPrefix(n, ".") {
			n = n[1:]
		}
		if n == "" {
			return out
		}
	}
}

// Specificity is the number of labels in a normalized entry. Longer
// matching entries are more specific.
func Specificity(entry string) int {
	e := Normalize(entry)
	if e == "" {
		return 0
	}
	return strings.Count(e, ".") + 1
}

// Package conflict implements the regex-based merge-conflict resolver:
// given a file's content containing Git conflict markers, produce the
// union of non-duplicate lines from both sides. This is tried before
// falling back to the AI Conflict Resolver agent.
package conflict

import (
	"regexp"
	"strings"
)

var markerStart = regexp.MustCompile(`^<{7}(\s.*)?$`)
var markerMid = regexp.MustCompile(`^={7}$`)
var markerEnd = regexp.MustCompile(`^>{7}(\s.*)?$`)

// DependencyManifests lists filenames whose conflict resolution should
// trigger a dependency reinstall in the sandbox.
var DependencyManifests = map[string]bool{
	"pubspec.yaml":       true,
	"package.json":       true,
	"package-lock.json":  true,
	"yarn.lock":          true,
	"pnpm-lock.yaml":     true,
	"requirements.txt":   true,
	"Pipfile.lock":       true,
	"Cargo.toml":         true,
	"go.mod":             true,
}

// Resolve scans content for conflict regions and replaces each with the
// union of non-duplicate lines from both sides, preserving relative
// order (ours first, then any theirs lines not already present).
// resolved reports whether every conflict region was eliminated.
func Resolve(content string) (resolvedContent string, resolved bool) {
	lines := strings.Split(content, "\n")
	var out []string
	i := 0
	anyUnresolved := false

	for i < len(lines) {
		line := lines[i]
		if !markerStart.MatchString(line) {
			out = append(out, line)
			i++
			continue
		}

		// Found a conflict start; gather ours until the mid marker.
		oursStart := i + 1
		j := oursStart
		for j < len(lines) && !markerMid.MatchString(lines[j]) {
			j++
		}
		if j >= len(lines) {
			// Malformed/unterminated conflict block; leave as-is.
			out = append(out, line)
			i++
			anyUnresolved = true
			continue
		}
		ours := lines[oursStart:j]

		theirsStart := j + 1
		k := theirsStart
		for k < len(lines) && !markerEnd.MatchString(lines[k]) {
			k++
		}
		if k >= len(lines) {
			out = append(out, line)
			i++
			anyUnresolved = true
			continue
		}
		theirs := lines[theirsStart:k]

		out = append(out, unionLines(ours, theirs)...)
		i = k + 1
	}

	return strings.Join(out, "\n"), !anyUnresolved
}

func unionLines(ours, theirs []string) []string {
	seen := make(map[string]bool, len(ours)+len(theirs))
	var union []string
	for _, l := range ours {
		if !seen[l] {
			seen[l] = true
			union = append(union, l)
		}
	}
	for _, l := range theirs {
		if !seen[l] {
			seen[l] = true
			union = append(union, l)
		}
	}
	return union
}

// HasMarkers reports whether content still contains any conflict marker.
func HasMarkers(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		if markerStart.MatchString(line) || markerMid.MatchString(line) || markerEnd.MatchString(line) {
			return true
		}
	}
	return false
}

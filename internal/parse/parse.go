// Package parse extracts game directives from model output.
package parse

import (
	"regexp"
	"strconv"
	"strings"
)

const imageMarker = "<IMAGE"

var (
	hpDepleted = regexp.MustCompile(`HP:\s*0\b`)
	hpValue    = regexp.MustCompile(`HP:\s*(\d+)`)
)

// ImageLine returns the first line of text that starts with the image marker,
// untrimmed past the marker, and whether one was found.
func ImageLine(text string) (string, bool) {
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), imageMarker) {
			return strings.TrimSpace(line), true
		}
	}
	return "", false
}

// HPDepleted reports whether text declares zero hit points ("HP: 0"),
// wherever it appears in the narration.
func HPDepleted(text string) bool {
	return hpDepleted.MatchString(text)
}

// LastHP returns the last "HP: N" value mentioned in text, if any.
func LastHP(text string) (int, bool) {
	matches := hpValue.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(matches[len(matches)-1][1])
	if err != nil {
		return 0, false
	}
	return n, true
}

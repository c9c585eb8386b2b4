package flamingo

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// ScopeSettings is the subset of the microscope's settings dump the core
// actually parses out of a settings-load response payload (spec.md §4.8's
// "loads microscope settings" step). The payload carries many more fields
// the GUI cares about; the core only needs what its own typed accessors
// expose.
type ScopeSettings struct {
	ObjectiveMagnification float64
}

// ParseScopeSettings reads a ScopeSettings.txt-style payload in the same
// permissive key=value style as workflow.go's section bodies: bracketed
// "<...>" tag lines are skipped rather than nested, since the core has no
// use for the settings dump's section structure, only its keys.
func ParseScopeSettings(r io.Reader) (ScopeSettings, error) {
	var settings ScopeSettings

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "<") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])

		if strings.EqualFold(key, "Objective lens magnification") {
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return ScopeSettings{}, errDocBadValue("ScopeSettings: Objective lens magnification: " + err.Error())
			}
			settings.ObjectiveMagnification = v
		}
	}
	if err := scanner.Err(); err != nil {
		return ScopeSettings{}, err
	}
	return settings, nil
}

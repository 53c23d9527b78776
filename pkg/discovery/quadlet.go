package discovery

import (
	"strings"
)

// autoupdateDisabledValues are the Autoupdate spellings that exclude a
// unit from discovery. An absent key means the unit participates.
var autoupdateDisabledValues = map[string]bool{
	"":      true,
	"false": true,
	"no":    true,
	"none":  true,
	"off":   true,
	"0":     true,
}

func autoupdateDisabled(v string) bool {
	return autoupdateDisabledValues[strings.ToLower(strings.TrimSpace(v))]
}

// quadletFile is the parsed subset of a Quadlet unit file we care
// about: section-scoped key=value pairs with last-one-wins semantics.
type quadletFile struct {
	sections map[string]map[string]string
}

// parseQuadlet reads INI-ish content: `[Section]` headers, `key=value`
// lines, `#` and `;` comments. Section and key lookups are
// case-insensitive. Malformed lines are skipped, never fatal.
func parseQuadlet(content []byte) *quadletFile {
	q := &quadletFile{sections: map[string]map[string]string{}}
	section := ""
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if q.sections[section] == nil {
			q.sections[section] = map[string]string{}
		}
		q.sections[section][key] = strings.TrimSpace(val)
	}
	return q
}

// get looks up a key in a section, both case-insensitive
func (q *quadletFile) get(section, key string) (string, bool) {
	sec, ok := q.sections[strings.ToLower(section)]
	if !ok {
		return "", false
	}
	v, ok := sec[strings.ToLower(key)]
	return v, ok
}

// anyKey looks the key up across all sections, first hit wins
func (q *quadletFile) anyKey(key string) (string, bool) {
	key = strings.ToLower(key)
	for _, sec := range q.sections {
		if v, ok := sec[key]; ok {
			return v, true
		}
	}
	return "", false
}

// containerImage is the Image= value of the [Container] section, the
// default expected image for the mapped unit.
func (q *quadletFile) containerImage() string {
	v, _ := q.get("container", "image")
	return v
}

// serviceNameFor maps a Quadlet filename to the systemd unit it
// generates. Only .service, .container, .kube and .image files map; the
// bool reports whether the contents still need an Autoupdate check.
func serviceNameFor(filename string) (unit string, needsParse bool, ok bool) {
	switch {
	case strings.HasSuffix(filename, ".service"):
		return filename, false, true
	case strings.HasSuffix(filename, ".container"):
		return strings.TrimSuffix(filename, ".container") + ".service", true, true
	case strings.HasSuffix(filename, ".kube"):
		return strings.TrimSuffix(filename, ".kube") + ".service", true, true
	case strings.HasSuffix(filename, ".image"):
		return strings.TrimSuffix(filename, ".image") + ".service", true, true
	default:
		return "", false, false
	}
}

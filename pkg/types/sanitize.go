package types

import (
	"strings"
	"unicode/utf8"
)

// Boundary sanitizers. Inputs that cross a trust boundary (HTTP bodies,
// URL slugs, configured SSH targets, paths handed to a remote shell) are
// validated here, not at call sites.

const (
	maxUnitNameLen  = 200
	maxHostPathLen  = 4096
	maxSSHTargetLen = 512
)

// shellMetaChars are rejected in any token that reaches a remote host.
const shellMetaChars = ";|&$()`\"'<>\\"

func hasShellMeta(s string) bool {
	if strings.ContainsAny(s, shellMetaChars) {
		return true
	}
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return true
		}
	}
	return false
}

func isUnitNameChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.' || r == '_' || r == '-' || r == '@':
		return true
	}
	return false
}

// ValidateUnitName checks a systemd unit name against the service naming
// rules: non-empty, bounded, .service suffix, restricted charset.
func ValidateUnitName(unit string) error {
	if unit == "" {
		return NewKindError(ErrInvalidInput, "unit-empty")
	}
	if len(unit) > maxUnitNameLen {
		return NewKindError(ErrInvalidInput, "unit-too-long")
	}
	if strings.Contains(unit, "/") {
		return NewKindError(ErrInvalidInput, "unit-slash")
	}
	if !strings.HasSuffix(unit, ".service") {
		return NewKindError(ErrInvalidInput, "unit-suffix")
	}
	for _, r := range unit {
		if !isUnitNameChar(r) {
			return NewKindError(ErrInvalidInput, "unit-unsafe-char")
		}
	}
	return nil
}

func isPathComponentChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.' || r == '_' || r == '-':
		return true
	}
	return false
}

// ParseHostAbsPath validates an absolute path destined for a remote
// host. The path is later passed as a bare argv token after "--", never
// interpolated into a shell, but we still refuse anything that could be
// misread by the far side.
func ParseHostAbsPath(path string) (string, error) {
	if path == "" || !strings.HasPrefix(path, "/") {
		return "", NewKindError(ErrInvalidInput, "path-not-absolute")
	}
	if len(path) > maxHostPathLen {
		return "", NewKindError(ErrInvalidInput, "path-too-long")
	}
	if !utf8.ValidString(path) {
		return "", NewKindError(ErrInvalidInput, "path-not-utf8")
	}
	if hasShellMeta(path) {
		return "", NewKindError(ErrInvalidInput, "path-unsafe-char")
	}
	for _, comp := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		if comp == "" {
			continue
		}
		if comp == "." || comp == ".." {
			return "", NewKindError(ErrInvalidInput, "path-dot-seg")
		}
		for _, r := range comp {
			if !isPathComponentChar(r) {
				return "", NewKindError(ErrInvalidInput, "path-unsafe-char")
			}
		}
	}
	return path, nil
}

// ValidateSSHTarget checks a configured ssh destination. A leading dash
// would be parsed as an option by ssh, so it is refused outright.
func ValidateSSHTarget(target string) error {
	if target == "" {
		return NewKindError(ErrInvalidInput, "ssh-target-empty")
	}
	if len(target) > maxSSHTargetLen {
		return NewKindError(ErrInvalidInput, "ssh-target-too-long")
	}
	if strings.HasPrefix(target, "-") {
		return NewKindError(ErrInvalidInput, "ssh-target-dash")
	}
	if hasShellMeta(target) {
		return NewKindError(ErrInvalidInput, "ssh-target-unsafe-char")
	}
	return nil
}

// IsAliasSSHTarget reports whether the target is a plain ssh-config
// alias. Non-alias targets are redacted in logs and audit meta.
func IsAliasSSHTarget(target string) bool {
	if target == "" {
		return false
	}
	for _, r := range target {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// ShellSafeToken reports whether a single argv token may travel to a
// remote host.
func ShellSafeToken(tok string) bool {
	return tok != "" && !hasShellMeta(tok)
}

// SanitizeImageKey lowercases an image reference and maps every
// character outside [a-z0-9._-] to underscore. The result is a stable
// bucket name for locks and rate windows.
func SanitizeImageKey(image string) string {
	image = strings.ToLower(image)
	var b strings.Builder
	for _, r := range image {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}

// ResolveUnitIdentifier maps a slug from a URL or request body onto a
// unit name. "foo.service" passes through, "foo" becomes "foo.service",
// and "<ghPrefix>/foo" becomes "foo.service". Resolution is idempotent.
func ResolveUnitIdentifier(slug, ghPrefix string) (string, error) {
	s := strings.Trim(slug, "/")
	if ghPrefix != "" {
		s = strings.TrimPrefix(s, strings.Trim(ghPrefix, "/")+"/")
	}
	if s == "" {
		return "", NewKindError(ErrInvalidInput, "unit-empty")
	}
	if !strings.HasSuffix(s, ".service") {
		s += ".service"
	}
	if err := ValidateUnitName(s); err != nil {
		return "", err
	}
	return s, nil
}

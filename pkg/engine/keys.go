package engine

import (
	"strings"

	"golang.org/x/crypto/ssh"
)

// NormalizeAuthorizedKey parses one authorized_keys line and returns the
// canonical "type base64" form, dropping options and comment. Two lines that
// authorize the same key normalise to the same string.
func NormalizeAuthorizedKey(line string) (string, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))), nil
}

// authorizedKeyLines returns the non-blank, non-comment lines of an
// authorized_keys file, trimmed.
func authorizedKeyLines(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// missingKeys returns the desired key lines whose key is not authorized by
// any of the present lines. Unparsable present lines authorize nothing.
func missingKeys(desired, present []string) []string {
	have := make(map[string]bool, len(present))
	for _, line := range present {
		if norm, err := NormalizeAuthorizedKey(line); err == nil {
			have[norm] = true
		}
	}

	var missing []string
	for _, line := range desired {
		norm, err := NormalizeAuthorizedKey(line)
		if err != nil {
			missing = append(missing, line)
			continue
		}
		if !have[norm] {
			missing = append(missing, line)
			have[norm] = true
		}
	}
	return missing
}

// keyFingerprint returns a short label for reports.
func keyFingerprint(line string) string {
	pub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return "<invalid key>"
	}
	fp := ssh.FingerprintSHA256(pub)
	if comment != "" {
		return fp + " (" + comment + ")"
	}
	return fp
}

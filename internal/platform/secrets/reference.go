package secrets

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
)

const latestVersion = "latest"

// fallbackKey matches the reference at the start of a fallback line, query included, so the
// separating '=' can be told apart from the ones inside ?version=N.
var fallbackKey = regexp.MustCompile(`^(?:secret|sm)://[^\s=?]+(?:\?[^\s=&]+=[^\s=&]*(?:&[^\s=&]+=[^\s=&]*)*)?`)

// reference is a parsed secret://<name>[?version=N&project=P].
type reference struct {
	Canonical       string
	Secret          string
	Version         string
	ProjectOverride string
}

func parseReference(raw string) (reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return reference{}, errors.New("secrets: empty reference")
	}
	if rest, ok := strings.CutPrefix(raw, "sm://"); ok {
		raw = "secret://" + rest
	}
	u, err := url.Parse(raw)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}
	query := u.Query()
	return reference{
		Canonical:       "secret://" + name,
		Secret:          name,
		Version:         strings.TrimSpace(query.Get("version")),
		ProjectOverride: strings.TrimSpace(query.Get("project")),
	}, nil
}

// key identifies one version of the secret in caches and the fallback file.
func (r reference) key(version string) string {
	if r.ProjectOverride != "" {
		return r.ProjectOverride + "/" + r.Canonical + "#" + version
	}
	return r.Canonical + "#" + version
}

// resource is the Secret Manager version name.
func (r reference) resource(project, version string) string {
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, r.Secret, version)
}

// masked is a short stable digest safe to put on metrics.
func (r reference) masked() string {
	sum := sha256.Sum256([]byte(r.Canonical))
	return hex.EncodeToString(sum[:8])
}

// parseFallback reads "secret://name[?version=N]=value" lines. Unversioned entries also answer
// for any version that has no line of its own.
func parseFallback(r io.Reader) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name := fallbackKey.FindString(line)
		value, ok := strings.CutPrefix(strings.TrimSpace(line[len(name):]), "=")
		if name == "" || !ok {
			continue
		}
		ref, err := parseReference(name)
		if err != nil {
			continue
		}
		value = strings.TrimSpace(value)
		version := ref.Version
		if version == "" {
			version = latestVersion
		}
		if ref.Version == "" {
			values[ref.Canonical] = value
		}
		values[ref.key(version)] = value
	}
	return values, scanner.Err()
}

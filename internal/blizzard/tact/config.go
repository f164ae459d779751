package tact

import "strings"

// KeyValueConfig is a parsed build-config or CDN-config file: newline-
// separated "key = value" pairs.
type KeyValueConfig map[string]string

// ParseKeyValueConfig parses the newline-separated "key = value" format
// used by TACT build and CDN config files. Blank lines and lines starting
// with '#' are ignored.
func ParseKeyValueConfig(data []byte) KeyValueConfig {
	cfg := make(KeyValueConfig)
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.Index(line, "=")
		if i < 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		val := strings.TrimSpace(line[i+1:])
		cfg[key] = val
	}
	return cfg
}

// FirstHash returns the first whitespace-separated token of a (possibly
// multi-valued, "<hash> <size>" or "<hash1> <hash2>") config value.
func (c KeyValueConfig) FirstHash(key string) string {
	v := c[key]
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// HashList splits a space-separated list of hashes, e.g. the "archives" key.
func (c KeyValueConfig) HashList(key string) []string {
	return strings.Fields(c[key])
}

// Package tact implements the Blizzard side of game attribution: TACT
// manifest download, BLTE decompression, and the (archive, offset) ->
// game-file map used to identify which game a cached chunk belongs to.
// Binary formats are decoded with explicit big-endian reads, never by
// reinterpreting raw bytes through a host-endian struct overlay.
package tact

import (
	"fmt"
	"strings"
)

// Table is a parsed pipe-delimited TSV: headers with their "!TYPE:SIZE"
// suffix stripped, and every data row in file order.
type Table struct {
	Headers []string
	Rows    [][]string
}

// ParseTable parses a TACT TSV (versions or cdns). The first line is the
// header; fields may carry a "!TYPE:SIZE" suffix (e.g. "BuildConfig!HEX:16")
// which is stripped so the recognized header names can be located
// regardless of column order.
func ParseTable(data []byte) (Table, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	lines := strings.Split(strings.Trim(text, "\n"), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return Table{}, fmt.Errorf("tact: empty tsv")
	}

	rawHeaders := strings.Split(lines[0], "|")
	headers := make([]string, len(rawHeaders))
	for i, h := range rawHeaders {
		headers[i] = stripTypeSuffix(strings.TrimSpace(h))
	}

	var rows [][]string
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rows = append(rows, strings.Split(line, "|"))
	}

	return Table{Headers: headers, Rows: rows}, nil
}

// stripTypeSuffix removes a trailing "!TYPE:SIZE" annotation from a header
// field, e.g. "BuildConfig!HEX:16" -> "BuildConfig".
func stripTypeSuffix(h string) string {
	if i := strings.IndexByte(h, '!'); i >= 0 {
		return h[:i]
	}
	return h
}

// columnIndex returns the index of name within headers, or -1.
func (t Table) columnIndex(name string) int {
	for i, h := range t.Headers {
		if strings.EqualFold(h, name) {
			return i
		}
	}
	return -1
}

// Field returns the value of column name in row, or "" if the column or the
// value is absent.
func (t Table) Field(row []string, name string) string {
	i := t.columnIndex(name)
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

// LastRow returns the last data row, which is the most recent build.
func (t Table) LastRow() ([]string, bool) {
	if len(t.Rows) == 0 {
		return nil, false
	}
	return t.Rows[len(t.Rows)-1], true
}

// VersionsRow is the resolved shape of one row of the TACT "versions" TSV.
type VersionsRow struct {
	Region      string
	BuildConfig string
	CDNConfig   string
	ProductConfig string
	BuildID     string
}

// ParseVersions parses a versions TSV and returns its most recent row.
func ParseVersions(data []byte) (VersionsRow, error) {
	t, err := ParseTable(data)
	if err != nil {
		return VersionsRow{}, err
	}
	row, ok := t.LastRow()
	if !ok {
		return VersionsRow{}, fmt.Errorf("tact: versions tsv has no data rows")
	}
	return VersionsRow{
		Region:        t.Field(row, "Region"),
		BuildConfig:   t.Field(row, "BuildConfig"),
		CDNConfig:     t.Field(row, "CDNConfig"),
		ProductConfig: t.Field(row, "ProductConfig"),
		BuildID:       t.Field(row, "BuildId"),
	}, nil
}

// CDNsRow is the resolved shape of one row of the TACT "cdns" TSV.
type CDNsRow struct {
	Name       string
	Path       string
	Hosts      []string
	ConfigPath string
}

// ParseCDNs parses a cdns TSV and returns its most recent row.
func ParseCDNs(data []byte) (CDNsRow, error) {
	t, err := ParseTable(data)
	if err != nil {
		return CDNsRow{}, err
	}
	row, ok := t.LastRow()
	if !ok {
		return CDNsRow{}, fmt.Errorf("tact: cdns tsv has no data rows")
	}
	return CDNsRow{
		Name:       t.Field(row, "Name"),
		Path:       t.Field(row, "Path"),
		Hosts:      strings.Fields(t.Field(row, "Hosts")),
		ConfigPath: t.Field(row, "ConfigPath"),
	}, nil
}

// preferredHostSuffixes are tried first, in order; any other non-level3
// host is the fallback.
var preferredHostSuffixes = []string{
	"us.cdn.blizzard.com",
	"eu.cdn.blizzard.com",
	"kr.cdn.blizzard.com",
}

// ResolveHost picks the best CDN host from a cdns row: a preferred regional
// host if present, otherwise the first host that isn't a "level3" CDN
// mirror, otherwise the first host listed.
func (c CDNsRow) ResolveHost() (string, error) {
	if len(c.Hosts) == 0 {
		return "", fmt.Errorf("tact: no cdn hosts listed")
	}
	for _, want := range preferredHostSuffixes {
		for _, h := range c.Hosts {
			if strings.EqualFold(h, want) {
				return h, nil
			}
		}
	}
	for _, h := range c.Hosts {
		if !strings.Contains(strings.ToLower(h), "level3") {
			return h, nil
		}
	}
	return c.Hosts[0], nil
}

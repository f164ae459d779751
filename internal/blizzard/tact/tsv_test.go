package tact

import "testing"

func TestParseVersionsStripsTypeSuffix(t *testing.T) {
	data := []byte("BuildConfig!HEX:16|CDNConfig!HEX:16|ProductConfig!HEX:16\n" +
		"abc1234|def5678|ghi9012\n")

	got, err := ParseVersions(data)
	if err != nil {
		t.Fatalf("ParseVersions: %v", err)
	}
	if got.BuildConfig != "abc1234" || got.CDNConfig != "def5678" || got.ProductConfig != "ghi9012" {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestParseVersionsTakesLastRow(t *testing.T) {
	data := []byte("Region|BuildConfig|CDNConfig|ProductConfig\n" +
		"us|old1|old2|old3\n" +
		"us|new1|new2|new3\n")

	got, err := ParseVersions(data)
	if err != nil {
		t.Fatalf("ParseVersions: %v", err)
	}
	if got.BuildConfig != "new1" {
		t.Fatalf("expected last row, got %+v", got)
	}
}

func TestParseVersionsColumnOrderIndependent(t *testing.T) {
	data := []byte("ProductConfig|BuildConfig|CDNConfig\n" +
		"p1|b1|c1\n")
	got, err := ParseVersions(data)
	if err != nil {
		t.Fatalf("ParseVersions: %v", err)
	}
	if got.BuildConfig != "b1" || got.CDNConfig != "c1" || got.ProductConfig != "p1" {
		t.Fatalf("column order should not matter: %+v", got)
	}
}

func TestResolveHostPrefersRegional(t *testing.T) {
	row := CDNsRow{Hosts: []string{"level3.blizzard.com", "other.cdn.com", "us.cdn.blizzard.com"}}
	host, err := row.ResolveHost()
	if err != nil {
		t.Fatal(err)
	}
	if host != "us.cdn.blizzard.com" {
		t.Fatalf("expected preferred regional host, got %s", host)
	}
}

func TestResolveHostSkipsLevel3WhenNoRegional(t *testing.T) {
	row := CDNsRow{Hosts: []string{"level3.blizzard.com", "other.cdn.com"}}
	host, err := row.ResolveHost()
	if err != nil {
		t.Fatal(err)
	}
	if host != "other.cdn.com" {
		t.Fatalf("expected first non-level3 host, got %s", host)
	}
}

func TestParseKeyValueConfig(t *testing.T) {
	data := []byte("build-name = WOW-12345\narchives = a1 a2 a3\n# comment\n\nencoding = ckeyhash ekeyhash\n")
	cfg := ParseKeyValueConfig(data)
	if cfg["build-name"] != "WOW-12345" {
		t.Fatalf("unexpected build-name: %q", cfg["build-name"])
	}
	if got := cfg.HashList("archives"); len(got) != 3 || got[0] != "a1" {
		t.Fatalf("unexpected archives list: %v", got)
	}
	if got := cfg.FirstHash("encoding"); got != "ckeyhash" {
		t.Fatalf("unexpected encoding first hash: %q", got)
	}
}

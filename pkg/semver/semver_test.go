package semver

import "testing"

func TestRequirementMatches(t *testing.T) {
	tests := []struct {
		req     string
		version string
		want    bool
	}{
		{"1.2", "1.2.0", true},
		{"1.2", "1.9.3", true},
		{"1.2", "2.0.0", false},
		{"1.2", "1.1.9", false},
		{"^0.10", "0.10.4", true},
		{"^0.10", "0.11.0", false},
		{"=0.10.0", "0.10.1", false},
		{">=0.3, <0.5", "0.4.2", true},
		{">=0.3, <0.5", "0.5.0", false},
		{"*", "7.1.0", true},
		{"", "0.0.1", true},
	}
	for _, tt := range tests {
		t.Run(tt.req+"/"+tt.version, func(t *testing.T) {
			if got := Satisfies(tt.version, tt.req); got != tt.want {
				t.Errorf("Satisfies(%q, %q) = %v, want %v", tt.version, tt.req, got, tt.want)
			}
		})
	}
}

func TestSatisfiesInvalidInput(t *testing.T) {
	if Satisfies("not-a-version", "1.0") {
		t.Error("invalid version must not match")
	}
	if Satisfies("1.0.0", ">>1") {
		t.Error("invalid requirement must not match")
	}
}

func TestCompatible(t *testing.T) {
	tests := []struct {
		host, plugin string
		want         bool
	}{
		{"1.4.0", "1.0.0", true},
		{"1.4.0", "1.4.2", false},
		{"1.4.0", "2.0.0", false},
		{"0.10.0", "0.10.0", true},
		{"0.10.3", "0.9.0", false},
		{"1.0.0", "garbage", false},
	}
	for _, tt := range tests {
		if got := Compatible(tt.host, tt.plugin); got != tt.want {
			t.Errorf("Compatible(%q, %q) = %v, want %v", tt.host, tt.plugin, got, tt.want)
		}
	}
}

func TestCompare(t *testing.T) {
	if Compare(MustParseVersion("1.2.0"), MustParseVersion("1.10.0")) != -1 {
		t.Fatal("expected 1.2.0 < 1.10.0")
	}
	if Compare(Version{}, MustParseVersion("0.0.1")) != -1 {
		t.Fatal("expected zero version to sort first")
	}
}

package version

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *Version
		wantErr bool
	}{
		{
			name:  "full triple",
			input: "1.19.4",
			want:  &Version{Major: 1, Minor: 19, Patch: 4},
		},
		{
			name:  "v prefix",
			input: "v1.19.4",
			want:  &Version{Major: 1, Minor: 19, Patch: 4},
		},
		{
			name:  "missing patch defaults to zero",
			input: "1.19",
			want:  &Version{Major: 1, Minor: 19, Patch: 0},
		},
		{
			name:  "major only",
			input: "2",
			want:  &Version{Major: 2, Minor: 0, Patch: 0},
		},
		{
			name:  "prerelease tag",
			input: "1.20.1-rc.1",
			want:  &Version{Major: 1, Minor: 20, Patch: 1, Tag: "rc.1"},
		},
		{
			name:    "not a version",
			input:   "latest",
			wantErr: true,
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("Parse() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}
			if *got != *tt.want {
				t.Errorf("Parse() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseStrict(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"1.20.4", false},
		{"0.0.1", false},
		{"1.20", true},
		{"v1.20.0", true},
		{"latest", true},
		{"1.20.1-rc.1", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := ParseStrict(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseStrict(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want int
	}{
		{"equal", "1.19.4", "1.19.4", 0},
		{"major newer", "2.0.0", "1.19.4", 1},
		{"minor older", "1.18.9", "1.19.0", -1},
		{"patch newer", "1.19.5", "1.19.4", 1},
		{"missing patch defaults to zero", "1.19", "1.19.1", -1},
		{"tags ignored for ordering", "1.19.4-rc.1", "1.19.4", 0},
		{"numeric over prerelease flag", "1.20.1-rc.1", "1.20.0", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CompareStrings(tt.a, tt.b)
			if err != nil {
				t.Fatalf("CompareStrings() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Compare(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}

			// The comparison must be antisymmetric.
			inverse, err := CompareStrings(tt.b, tt.a)
			if err != nil {
				t.Fatalf("CompareStrings() error = %v", err)
			}
			if inverse != -tt.want {
				t.Errorf("Compare(%q, %q) = %d, want %d", tt.b, tt.a, inverse, -tt.want)
			}
		})
	}
}

func TestChannelMembership(t *testing.T) {
	tests := []struct {
		input      string
		inStable   bool
		inUnstable bool
	}{
		{"1.20.0", true, true},
		{"1.20.1-rc.1", false, true},
		{"1.20.1-pre.2", false, true},
		{"1.20.1-dev.1", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got := v.InChannel(ChannelStable); got != tt.inStable {
				t.Errorf("InChannel(stable) = %v, want %v", got, tt.inStable)
			}
			if got := v.InChannel(ChannelUnstable); got != tt.inUnstable {
				t.Errorf("InChannel(unstable) = %v, want %v", got, tt.inUnstable)
			}
		})
	}
}

func TestParseChannel(t *testing.T) {
	if _, err := ParseChannel("weekly"); err == nil {
		t.Error("ParseChannel(weekly) expected error")
	}
	c, err := ParseChannel("")
	if err != nil || c != ChannelStable {
		t.Errorf("ParseChannel(\"\") = %v, %v; want stable", c, err)
	}
}

func TestString(t *testing.T) {
	v := &Version{Major: 1, Minor: 20, Patch: 1, Tag: "rc.1"}
	if got := v.String(); got != "1.20.1-rc.1" {
		t.Errorf("String() = %q, want %q", got, "1.20.1-rc.1")
	}
}

package sshdconfig

import (
	"strings"
	"testing"
)

const sample = `# Example sshd_config
Port 22
#PermitRootLogin yes
PermitRootLogin prohibit-password
PasswordAuthentication yes
UsePAM yes

Match User backup
    PasswordAuthentication no
`

func TestLookup(t *testing.T) {
	tests := []struct {
		name    string
		content string
		keyword string
		want    string
		found   bool
	}{
		{name: "active directive", content: sample, keyword: "PermitRootLogin", want: "prohibit-password", found: true},
		{name: "case insensitive", content: sample, keyword: "permitrootlogin", want: "prohibit-password", found: true},
		{name: "commented only", content: "#PubkeyAuthentication yes\n", keyword: "PubkeyAuthentication", found: false},
		{name: "missing", content: sample, keyword: "AllowUsers", found: false},
		{name: "last occurrence wins", content: "X11Forwarding yes\nX11Forwarding no\n", keyword: "X11Forwarding", want: "no", found: true},
		{name: "equals separator", content: "MaxAuthTries=3\n", keyword: "MaxAuthTries", want: "3", found: true},
		{name: "match block ignored", content: sample, keyword: "PasswordAuthentication", want: "yes", found: true},
		{name: "empty file", content: "", keyword: "Port", found: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := Parse(tt.content).Lookup(tt.keyword)
			if found != tt.found {
				t.Fatalf("expected found=%v, got %v", tt.found, found)
			}
			if got != tt.want {
				t.Errorf("expected value %q, got %q", tt.want, got)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, content := range []string{sample, "Port 22", "", "\n", "a b\n\n# c\n"} {
		if got := Parse(content).String(); got != content {
			t.Errorf("round trip mismatch:\nwant %q\ngot  %q", content, got)
		}
	}
}

func TestApplyReplacesDuplicates(t *testing.T) {
	content := "# header\n#PermitRootLogin yes\nPermitRootLogin yes\nPort 22\nPermitRootLogin without-password\n"

	out := Parse(content).Apply(map[string]string{"PermitRootLogin": "no"})

	if n := out.Count("PermitRootLogin"); n != 1 {
		t.Fatalf("expected exactly one active PermitRootLogin, got %d", n)
	}
	want := "# header\n#PermitRootLogin yes\nPermitRootLogin no\nPort 22\n"
	if got := out.String(); got != want {
		t.Errorf("unexpected render:\nwant %q\ngot  %q", want, got)
	}
}

func TestApplyAppendsBeforeMatch(t *testing.T) {
	out := Parse(sample).Apply(map[string]string{
		"PasswordAuthentication": "no",
		"AllowUsers":             "deploy",
	})

	rendered := out.String()
	matchIdx := strings.Index(rendered, "Match User backup")
	allowIdx := strings.Index(rendered, "AllowUsers deploy")
	if allowIdx < 0 || matchIdx < 0 || allowIdx > matchIdx {
		t.Fatalf("expected AllowUsers before the Match block:\n%s", rendered)
	}
	if !strings.Contains(rendered, "    PasswordAuthentication no\n") {
		t.Errorf("expected Match block preserved verbatim:\n%s", rendered)
	}
	if v, _ := out.Lookup("PasswordAuthentication"); v != "no" {
		t.Errorf("expected global PasswordAuthentication no, got %q", v)
	}
}

func TestApplyPreservesUnrelatedLines(t *testing.T) {
	out := Parse(sample).Apply(map[string]string{"PermitRootLogin": "no"})

	original := Parse(sample).Lines()
	kept := map[string]bool{}
	for _, l := range out.Lines() {
		kept[l.Raw] = true
	}
	for _, l := range original {
		if strings.EqualFold(l.Keyword, "PermitRootLogin") {
			continue
		}
		if !kept[l.Raw] {
			t.Errorf("line %q was not preserved", l.Raw)
		}
	}
}

func TestApplyIsStable(t *testing.T) {
	directives := map[string]string{"PermitRootLogin": "no", "MaxAuthTries": "3"}

	first := Parse(sample).Apply(directives).String()
	second := Parse(first).Apply(directives).String()

	if first != second {
		t.Errorf("second apply changed the file:\nfirst  %q\nsecond %q", first, second)
	}
}

func TestApplyEmptyFile(t *testing.T) {
	got := Parse("").Apply(map[string]string{"PermitRootLogin": "no"}).String()
	if got != "PermitRootLogin no\n" {
		t.Errorf("expected single directive, got %q", got)
	}
}

func TestApplyAddsTrailingNewline(t *testing.T) {
	got := Parse("Port 22").Apply(map[string]string{"UseDNS": "no"}).String()
	if got != "Port 22\nUseDNS no\n" {
		t.Errorf("unexpected render %q", got)
	}
}

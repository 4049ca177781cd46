package idgen

import (
	"regexp"
	"strings"
	"testing"
)

func TestTxHash_Format(t *testing.T) {
	re := regexp.MustCompile(`^0x[0-9a-f]{64}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		h := TxHash()
		if !re.MatchString(h) {
			t.Fatalf("TxHash() = %q, want 0x + 64 hex chars", h)
		}
		if seen[h] {
			t.Fatalf("duplicate hash %q", h)
		}
		seen[h] = true
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("task_")
	if !strings.HasPrefix(id, "task_") || len(id) != len("task_")+24 {
		t.Errorf("WithPrefix = %q", id)
	}
}

func TestContractID(t *testing.T) {
	id := ContractID()
	if !strings.HasPrefix(id, "C") || len(id) != 41 {
		t.Errorf("ContractID = %q", id)
	}
}

package stdio

import (
	"os"
	"testing"
)

func TestMergedEnv_OverridesProcessEnvironment(t *testing.T) {
	t.Setenv("MCP_GATEWAY_TEST_VAR", "from-process")

	merged := mergedEnv(map[string]string{"MCP_GATEWAY_TEST_VAR": "from-backend", "EXTRA": "1"})
	if merged["MCP_GATEWAY_TEST_VAR"] != "from-backend" {
		t.Fatalf("override not applied: got %q", merged["MCP_GATEWAY_TEST_VAR"])
	}
	if merged["EXTRA"] != "1" {
		t.Fatalf("new key not added: got %q", merged["EXTRA"])
	}
}

func TestMergedEnv_PreservesUnrelatedProcessVars(t *testing.T) {
	t.Setenv("MCP_GATEWAY_TEST_UNRELATED", "still-here")
	merged := mergedEnv(nil)
	if merged["MCP_GATEWAY_TEST_UNRELATED"] != "still-here" {
		t.Fatalf("unrelated process env var lost")
	}
	if len(merged) < len(os.Environ()) {
		t.Fatalf("merged env smaller than process env")
	}
}

package approval

import "testing"

func TestRequiresApproval_ReadOnlyNever(t *testing.T) {
	p := New()
	p.Register("Read", ClassReadOnly)
	if p.RequiresApproval("Read", "", false) {
		t.Fatal("read-only tool should never require approval")
	}
}

func TestRequiresApproval_ShellAlwaysUnlessMemoized(t *testing.T) {
	p := New()
	p.Register("Shell", ClassShell)

	if !p.RequiresApproval("Shell", "ls -la", false) {
		t.Fatal("shell should require approval by default")
	}

	p.Record("Shell", "ls -la", AllowedAlways)

	if p.RequiresApproval("Shell", "ls -la", false) {
		t.Fatal("identical command string should be memoized")
	}
	if !p.RequiresApproval("Shell", "rm -rf /", false) {
		t.Fatal("a different command string should still prompt")
	}
}

func TestRequiresApproval_NeedUserApproveOverride(t *testing.T) {
	p := New()
	p.Register("Read", ClassReadOnly)
	if !p.RequiresApproval("Read", "", true) {
		t.Fatal("need_user_approve=true must force approval regardless of class")
	}
}

func TestRequiresApproval_WriteAlwaysAllowScopedPerTool(t *testing.T) {
	p := New()
	p.Register("Edit", ClassWrite)

	if !p.RequiresApproval("Edit", "", false) {
		t.Fatal("write tools require approval by default")
	}
	p.Record("Edit", "", AllowedAlways)
	if p.RequiresApproval("Edit", "", false) {
		t.Fatal("always-allow should suppress future prompts for this tool")
	}
}

func TestRequiresApproval_CompressionAndWebSearchAlwaysPrompt(t *testing.T) {
	p := New()
	p.Register("Compress", ClassCompression)
	p.Register("WebSearch", ClassWebSearch)

	if !p.RequiresApproval("Compress", "", false) {
		t.Fatal("compression must always require approval")
	}
	if !p.RequiresApproval("WebSearch", "", false) {
		t.Fatal("web search must always require approval")
	}
}

func TestRequiresApproval_UnregisteredDefaultsToConservative(t *testing.T) {
	p := New()
	if !p.RequiresApproval("SomeNewTool", "", false) {
		t.Fatal("unregistered tools should default to requiring approval")
	}
}

func TestRegisterDefaults(t *testing.T) {
	p := New()
	p.RegisterDefaults()
	if p.RequiresApproval("Read", "", false) {
		t.Fatal("Read should be read-only by default table")
	}
	if !p.RequiresApproval("Shell", "ls", false) {
		t.Fatal("Shell should require approval by default table")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := t.TempDir() + "/approvals.json"

	p := New()
	p.RegisterDefaults()
	p.Record("Shell", "ls -la", AllowedAlways)
	p.Record("Edit", "", AllowedAlways)
	if err := p.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	q := New()
	q.RegisterDefaults()
	if err := q.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if q.RequiresApproval("Shell", "ls -la", false) {
		t.Error("memoized shell command should not prompt after load")
	}
	if !q.RequiresApproval("Shell", "rm -rf /", false) {
		t.Error("different shell command must still prompt")
	}
	if q.RequiresApproval("Edit", "", false) {
		t.Error("always-allowed write tool should not prompt after load")
	}
}

func TestLoadMissingFileIsNoop(t *testing.T) {
	p := New()
	if err := p.Load(t.TempDir() + "/nope.json"); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
}

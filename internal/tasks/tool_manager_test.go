package tasks

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ctfrefine/internal/config"
)

func TestGoCTFHomeResolution(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.SoftwareRoot = "/opt/em"

	t.Setenv(GoCTFHomeVar, "")
	tm := NewToolManager(cfg)
	if got := tm.Home(); got != "/opt/em/goctf-1.2.0" {
		t.Fatalf("default home = %q", got)
	}

	cfg.Tools.GoCTF.Home = "/cfg/goctf"
	if got := tm.Home(); got != "/cfg/goctf" {
		t.Fatalf("config home = %q", got)
	}

	t.Setenv(GoCTFHomeVar, "/env/goctf")
	if got := tm.Program(); got != "/env/goctf/bin/goctf" {
		t.Fatalf("program = %q", got)
	}

	env := tm.Environ()
	if last := env[len(env)-1]; last != "GOCTF_HOME=/env/goctf" {
		t.Fatalf("expected GOCTF_HOME in environment, got %q", last)
	}
}

func TestCheckToolGoCTF(t *testing.T) {
	tm := installGoCTF(t, "#!/bin/sh\nexit 0\n")
	status := tm.CheckTool("goctf")
	if !status.Available || status.Version != GoCTFVersion {
		t.Fatalf("expected available goctf %s, got %+v", GoCTFVersion, status)
	}

	if err := os.Chmod(status.Path, 0o644); err != nil {
		t.Fatal(err)
	}
	if st := tm.CheckTool("goctf"); st.Available {
		t.Fatalf("non-executable goctf reported available")
	}

	cfg := config.Default()
	cfg.Tools.GoCTF.Home = filepath.Join(t.TempDir(), "none")
	st := NewToolManager(cfg).CheckTool("goctf")
	if st.Available || st.Error == nil || !strings.Contains(st.Error.Error(), GoCTFHomeVar) {
		t.Fatalf("expected missing goctf error naming %s, got %+v", GoCTFHomeVar, st)
	}
}

func TestCheckToolOnPath(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "mytool"), []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir)
	tm := NewToolManager(nil)
	if st := tm.CheckTool("mytool"); !st.Available {
		t.Fatalf("expected mytool available: %+v", st)
	}
	if st := tm.CheckTool("absent-tool"); st.Available {
		t.Fatalf("absent tool reported available")
	}
}

func TestExtractVersion(t *testing.T) {
	out := "Version: ImageMagick 6.9.11\nCopyright...\n"
	if got := extractVersion(out); got != "Version: ImageMagick 6.9.11" {
		t.Fatalf("extractVersion = %q", got)
	}
	if got := extractVersion("goctf 1.2\n"); got != "goctf 1.2" {
		t.Fatalf("extractVersion fallback = %q", got)
	}
}

func TestCitation(t *testing.T) {
	s := Su2019.String()
	if !strings.Contains(s, "205(1):22-29") || !strings.Contains(s, Su2019.DOI) {
		t.Fatalf("unexpected citation %q", s)
	}
}

package tasks

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"ctfrefine/internal/config"
)

const (
	// GoCTFHomeVar points at the goCTF installation directory.
	GoCTFHomeVar = "GOCTF_HOME"
	// GoCTFVersion is the supported goCTF release.
	GoCTFVersion = "1.2.0"
)

// Citation describes a reference cited in the methods text.
type Citation struct {
	Key     string
	Authors string
	Title   string
	Journal string
	Year    int
	Volume  string
	Pages   string
	DOI     string
}

func (c Citation) String() string {
	return fmt.Sprintf("%s (%d) %s. %s %s:%s. doi:%s", c.Authors, c.Year, c.Title, c.Journal, c.Volume, c.Pages, c.DOI)
}

// Su2019 is the goCTF reference.
var Su2019 = Citation{
	Key:     "Su2019",
	Authors: "Su M",
	Title:   "goCTF: Geometrically optimized CTF determination for single-particle cryo-EM",
	Journal: "J Struct Biol",
	Year:    2019,
	Volume:  "205(1)",
	Pages:   "22-29",
	DOI:     "10.1016/j.jsb.2018.11.012",
}

// ToolManager locates external programs and describes the goCTF installation.
type ToolManager struct {
	cfg       *config.Config
	lookupEnv func(string) (string, bool)
}

// NewToolManager creates a new tool manager with configuration
func NewToolManager(cfg *config.Config) *ToolManager {
	if cfg == nil {
		cfg = config.Default()
	}
	return &ToolManager{cfg: cfg, lookupEnv: os.LookupEnv}
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// Version returns the configured goCTF version.
func (tm *ToolManager) Version() string {
	if v := tm.cfg.Tools.GoCTF.Version; v != "" {
		return v
	}
	return GoCTFVersion
}

// Home returns the goCTF installation directory. GOCTF_HOME wins over the
// configuration, which wins over <software_root>/goctf-<version>.
func (tm *ToolManager) Home() string {
	if v, ok := tm.lookupEnv(GoCTFHomeVar); ok && v != "" {
		return v
	}
	if tm.cfg.Tools.GoCTF.Home != "" {
		return tm.cfg.Tools.GoCTF.Home
	}
	return filepath.Join(tm.cfg.Paths.SoftwareRoot, "goctf-"+tm.Version())
}

// Program returns the goCTF executable path.
func (tm *ToolManager) Program() string {
	return filepath.Join(tm.Home(), "bin", "goctf")
}

// Environ returns the environment for goCTF subprocesses: the current
// process environment plus configured extras and GOCTF_HOME.
func (tm *ToolManager) Environ() []string {
	env := os.Environ()
	env = append(env, tm.cfg.Tools.GoCTF.Env...)
	return append(env, GoCTFHomeVar+"="+tm.Home())
}

// CheckTool verifies if a tool is available and working
func (tm *ToolManager) CheckTool(toolName string) ToolStatus {
	if toolName == "goctf" {
		path := tm.Program()
		info, err := os.Stat(path)
		if err != nil {
			return ToolStatus{Available: false, Path: path, Error: fmt.Errorf("goctf not found, set %s: %w", GoCTFHomeVar, err)}
		}
		if !isExecutable(info) {
			return ToolStatus{Available: false, Path: path, Error: fmt.Errorf("%s is not executable", path)}
		}
		return ToolStatus{Available: true, Version: tm.Version(), Path: path}
	}

	binaryName := toolName
	var versionCmd []string
	switch toolName {
	case "imagemagick":
		binaryName = "convert"
		versionCmd = []string{"convert", "-version"}
	}

	path, err := exec.LookPath(binaryName)
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}
	if len(versionCmd) == 0 {
		return ToolStatus{Available: true, Path: path}
	}

	output, err := exec.Command(versionCmd[0], versionCmd[1:]...).CombinedOutput()
	if err != nil && len(output) == 0 {
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// GetToolStatus returns the status of every external program ctfrefine uses.
func (tm *ToolManager) GetToolStatus() map[string]ToolStatus {
	return map[string]ToolStatus{
		"goctf":       tm.CheckTool("goctf"),
		"imagemagick": tm.CheckTool("imagemagick"),
	}
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}

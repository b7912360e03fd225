package cli

import (
	"fmt"
	"os"
	"runtime"
	"sort"

	"gopkg.in/yaml.v3"

	"ctfrefine/internal/config"
	"ctfrefine/internal/logging"
	"ctfrefine/internal/tasks"
)

const version = "v1.0.0-dev"

func (r *Root) configShow() error {
	fmt.Printf("Current configuration:\n")
	fmt.Printf("Config file: %s\n\n", config.Path())
	out, err := yaml.Marshal(r.cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}

func (r *Root) cmdTools(verbose bool) error {
	tm := r.newToolManager()
	status := tm.GetToolStatus()

	fmt.Println("ctfrefine tool status")
	fmt.Printf("  goCTF home:    %s (%s)\n", tm.Home(), tasks.GoCTFHomeVar)
	fmt.Printf("  goCTF version: %s\n\n", tm.Version())

	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)

	missing := false
	for _, name := range names {
		st := status[name]
		logging.LogToolStatus(r.log, name, st.Available, st.Version, st.Path, st.Error)
		mark := "NOT AVAILABLE"
		if st.Available {
			mark = "AVAILABLE"
		} else {
			missing = true
		}
		fmt.Printf("  %-12s %s", name, mark)
		if verbose {
			if st.Path != "" {
				fmt.Printf(" [%s]", st.Path)
			}
			if st.Version != "" {
				fmt.Printf(" (%s)", st.Version)
			}
			if st.Error != nil {
				fmt.Printf(" - %v", st.Error)
			}
		}
		fmt.Println()
	}

	if missing {
		fmt.Printf("\ngoCTF is required; ImageMagick only for micrographs that are not MRC.\n")
		fmt.Printf("Install goCTF %s under %s or point %s at it.\n", tm.Version(), tm.Home(), tasks.GoCTFHomeVar)
	}
	return nil
}

func (r *Root) cmdVersion() error {
	tm := r.newToolManager()
	fmt.Printf("ctfrefine %s\n", version)
	fmt.Printf("Built with Go %s\n", runtime.Version())
	fmt.Printf("goCTF %s\n", tm.Version())
	fmt.Printf("Cite: %s\n", tasks.Su2019)
	return nil
}

package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
}

type versionOutput struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Crucible  string `json:"crucible_version,omitempty"`
	Gofulmen  string `json:"gofulmen_version,omitempty"`
}

func currentVersion() versionOutput {
	deps := crucible.GetVersion()
	return versionOutput{
		Version:   versionInfo.Version,
		Commit:    versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Crucible:  deps.Crucible,
		Gofulmen:  deps.Gofulmen,
	}
}

func runVersion(cmd *cobra.Command, _ []string) error {
	v := currentVersion()
	out := cmd.OutOrStdout()
	if versionJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	name := "jobkernel"
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		name = id.BinaryName
	}
	_, err := fmt.Fprintf(out, "%s %s (commit %s, built %s)\n%s %s\ncrucible %s, gofulmen %s\n",
		name, v.Version, v.Commit, v.BuildDate, v.GoVersion, v.Platform, v.Crucible, v.Gofulmen)
	return err
}

package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nexusai/chgate/internal/output"
)

var nonFilename = regexp.MustCompile(`[^a-z0-9._-]+`)

func sanitizeFilename(value string) string {
	clean := nonFilename.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), "-")
	if clean = strings.Trim(clean, "-."); clean == "" {
		return "output"
	}
	return clean
}

// addOutputFlags registers the shared rendering flags.
func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().String("output-format", string(output.FormatTable), "Output format: table|json|markdown|yaml")
	cmd.Flags().String("out", "", "Write output to a file (default stdout)")
	cmd.Flags().String("out-dir", "", "Write output to a directory")
}

// outputTarget is what the output flags resolve to.
type outputTarget struct {
	format output.Format
	path   string
}

func resolveOutput(cmd *cobra.Command, name string) (outputTarget, error) {
	flags := cmd.Flags()
	value, err := flags.GetString("output-format")
	if err != nil {
		return outputTarget{}, err
	}
	format, err := output.ParseFormat(value)
	if err != nil {
		return outputTarget{}, err
	}

	outPath, _ := flags.GetString("out")
	outDir, _ := flags.GetString("out-dir")
	outPath, outDir = strings.TrimSpace(outPath), strings.TrimSpace(outDir)
	if outPath != "" && outDir != "" {
		return outputTarget{}, fmt.Errorf("--out and --out-dir are mutually exclusive")
	}
	if outDir != "" {
		if abs, err := filepath.Abs(outDir); err == nil {
			outDir = abs
		}
		outPath = filepath.Join(outDir, sanitizeFilename(name)+"."+output.Extension(format))
	}
	return outputTarget{format: format, path: outPath}, nil
}

// writeRendered renders for the selected format and writes the result to
// stdout, --out, or <out-dir>/<name>.<ext>.
func writeRendered(cmd *cobra.Command, name string, render func(output.Format) (string, error)) error {
	target, err := resolveOutput(cmd, name)
	if err != nil {
		return err
	}
	rendered, err := render(target.format)
	if err != nil || strings.TrimSpace(rendered) == "" {
		return err
	}
	if !strings.HasSuffix(rendered, "\n") {
		rendered += "\n"
	}

	if target.path == "" || target.path == "-" {
		_, err = io.WriteString(cmd.OutOrStdout(), rendered)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target.path), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	return os.WriteFile(target.path, []byte(rendered), 0644)
}

// emit renders gateway records through the Formatter for the selected format.
func emit(cmd *cobra.Command, name string, render func(output.Formatter) (string, error)) error {
	return writeRendered(cmd, name, func(format output.Format) (string, error) {
		return render(output.NewFormatter(format))
	})
}

// emitValue marshals value for json and yaml and falls back to human for the
// table and markdown formats.
func emitValue(cmd *cobra.Command, name string, value any, human func() string) error {
	return writeRendered(cmd, name, func(format output.Format) (string, error) {
		switch format {
		case output.FormatJSON, output.FormatYAML:
			return output.Marshal(format, value)
		default:
			return human(), nil
		}
	})
}

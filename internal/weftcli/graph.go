package weftcli

import (
	"fmt"

	"github.com/spf13/cobra"

	"weft/analysis"
	"weft/term"
)

// NewGraphCommand builds `weft graph <pipeline.yaml>`.
func NewGraphCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "graph <pipeline.yaml>",
		Short:         "Render one evaluation's dependency graph as Graphviz dot",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return renderGraph(args[0], cmd)
		},
	}
	return cmd
}

func renderGraph(pipelinePath string, cmd *cobra.Command) error {
	cfg, err := LoadPipelineConfig(pipelinePath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load pipeline", err)
	}

	client := newDemoClient(cfg.Refs)
	pipeline, _ := buildPipeline(cfg, client)
	_, a, _ := term.Evaluate(pipeline())

	dot := analysis.RenderDot(a, func(jobID string) (string, bool) { return "", false })
	fmt.Fprint(cmd.OutOrStdout(), dot)
	return nil
}

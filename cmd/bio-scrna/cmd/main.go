package cmd

import (
	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/vcontext"
	"v.io/x/lib/cmdline"
)

func newCmdRun() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "run",
		Short:    "Run the analysis from counts to clusters and markers",
		ArgsName: "input",
		Long: `
Run reads a 10x directory, a MatrixMarket file, a tagged BAM file or a
snapshot, and runs every analysis stage on it. Options are read from the YAML
file named by -config, and the flags below override it. The format of input
is guessed from its name unless -format is given.`,
	}
	var flags runFlags
	flags.register(&cmd.Flags)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return env.UsageErrorf("run takes one input path, but got %v", argv)
		}
		return run(vcontext.Background(), env.Stdout, flags, setFlags(cmd.ParsedFlags), argv[0])
	})
	return cmd
}

func newCmdCount() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "count",
		Short:    "Count molecules per gene and cell in a tagged BAM file",
		ArgsName: "bampath outdir",
		Long: `
Count reads a BAM file whose records carry cell barcode, UMI and gene tags,
counts distinct molecules, and writes the counts to outdir in the 10x layout.`,
	}
	var flags countFlags
	flags.register(&cmd.Flags)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return env.UsageErrorf("count takes bampath outdir, but got %v", argv)
		}
		return runCount(vcontext.Background(), env.Stdout, flags, argv[0], argv[1])
	})
	return cmd
}

func newCmdConvert() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "convert",
		Short:    "Convert counts between the 10x layout and snapshots",
		ArgsName: "srcpath destpath",
		Long: `
Convert reads any supported input and writes it as a snapshot if destpath
ends in .sce or .snapshot, and as a 10x directory otherwise.`,
	}
	format := cmd.Flags.String("format", "", "Input format: tenx, mtx, bam or snapshot. Guessed from srcpath by default")
	gtf := cmd.Flags.String("gtf", "", "GTF file to annotate genes with their chromosome")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return env.UsageErrorf("convert takes srcpath destpath, but got %v", argv)
		}
		return runConvert(vcontext.Background(), *format, *gtf, argv[0], argv[1])
	})
	return cmd
}

func newCmdInspect() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "inspect",
		Short:    "Summarize a snapshot",
		ArgsName: "path",
	}
	showConfig := cmd.Flags.Bool("config", false, "Print the configuration the snapshot was produced with")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return env.UsageErrorf("inspect takes one path, but got %v", argv)
		}
		return runInspect(vcontext.Background(), env.Stdout, argv[0], *showConfig)
	})
	return cmd
}

// Run runs the bio-scrna command line.
func Run() {
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(
		&cmdline.Command{
			Name:     "bio-scrna",
			Short:    "Single-cell RNA-seq analysis",
			LookPath: false,
			Children: []*cmdline.Command{
				newCmdRun(),
				newCmdCount(),
				newCmdConvert(),
				newCmdInspect(),
			},
		})
}

// cstomips compiles serialised SBIL modules to IC10 assembly, one
// .ic10 file per program class, and generates device interface
// declarations from PrefabData.json.
//
// Usage:
//
//	cstomips compile [--out dir] [--optimise] [--comments] [--stats] module.sbm
//	cstomips devicegen [--out file] PrefabData.json
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/urfave/cli.v1"

	"github.com/thomasfn/CsToMips/compiler"
	"github.com/thomasfn/CsToMips/sbil"
	"github.com/thomasfn/CsToMips/stationpedia"
)

var errorColor = color.New(color.FgRed)

func main() {
	app := cli.NewApp()
	app.Name = "cstomips"
	app.Usage = "SBIL to IC10 compiler"
	app.Commands = []cli.Command{
		{
			Name:      "compile",
			Usage:     "compile every program class in a module to .ic10 files",
			ArgsUsage: "<module.sbm>",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "out", Usage: "output directory", Value: "."},
				cli.BoolTFlag{Name: "optimise", Usage: "run the IC10 optimiser"},
				cli.BoolFlag{Name: "comments", Usage: "annotate output with source instructions"},
				cli.BoolFlag{Name: "stats", Usage: "print per-class instruction counts"},
			},
			Action: compileCommand,
		},
		{
			Name:      "devicegen",
			Usage:     "generate device interface declarations from PrefabData.json",
			ArgsUsage: "<PrefabData.json>",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "out", Usage: "output file (default: stdout)"},
			},
			Action: devicegenCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		errorColor.Fprintf(os.Stderr, "cstomips: %v\n", err)
		os.Exit(1)
	}
}

func compileCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: cstomips compile [flags] <module.sbm>", 1)
	}
	data, err := os.ReadFile(c.Args().First())
	if err != nil {
		return err
	}
	module, err := sbil.DecodeModule(data)
	if err != nil {
		return fmt.Errorf("read module: %w", err)
	}
	if len(module.ProgramClasses()) == 0 {
		return fmt.Errorf("module contains no program classes")
	}

	opts := compiler.Options{
		Optimise: c.BoolT("optimise"),
		Comments: c.Bool("comments"),
	}
	results, failures := compiler.CompileModule(module, opts)

	outDir := c.String("out")
	for _, res := range results {
		path := filepath.Join(outDir, res.ClassName+".ic10")
		if err := os.WriteFile(path, []byte(res.Text+"\n"), 0o644); err != nil {
			return err
		}
		fmt.Printf("cstomips: %s → %s (%d instructions)\n", res.ClassName, path, res.InstructionsAfter)
	}
	if c.Bool("stats") {
		printStats(results)
	}

	if len(failures) > 0 {
		names := make([]string, 0, len(failures))
		for name := range failures {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			errorColor.Fprintf(os.Stderr, "cstomips: %s: %v\n", name, failures[name])
		}
		return cli.NewExitError(fmt.Sprintf("%d class(es) failed to compile", len(failures)), 1)
	}
	return nil
}

func printStats(results []*compiler.CompileResult) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Class", "Instructions", "Optimised"})
	for _, res := range results {
		table.Append([]string{
			res.ClassName,
			strconv.Itoa(res.InstructionsBefore),
			strconv.Itoa(res.InstructionsAfter),
		})
	}
	table.Render()
}

func devicegenCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: cstomips devicegen [flags] <PrefabData.json>", 1)
	}
	data, err := os.ReadFile(c.Args().First())
	if err != nil {
		return err
	}
	prefabs, err := stationpedia.Parse(data)
	if err != nil {
		return err
	}
	text := stationpedia.Generate(prefabs)
	if out := c.String("out"); out != "" {
		return os.WriteFile(out, []byte(text), 0o644)
	}
	fmt.Print(text)
	return nil
}

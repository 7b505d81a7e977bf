// Package flag is the command line of govmx.
package flag

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/govmx/machine"
	"github.com/bobuhiro11/govmx/vmm"
	"github.com/pkg/profile"
	"golang.org/x/arch/x86/x86asm"
)

type CLI struct {
	DebugLog bool   `help:"log at debug level."`
	Profile  string `enum:"none,cpu,mem" default:"none" help:"write a cpu or mem profile (${enum})."`

	Run    RunCMD    `cmd:"" help:"replay a scenario against simulated vcpus."`
	Decode DecodeCMD `cmd:"" help:"decode guest instruction bytes and the exits they cause."`
}

type RunCMD struct {
	Scenario string `arg:"" type:"existingfile" help:"scenario file (yaml)."`
	TrapLog  bool   `short:"l" help:"record every trap and dump the logs at the end."`
}

type DecodeCMD struct {
	Insn []string `arg:"" help:"instruction bytes in hex, e.g. 0f22c0."`
	PC   uint64   `default:"0" help:"address of the first instruction."`
}

func Parse() error {
	c := CLI{}

	programName := "govmx"
	programDesc := "govmx replays control register and external interrupt exits of a VT-x guest"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	level := slog.LevelInfo
	if c.DebugLog {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	switch c.Profile {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.Quiet).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.Quiet).Stop()
	}

	return ctx.Run(logger)
}

func (r *RunCMD) Run(logger *slog.Logger) error {
	v := vmm.New(vmm.Config{
		Scenario: r.Scenario,
		TrapLog:  r.TrapLog,
		Logger:   logger,
	})

	if err := v.Init(); err != nil {
		return err
	}

	if err := v.Setup(); err != nil {
		return err
	}

	return v.Boot()
}

func (d *DecodeCMD) Run() error {
	return Disasm(os.Stdout, d.PC, strings.Join(d.Insn, ""))
}

// Disasm decodes the hex encoded instruction stream s, placed at pc, and
// writes one line per instruction. Control register accesses are followed by
// the exit qualification they produce.
func Disasm(w io.Writer, pc uint64, s string) error {
	code, err := hex.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return err
	}

	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			return fmt.Errorf("%#x: %w", pc, err)
		}

		fmt.Fprintf(w, "%#x: %s", pc, machine.Asm(&inst, pc))

		if d, err := machine.Decode(code[:inst.Len]); err == nil {
			fmt.Fprintf(w, "\tqualification=%#x (%s cr%d %s)",
				d.Access.Encode(), d.Access.Type, d.Access.Number, d.Access.GPR)
		}

		fmt.Fprintln(w)

		code = code[inst.Len:]
		pc += uint64(inst.Len)
	}

	return nil
}

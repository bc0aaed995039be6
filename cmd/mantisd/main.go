// Command mantisd drives synthetic CPU, memory, disk and network load
// at a controlled rate, under a text command protocol read from stdin
// or a timestamped trace file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

var (
	flagLogFile      string
	flagLoadCalib    string
	flagSaveCalib    string
	flagTraceFile    string
	flagDebugLevel   int
	flagTraceStamped string
	flagRunCalib     bool
	flagDebugLocks   bool
	flagQuitAfterCal bool
)

var flagVersion bool

var rootCmd = &cobra.Command{
	Use:   "mantisd",
	Short: "Synthetic CPU/memory/disk/network load generator",
	Long: `mantisd drives synthetic CPU, memory, disk and network load at a
controlled rate. Workers are created, modified and torn down through a
small text command protocol: wctl, link, info, wait, helo, quit. The
protocol can be driven interactively from stdin or replayed from a
timestamped trace file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagVersion {
			fmt.Println("mantisd version " + version)
			return nil
		}
		return runServe()
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.Flags()
	flags.StringVarP(&flagLogFile, "logfile", "l", "", "write log output to this file instead of stderr")
	flags.StringVarP(&flagLoadCalib, "load-calib", "r", "", "load calibration constants from this file")
	flags.StringVarP(&flagSaveCalib, "save-calib", "s", "", "save measured calibration constants to this file")
	flags.StringVarP(&flagTraceFile, "trace-file", "t", "", "replay commands from this trace file instead of stdin")
	flags.IntVarP(&flagDebugLevel, "debug-level", "d", 0, "diagnostic verbosity, 0 (quiet) to 7 (most verbose)")
	flags.StringVarP(&flagTraceStamped, "timestamps", "T", "n", "trace file lines carry a leading offset timestamp: y or n")
	flags.BoolVarP(&flagRunCalib, "calibrate", "b", false, "run calibration trials instead of loading a saved file")
	flags.BoolVarP(&flagDebugLocks, "debug-locks", "S", false, "log lock-order violations detected by the lock manager")
	flags.BoolVarP(&flagQuitAfterCal, "quit-after-calibration", "q", false, "exit immediately once calibration completes")
	flags.BoolVarP(&flagVersion, "version", "V", false, "print version and exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

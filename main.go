package main

import (
	"flag"
	"fmt"
	"os"

	"palisade/cmd"
	"palisade/internal/brand"
)

func defaultConfigPath() string {
	return brand.DefaultConfigDir + "/" + brand.ConfigFileName
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		fs := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := fs.String("config", defaultConfigPath(), "Configuration file")
		fs.StringVar(configFile, "c", defaultConfigPath(), "Configuration file (short)")
		fs.Parse(os.Args[2:])
		fail(cmd.RunStart(*configFile))

	case "check":
		fs := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := fs.Bool("v", false, "Print a configuration summary")
		fs.Parse(os.Args[2:])
		configFile := fs.Arg(0)
		if configFile == "" {
			configFile = defaultConfigPath()
		}
		fail(cmd.RunCheck(configFile, *verbose))

	case "version":
		fmt.Printf("%s %s (built %s)\n", brand.Name, brand.Version, brand.BuildTime)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "%s: unknown command %q\n\n", brand.BinaryName, os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func fail(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", brand.BinaryName, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - network policy enforcement agent

Usage: %s <command> [options]

Commands:
  start    Run the agent
  check    Validate a configuration file
  version  Print version information
  help     Show this help

Options for start:
  -config, -c <file>   Configuration file (default %s)

Options for check:
  -v                   Print a configuration summary
`, brand.Name, brand.BinaryName, defaultConfigPath())
}

/*
Copyright © 2021 the GPROF-NN authors.
This file is part of GPROF-NN.

GPROF-NN is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

GPROF-NN is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with GPROF-NN.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package gprofnnutil holds the configuration and command-line
// interface of the gprofnn command.
package gprofnnutil

import (
	"fmt"

	"github.com/NazakRzg/gprof-nn"
	"github.com/lnashier/viper"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to GPROF-NN.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "LogLevel",
			usage: `
              LogLevel sets the verbosity of log output. One of debug,
              info, warning or error.`,
			defaultVal: "info",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Model",
			usage: `
              Model specifies the location of the trained retrieval
              model.`,
			shorthand:  "m",
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{retrieveCmd.Flags()},
		},
		{
			name: "Normalizer",
			usage: `
              Normalizer specifies the location of the feature
              normalization table the model was trained with.`,
			shorthand:  "n",
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{retrieveCmd.Flags()},
		},
		{
			name: "Output",
			usage: `
              Output specifies the directory results are written to.
              Preprocessor and L1C input produces binary output files;
              all other input produces NetCDF files.`,
			shorthand:  "o",
			defaultVal: ".",
			flagsets:   []*pflag.FlagSet{retrieveCmd.Flags(), legacyCmd.Flags()},
		},
		{
			name: "Grid",
			usage: `
              Grid runs the 2D retrieval, which processes whole
              scan/pixel scenes through a convolutional network instead
              of retrieving flattened observations independently.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{retrieveCmd.Flags()},
		},
		{
			name: "Gradients",
			usage: `
              Gradients additionally retrieves the sensitivity of the
              surface precipitation to the network input. Only
              available for the 0D retrieval.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{retrieveCmd.Flags()},
		},
		{
			name: "Simulator",
			usage: `
              Simulator runs the simulator network over training files
              instead of the precipitation retrieval.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{retrieveCmd.Flags()},
		},
		{
			name: "Sensor",
			usage: `
              Sensor names the instrument of L1C input files, for
              example GMI or MHS. Other input formats carry this
              information themselves.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{retrieveCmd.Flags()},
		},
		{
			name: "BatchSize",
			usage: `
              BatchSize overrides the per-format default batch size
              when positive.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{retrieveCmd.Flags()},
		},
		{
			name: "Accelerator",
			usage: `
              Accelerator runs the model on accelerator hardware
              instead of the CPU.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{retrieveCmd.Flags()},
		},
		{
			name: "Legacy.Version",
			usage: `
              Legacy.Version selects the version of the legacy GPROF
              retrieval to run. One of V5, V6 or V7.`,
			defaultVal: "V7",
			flagsets:   []*pflag.FlagSet{legacyCmd.Flags()},
		},
		{
			name: "Legacy.Profiles",
			usage: `
              Legacy.Profiles requests hydrometeor profiles in the
              legacy retrieval output.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{legacyCmd.Flags()},
		},
		{
			name: "Legacy.Robust",
			usage: `
              Legacy.Robust skips input files the legacy executable
              fails on instead of aborting.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{legacyCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("GPROFNN")

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, option.defaultVal.(bool), option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
			case int:
				if option.shorthand == "" {
					set.Int(option.name, option.defaultVal.(int), option.usage)
				} else {
					set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(retrieveCmd)
	Root.AddCommand(legacyCmd)
}

// setConfig finds and reads in the configuration file, if there is one,
// and applies the configured log level.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("gprofnn: problem reading configuration file: %v", err)
		}
	}
	level, err := log.ParseLevel(cast.ToString(Cfg.Get("LogLevel")))
	if err != nil {
		return fmt.Errorf("gprofnn: invalid log level: %v", err)
	}
	log.SetLevel(level)
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "gprofnn",
	Short: "A neural-network satellite precipitation retrieval.",
	Long: `GPROF-NN retrieves precipitation and hydrometeor profiles from
passive-microwave satellite observations using trained neural networks.
Use the subcommands specified below to access the retrieval functionality.

Refer to the subcommand documentation for configuration options and default
settings. Configuration can be changed by using a configuration file (and
providing the path to the file using the --config flag), by using
command-line arguments, or by setting environment variables in the format
'GPROFNN_var' where 'var' is the name of the variable to be set.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of GPROF-NN.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("GPROF-NN v%s\n", gprofnn.Version)
	},
	DisableAutoGenTag: true,
}

var retrieveCmd = &cobra.Command{
	Use:   "retrieve [input files]",
	Short: "Run the retrieval.",
	Long: `retrieve runs the GPROF-NN retrieval over the given input files.
Preprocessor (.pp) and L1C (.HDF5) input produces output in the legacy
binary format; NetCDF input produces NetCDF output.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		norm, err := gprofnn.LoadNormalizer(Cfg.GetString("Normalizer"))
		if err != nil {
			return err
		}
		model, err := loadModel(Cfg.GetString("Model"))
		if err != nil {
			return err
		}
		kind := gprofnn.Retrieval0D
		if Cfg.GetBool("Grid") || Cfg.GetBool("Simulator") {
			kind = gprofnn.Retrieval2D
		}
		target := gprofnn.CPU
		if Cfg.GetBool("Accelerator") {
			target = gprofnn.Accelerator
		}
		driver, err := gprofnn.NewDriver(gprofnn.DriverConfig{
			Model:      model,
			Normalizer: norm,
			Kind:       kind,
			Target:     target,
			BatchSize:  Cfg.GetInt("BatchSize"),
			Gradients:  Cfg.GetBool("Gradients"),
			Simulator:  Cfg.GetBool("Simulator"),
			Sensor:     Cfg.GetString("Sensor"),
		})
		if err != nil {
			return err
		}
		written, failed := driver.RunMany(args, Cfg.GetString("Output"))
		log.WithField("files", len(written)).Info("Retrieval finished")
		if len(failed) > 0 {
			return fmt.Errorf("gprofnn: %d of %d input files failed, first failure: %v",
				len(failed), len(args), failed[0])
		}
		return nil
	},
	DisableAutoGenTag: true,
}

var legacyCmd = &cobra.Command{
	Use:   "legacy [preprocessor files]",
	Short: "Run the legacy GPROF retrieval.",
	Long: `legacy runs the legacy GPROF retrieval over the given preprocessor
files and converts its results to NetCDF, for validating the neural
network retrieval against. The legacy executables must be installed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := gprofnn.LegacyOptions{
			Version:  Cfg.GetString("Legacy.Version"),
			Profiles: Cfg.GetBool("Legacy.Profiles"),
			Robust:   Cfg.GetBool("Legacy.Robust"),
		}
		return runLegacy(args, Cfg.GetString("Output"), opts)
	},
	DisableAutoGenTag: true,
}

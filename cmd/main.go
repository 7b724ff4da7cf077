/*
Copyright 2025 Swaptacular Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	debtors "github.com/swaptacular/swpt-debtors"
	"github.com/swaptacular/swpt-debtors/config"
	"github.com/swaptacular/swpt-debtors/database"
)

// Swpt represents the CLI application, encapsulating the root Cobra
// command.
type Swpt struct {
	cmd *cobra.Command
}

// swptInstance holds the service instance and its configuration for
// the subcommands.
type swptInstance struct {
	debtors *debtors.Debtors
	cnf     *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and wires the service layer before
// any subcommand runs. The configuration path is read after cobra has
// parsed the flags.
func preRun(app *swptInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cnf, err := loadConfiguration(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		newDebtors, err := setupDebtors(cnf)
		if err != nil {
			log.Fatal(err)
		}

		app.debtors = newDebtors
		app.cnf = cnf
		return nil
	}
}

func loadConfiguration(configFile string) (*config.Configuration, error) {
	if err := config.InitConfig(configFile); err != nil {
		return nil, err
	}
	return config.Fetch()
}

func setupDebtors(cfg *config.Configuration) (*debtors.Debtors, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newDebtors, err := debtors.NewDebtors(db)
	if err != nil {
		return nil, fmt.Errorf("error creating debtors service: %v", err)
	}
	return newDebtors, nil
}

// NewCLI creates the command-line interface for the debtors node.
func NewCLI() *Swpt {
	var configFile string
	s := &swptInstance{}

	var rootCmd = &cobra.Command{
		Use:   "swpt-debtors",
		Short: "Swaptacular debtors node",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./swpt.json", "Configuration file for the debtors node")
	rootCmd.PersistentPreRunE = preRun(s, &configFile)

	rootCmd.AddCommand(workerCommands(s))
	rootCmd.AddCommand(shardCommands(s))

	return &Swpt{cmd: rootCmd}
}

func (w Swpt) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()
	cli := NewCLI()
	cli.executeCLI()
}

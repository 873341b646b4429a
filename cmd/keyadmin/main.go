// main.go - admin CLI over the key database.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package main is keyadmin, the operator's thin CLI over the admin key
// database: add-key, update-key, describe-key, list-keys, remove-key,
// reload. Subcommand wiring follows orbas1-Synnergy's
// cmd/synnergy/main.go rootCmd.AddCommand(...) pattern; the mutation
// commands themselves mirror original_source's admin.py.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/raincity/keyserver/audit"
	"github.com/raincity/keyserver/keydb"
)

var dbPath string
var pidfilePath string
var historyPath string

func main() {
	root := &cobra.Command{
		Use:   "keyadmin",
		Short: "administer the key-distribution server's admin database",
	}
	root.PersistentFlags().StringVar(&dbPath, "db", keydb.DefaultPath, "admin key database path")
	root.PersistentFlags().StringVar(&pidfilePath, "pidfile", "/var/run/keyserverd.pid", "server pidfile, for SIGUSR1 on mutation")
	root.PersistentFlags().StringVar(&historyPath, "history", "", "path to the local mutation history scratchpad (default: <db>.history)")

	root.AddCommand(
		newAddKeyCmd(),
		newUpdateKeyCmd(),
		newDescribeKeyCmd(),
		newListKeysCmd(),
		newRemoveKeyCmd(),
		newReloadCmd(),
		newHistoryCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadDB() (*keydb.DB, error) {
	return keydb.Load(dbPath)
}

func saveAndReload(db *keydb.DB) error {
	if err := db.Save(dbPath); err != nil {
		return fmt.Errorf("saving database: %w", err)
	}
	return signalReload()
}

func effectiveHistoryPath() string {
	if historyPath != "" {
		return historyPath
	}
	return dbPath + ".history"
}

// logMutation records action against name in the local history
// scratchpad. Failure to record is a warning, not a fatal error: the
// database mutation itself already succeeded.
func logMutation(action, name string) {
	entry := audit.Entry{Timestamp: time.Now().Unix(), Action: action, KeyName: name}
	if err := audit.Log(effectiveHistoryPath(), entry); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not record history: %v\n", err)
	}
}

// signalReload sends SIGUSR1 to the server PID named in pidfilePath. A
// missing or unreadable pidfile is not fatal: the admin DB is already
// saved, and the next SIGUSR1 (or file-watch reload) will pick it up.
func signalReload() error {
	b, err := os.ReadFile(pidfilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not read pidfile %s: %v\n", pidfilePath, err)
		return nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: malformed pidfile %s: %v\n", pidfilePath, err)
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Signal(syscall.SIGUSR1); err != nil {
		fmt.Fprintf(os.Stderr, "warning: signaling pid %d: %v\n", pid, err)
	}
	return nil
}

func newAddKeyCmd() *cobra.Command {
	var data, dataFile string
	var domains, options []string

	cmd := &cobra.Command{
		Use:   "add-key <name>",
		Short: "add a new key record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			r := &keydb.Record{Data: data, DataFile: dataFile, Domains: domains, Options: options}
			if err := keydb.Validate(r, keydb.DefaultValidator); err != nil {
				return err
			}
			db, err := loadDB()
			if err != nil {
				return err
			}
			if err := db.Add(name, r); err != nil {
				return err
			}
			if err := saveAndReload(db); err != nil {
				return err
			}
			logMutation("add-key", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "one-line SSH public key text")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "path to a file containing the key text")
	cmd.Flags().StringSliceVar(&domains, "domain", nil, "user@host domain (repeatable); host may be *")
	cmd.Flags().StringSliceVar(&options, "option", nil, "authorized_keys option string (repeatable)")
	return cmd
}

func newUpdateKeyCmd() *cobra.Command {
	var data, dataFile string
	var domains, options []string

	cmd := &cobra.Command{
		Use:   "update-key <name>",
		Short: "replace an existing key record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			db, err := loadDB()
			if err != nil {
				return err
			}
			existing, err := db.Describe(name)
			if err != nil {
				return err
			}
			r := &keydb.Record{Data: existing.Data, DataFile: existing.DataFile, Domains: existing.Domains, Options: existing.Options}
			if cmd.Flags().Changed("data") {
				r.Data, r.DataFile = data, ""
			}
			if cmd.Flags().Changed("data-file") {
				r.DataFile, r.Data = dataFile, ""
			}
			if cmd.Flags().Changed("domain") {
				r.Domains = domains
			}
			if cmd.Flags().Changed("option") {
				r.Options = options
			}
			if err := keydb.Validate(r, keydb.DefaultValidator); err != nil {
				return err
			}
			if err := db.Remove(name); err != nil {
				return err
			}
			if err := db.Add(name, r); err != nil {
				return err
			}
			if err := saveAndReload(db); err != nil {
				return err
			}
			logMutation("update-key", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "one-line SSH public key text")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "path to a file containing the key text")
	cmd.Flags().StringSliceVar(&domains, "domain", nil, "user@host domain (repeatable); host may be *")
	cmd.Flags().StringSliceVar(&options, "option", nil, "authorized_keys option string (repeatable)")
	return cmd
}

func newDescribeKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe-key <name>",
		Short: "print a key record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := loadDB()
			if err != nil {
				return err
			}
			r, err := db.Describe(args[0])
			if err != nil {
				return err
			}
			data, err := r.Resolve()
			if err != nil {
				return err
			}
			fmt.Printf("name:    %s\n", args[0])
			fmt.Printf("data:    %s\n", data)
			fmt.Printf("domains: %s\n", strings.Join(r.Domains, ", "))
			if len(r.Options) > 0 {
				fmt.Printf("options: %s\n", strings.Join(r.Options, ", "))
			}
			return nil
		},
	}
}

func newListKeysCmd() *cobra.Command {
	var domain, host, user string

	cmd := &cobra.Command{
		Use:   "list-keys",
		Short: "list key names matching a filter",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := loadDB()
			if err != nil {
				return err
			}
			for _, name := range db.ListNames(domain, host, user) {
				fmt.Println(name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "match an exact user@host domain")
	cmd.Flags().StringVar(&host, "host", "", "match keys scoped to host or to the wildcard host")
	cmd.Flags().StringVar(&user, "user", "", "match keys scoped to user on any host")
	return cmd
}

func newRemoveKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-key <name>",
		Short: "remove a key record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := loadDB()
			if err != nil {
				return err
			}
			if err := db.Remove(args[0]); err != nil {
				return err
			}
			if err := saveAndReload(db); err != nil {
				return err
			}
			logMutation("remove-key", args[0])
			return nil
		},
	}
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "send SIGUSR1 to the running server without changing the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return signalReload()
		},
	}
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "show recent mutations recorded by this tool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := audit.Load(effectiveHistoryPath())
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s  %-12s %s\n", time.Unix(e.Timestamp, 0).Format(time.RFC3339), e.Action, e.KeyName)
			}
			return nil
		},
	}
}

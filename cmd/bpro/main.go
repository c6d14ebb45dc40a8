package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"bpro-go/internal/app"
	"bpro-go/internal/bp"
	"bpro-go/internal/model"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if bp.IsToolError(err) {
			os.Exit(4)
		}
		os.Exit(1)
	}
}

var (
	confDir   string
	targetDir string
)

// newApp wires an App for the selected conf/target directories. The caller
// must call a.Close(err) with the command's outcome.
// operation identifies the CLI command being run (e.g. "backup", "settings add-tracked-path").
func newApp(operation string) (*app.App, error) {
	a, err := app.New(confDir, targetDir, operation, strings.Join(os.Args[1:], " "))
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// normalizeScope applies the "-a or nothing means everything" rule shared
// by backup, check and restore.
func normalizeScope(all bool, flags ...*bool) {
	selected := false
	for _, f := range flags {
		selected = selected || *f
	}
	if all || !selected {
		for _, f := range flags {
			*f = true
		}
	}
}

var rootCmd = &cobra.Command{
	Use:           "bpro",
	Short:         "Backs up and restores the files, packages and configurations of the system",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Backup the system",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		all, _ := cmd.Flags().GetBool("all")
		files, _ := cmd.Flags().GetBool("files")
		packages, _ := cmd.Flags().GetBool("packages")
		configurations, _ := cmd.Flags().GetBool("configurations")
		normalizeScope(all, &files, &packages, &configurations)

		a, err := newApp("backup")
		if err != nil {
			return err
		}
		err = a.Backup(force, files, packages, configurations)
		a.Close(err)
		if err != nil {
			return err
		}

		fmt.Println("Done.")
		return nil
	},
}

// check command
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configurations and packages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		packages, _ := cmd.Flags().GetBool("packages")
		configurations, _ := cmd.Flags().GetBool("configurations")
		normalizeScope(all, &packages, &configurations)

		a, err := newApp("check")
		if err != nil {
			return err
		}
		err = runCheck(a, packages, configurations)
		a.Close(err)
		if err != nil {
			return err
		}

		fmt.Println("Done.")
		return nil
	},
}

func runCheck(a *app.App, packages, configurations bool) error {
	if packages {
		statuses, err := a.CheckPackages()
		if err != nil {
			return err
		}
		if err := reviewPackages(a, statuses); err != nil {
			return err
		}
	}
	if configurations {
		statuses, err := a.CheckConfigurations()
		if err != nil {
			return err
		}
		if err := reviewConfigurations(a, statuses); err != nil {
			return err
		}
	}
	return nil
}

// reviewPackages reports drifted packages and asks the user to classify
// newly detected ones.
func reviewPackages(a *app.App, statuses []model.PackageStatus) error {
	noChange := true
	for _, p := range statuses {
		if p.Strategy == "" {
			fmt.Print("Choose package strategy:\nd: mark as dependency\ni: ignore\nr: remove\nt: track\nS: skip\n\n")
			break
		}
	}

	in := bufio.NewReader(os.Stdin)
	for _, p := range statuses {
		key := fmt.Sprintf("%s/%s", p.Handler, p.Name)
		switch p.Strategy {
		case model.PackageDependency:
			if p.Installed {
				noChange = false
				fmt.Printf("%s is manually installed\n", key)
			}
		case model.PackageRemove:
			if p.Installed {
				noChange = false
				fmt.Printf("%s is redundant\n", key)
			}
		case model.PackageTrack:
			if !p.Installed {
				noChange = false
				fmt.Printf("%s is not installed\n", key)
			}
		case "":
			noChange = false
			fmt.Printf("%s is detected\n", key)
			if strategy := choosePackageStrategy(in); strategy != "" {
				tracked := model.TrackedPackage{Name: p.Name, Handler: p.Handler, Strategy: strategy}
				if err := a.TrackPackage(tracked); err != nil {
					return err
				}
			}
			fmt.Println()
		}
	}

	if noChange {
		fmt.Println("No package change is detected.")
	} else {
		fmt.Println("Done.")
	}
	return nil
}

func choosePackageStrategy(in *bufio.Reader) model.PackageStrategy {
	strategies := map[string]model.PackageStrategy{
		"d": model.PackageDependency,
		"i": model.PackageIgnore,
		"r": model.PackageRemove,
		"t": model.PackageTrack,
	}
	return strategies[choose(in, []string{"d", "i", "r", "t", "S"}, "s")]
}

// reviewConfigurations reports drifted configuration keys and asks the
// user to classify newly detected ones.
func reviewConfigurations(a *app.App, statuses []model.ConfigurationStatus) error {
	noChange := true
	for _, c := range statuses {
		if c.Strategy == "" {
			fmt.Print("Choose configuration strategy:\ni: ignore\nt: track\nS: skip\n\n")
			break
		}
	}

	in := bufio.NewReader(os.Stdin)
	for _, c := range statuses {
		switch c.Strategy {
		case model.ConfigurationTrack:
			if c.Previous != c.Current {
				noChange = false
				fmt.Printf("%s/%s\n<%s\n>%s\n\n", c.Handler, c.Key, c.Previous, c.Current)
			}
		case "":
			noChange = false
			fmt.Printf("%s/%s\n<%s\n>%s\n", c.Handler, c.Key, c.Previous, c.Current)
			if strategy := chooseConfigurationStrategy(in); strategy != "" {
				tracked := model.TrackedConfiguration{Handler: c.Handler, Key: c.Key, Strategy: strategy}
				if err := a.TrackConfiguration(tracked); err != nil {
					return err
				}
			}
			fmt.Println()
		}
	}

	if noChange {
		fmt.Println("No configuration change is detected.")
	} else {
		fmt.Println("Done.")
	}
	return nil
}

func chooseConfigurationStrategy(in *bufio.Reader) model.ConfigurationStrategy {
	strategies := map[string]model.ConfigurationStrategy{
		"i": model.ConfigurationIgnore,
		"t": model.ConfigurationTrack,
	}
	return strategies[choose(in, []string{"i", "t", "S"}, "s")]
}

// choose prompts until the user enters one of the choices. An empty line
// (or EOF) selects the default.
func choose(in *bufio.Reader, choices []string, def string) string {
	prompt := "[" + strings.Join(choices, "/") + "]"
	for {
		fmt.Print(prompt)
		line, err := in.ReadString('\n')
		choice := strings.ToLower(strings.TrimSpace(line))
		if choice == "" {
			return def
		}
		for _, c := range choices {
			if choice == strings.ToLower(c) {
				return choice
			}
		}
		if err != nil {
			return def
		}
	}
}

// diff command
var diffCmd = &cobra.Command{
	Use:   "diff [PATH...]",
	Short: "Calculate diff using the previous scans",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, _ := cmd.Flags().GetBool("list")

		a, err := newApp("diff")
		if err != nil {
			return err
		}

		err = func() error {
			if list {
				return listIndexSnapshots(a)
			}

			var fromTime, toTime *int64
			if cmd.Flags().Changed("from-time") {
				v, _ := cmd.Flags().GetInt64("from-time")
				fromTime = &v
			}
			if cmd.Flags().Changed("to-time") {
				v, _ := cmd.Flags().GetInt64("to-time")
				toTime = &v
			}

			paths := make([]string, 0, len(args))
			for _, arg := range args {
				paths = append(paths, bp.ExpandPath(arg))
			}

			changed, err := a.Diff(fromTime, toTime, paths)
			if err != nil {
				return err
			}
			for _, path := range changed {
				fmt.Println(path)
			}
			return nil
		}()
		a.Close(err)
		return err
	},
}

func listIndexSnapshots(a *app.App) error {
	times, err := a.IndexSnapshotTimes()
	if err != nil {
		return err
	}
	if len(times) == 0 {
		fmt.Println("No snapshots exist yet. Please run the scan command.")
		return nil
	}
	for _, t := range times {
		fmt.Printf("%d (%s)\n", t, time.Unix(t, 0).Format("2006-01-02T15:04:05"))
	}
	return nil
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the system to the previous backup point",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		interactive, _ := cmd.Flags().GetBool("interactive")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		all, _ := cmd.Flags().GetBool("all")
		files, _ := cmd.Flags().GetBool("files")
		packages, _ := cmd.Flags().GetBool("packages")
		configurations, _ := cmd.Flags().GetBool("configurations")
		normalizeScope(all, &files, &packages, &configurations)

		a, err := newApp("restore")
		if err != nil {
			return err
		}
		err = runRestore(a, files, packages, configurations, dryRun, interactive)
		a.Close(err)
		if err != nil {
			return err
		}

		fmt.Println("Done.")
		return nil
	},
}

func runRestore(a *app.App, files, packages, configurations, dryRun, interactive bool) error {
	if err := a.EnsureConf(dryRun); err != nil {
		return err
	}

	if packages {
		statuses, err := a.CheckPackages()
		if err != nil {
			return err
		}
		for _, p := range statuses {
			if p.Strategy == "" {
				if err := reviewPackages(a, statuses); err != nil {
					return err
				}
				break
			}
		}
		if err := a.RestorePackages(dryRun); err != nil {
			return err
		}
	}
	if files {
		if err := a.RestoreFiles(dryRun, interactive); err != nil {
			return err
		}
	}
	if configurations {
		statuses, err := a.CheckConfigurations()
		if err != nil {
			return err
		}
		for _, c := range statuses {
			if c.Strategy == "" {
				if err := reviewConfigurations(a, statuses); err != nil {
					return err
				}
				break
			}
		}
		if err := a.RestoreConfigurations(dryRun); err != nil {
			return err
		}
	}
	return nil
}

// scan command
var scanCmd = &cobra.Command{
	Use:   "scan [PATH...]",
	Short: "Scan the system to generate a filesystem index snapshot for the diff command",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, _ := cmd.Flags().GetBool("list")

		a, err := newApp("scan")
		if err != nil {
			return err
		}

		err = func() error {
			if list {
				return listIndexSnapshots(a)
			}
			if cmd.Flags().Changed("remove") {
				t, _ := cmd.Flags().GetInt64("remove")
				return a.RemoveIndexSnapshot(t)
			}

			paths := make([]string, 0, len(args))
			for _, arg := range args {
				paths = append(paths, bp.SanitizePath(arg))
			}
			if err := a.Scan(paths); err != nil {
				return err
			}
			fmt.Println("Done.")
			return nil
		}()
		a.Close(err)
		return err
	},
}

// settings command
var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Change settings",
}

var restoreConfCmd = &cobra.Command{
	Use:   "restore-conf",
	Short: "Restore the configuration store from the target backup file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("settings restore-conf")
		if err != nil {
			return err
		}
		err = a.RestoreConfForce()
		a.Close(err)
		return err
	},
}

var addTrackedPathCmd = &cobra.Command{
	Use:   "add-tracked-path PATH",
	Short: "Add a path to be tracked for backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("strategy")
		if !model.BackupStrategy(strategy).Valid() {
			return bp.Errorf("invalid strategy: %s", strategy)
		}
		return settingsOp("settings add-tracked-path", func(a *app.App) error {
			return a.AddTrackedPath(bp.SanitizePath(args[0]), model.BackupStrategy(strategy))
		})
	},
}

var removeTrackedPathCmd = &cobra.Command{
	Use:   "remove-tracked-path PATH",
	Short: "Remove a previously added tracked path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return settingsOp("settings remove-tracked-path", func(a *app.App) error {
			return a.RemoveTrackedPath(bp.SanitizePath(args[0]))
		})
	},
}

var addArchiveExcludePathCmd = &cobra.Command{
	Use:   "add-archive-exclude-path PATH",
	Short: "Add a path to be excluded from backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return settingsOp("settings add-archive-exclude-path", func(a *app.App) error {
			return a.AddArchiveExcludePath(bp.SanitizePath(args[0]))
		})
	},
}

var removeArchiveExcludePathCmd = &cobra.Command{
	Use:   "remove-archive-exclude-path PATH",
	Short: "Remove a previously added archive exclude path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return settingsOp("settings remove-archive-exclude-path", func(a *app.App) error {
			return a.RemoveArchiveExcludePath(bp.SanitizePath(args[0]))
		})
	},
}

var addArchiveExcludePatternCmd = &cobra.Command{
	Use:   "add-archive-exclude-pattern PATTERN",
	Short: "Add a regex pattern for excluding paths from backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return settingsOp("settings add-archive-exclude-pattern", func(a *app.App) error {
			return a.AddArchiveExcludePattern(args[0])
		})
	},
}

var removeArchiveExcludePatternCmd = &cobra.Command{
	Use:   "remove-archive-exclude-pattern PATTERN",
	Short: "Remove a previously added archive exclude pattern",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return settingsOp("settings remove-archive-exclude-pattern", func(a *app.App) error {
			return a.RemoveArchiveExcludePattern(args[0])
		})
	},
}

var addScanExcludePathCmd = &cobra.Command{
	Use:   "add-scan-exclude-path PATH",
	Short: "Add a path to be excluded from scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return settingsOp("settings add-scan-exclude-path", func(a *app.App) error {
			return a.AddScanExcludePath(bp.SanitizePath(args[0]))
		})
	},
}

var removeScanExcludePathCmd = &cobra.Command{
	Use:   "remove-scan-exclude-path PATH",
	Short: "Remove a previously added scan exclude path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return settingsOp("settings remove-scan-exclude-path", func(a *app.App) error {
			return a.RemoveScanExcludePath(bp.SanitizePath(args[0]))
		})
	},
}

var addScanExcludePatternCmd = &cobra.Command{
	Use:   "add-scan-exclude-pattern PATTERN",
	Short: "Add a regex pattern for excluding paths from scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return settingsOp("settings add-scan-exclude-pattern", func(a *app.App) error {
			return a.AddScanExcludePattern(args[0])
		})
	},
}

var removeScanExcludePatternCmd = &cobra.Command{
	Use:   "remove-scan-exclude-pattern PATTERN",
	Short: "Remove a previously added scan exclude pattern",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return settingsOp("settings remove-scan-exclude-pattern", func(a *app.App) error {
			return a.RemoveScanExcludePattern(args[0])
		})
	},
}

var setPassphraseCmd = &cobra.Command{
	Use:   "set-passphrase",
	Short: "Set the passphrase used to encrypt the target backup file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase, err := readPassphrase()
		if err != nil {
			return err
		}
		return settingsOp("settings set-passphrase", func(a *app.App) error {
			return a.SetPassphrase(passphrase)
		})
	},
}

func readPassphrase() (string, error) {
	fmt.Print("Passphrase: ")
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	fmt.Print("Confirm passphrase: ")
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if string(first) != string(second) {
		return "", bp.Errorf("passphrases do not match")
	}
	return string(first), nil
}

// settingsOp runs one settings mutation against a freshly wired App.
func settingsOp(operation string, fn func(a *app.App) error) error {
	a, err := newApp(operation)
	if err != nil {
		return err
	}
	err = fn(a)
	a.Close(err)
	return err
}

func init() {
	defaults := app.GetDefaults()
	rootCmd.PersistentFlags().StringVarP(&confDir, "conf-dir", "c", defaults["conf_dir"],
		"folder that contains the configuration store. defaults to the current directory")
	rootCmd.PersistentFlags().StringVarP(&targetDir, "target-dir", "t", defaults["target_dir"],
		"folder that contains the target backup file. defaults to the current directory")

	rootCmd.AddCommand(backupCmd)
	backupCmd.Flags().BoolP("force", "f", false, "overwrite the target backup file even when nothing changed")
	backupCmd.Flags().BoolP("all", "a", false, "backup all. this is the default if none is selected")
	backupCmd.Flags().Bool("configurations", false, "backup configurations")
	backupCmd.Flags().Bool("files", false, "backup files")
	backupCmd.Flags().Bool("packages", false, "backup packages")

	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolP("all", "a", false, "check all. this is the default if none is selected")
	checkCmd.Flags().Bool("configurations", false, "check configurations")
	checkCmd.Flags().Bool("packages", false, "check packages")

	rootCmd.AddCommand(diffCmd)
	diffCmd.Flags().BoolP("list", "l", false, "list index snapshots and return")
	diffCmd.Flags().Int64("from-time", 0, "from which point in time the diff should be calculated (in seconds). "+
		"defaults to the second latest snapshot")
	diffCmd.Flags().Int64("to-time", 0, "to which point in time the diff should be calculated (in seconds). "+
		"defaults to the latest snapshot")
	diffCmd.MarkFlagsMutuallyExclusive("from-time", "to-time")

	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().BoolP("interactive", "i", false, "restore in an interactive way")
	restoreCmd.Flags().BoolP("dry-run", "n", false, "perform a trial run with no changes made")
	restoreCmd.Flags().BoolP("all", "a", false, "restore all. this is the default if none is selected")
	restoreCmd.Flags().Bool("configurations", false, "restore configurations")
	restoreCmd.Flags().Bool("files", false, "restore files")
	restoreCmd.Flags().Bool("packages", false, "restore packages")

	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().BoolP("list", "l", false, "list index snapshots and return")
	scanCmd.Flags().Int64("remove", 0, "remove a snapshot and return")
	scanCmd.MarkFlagsMutuallyExclusive("list", "remove")

	// settings subcommands
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(restoreConfCmd)
	settingsCmd.AddCommand(addTrackedPathCmd)
	addTrackedPathCmd.Flags().StringP("strategy", "s", string(model.StrategyAuto),
		fmt.Sprintf("strategy for the path. one of %v", model.BackupStrategies()))
	settingsCmd.AddCommand(removeTrackedPathCmd)
	settingsCmd.AddCommand(addArchiveExcludePathCmd)
	settingsCmd.AddCommand(removeArchiveExcludePathCmd)
	settingsCmd.AddCommand(addArchiveExcludePatternCmd)
	settingsCmd.AddCommand(removeArchiveExcludePatternCmd)
	settingsCmd.AddCommand(addScanExcludePathCmd)
	settingsCmd.AddCommand(removeScanExcludePathCmd)
	settingsCmd.AddCommand(addScanExcludePatternCmd)
	settingsCmd.AddCommand(removeScanExcludePatternCmd)
	settingsCmd.AddCommand(setPassphraseCmd)
}

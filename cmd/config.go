package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "forest"), nil
}

// setting is one configuration key. The env var is derived from the key.
type setting struct {
	Key  string
	Help string
	def  func(configDir string) any
}

func fixed(v any) func(string) any { return func(string) any { return v } }

var settings = []setting{
	{"state_dir", "Snapshots, forest.pid and forest.log live here", func(dir string) any { return dir }},

	{"persistence.backend", `"file" (one JSON file per tier) or "sqlite"`, fixed("file")},
	{"persistence.db_path", "SQLite database, used when backend is sqlite", func(dir string) any { return filepath.Join(dir, "forest.db") }},
	{"persistence.canonical_delay", "Save delay after a change to tracked repositories", fixed(250 * time.Millisecond)},
	{"persistence.cache_delay", "Save delay after a change to derived data", fixed(2 * time.Second)},
	{"persistence.prefs_delay", "Save delay after a change to preferences", fixed(time.Second)},

	{"bus.replay_capacity", "Events kept for late subscribers", fixed(256)},
	{"bus.subscriber_buffer", "Per-subscriber queue length", fixed(1024)},

	{"watch.debounce", "Quiet period before a batch of file changes is emitted", fixed(500 * time.Millisecond)},
	{"watch.max_latency", "Longest a busy worktree can defer its batch", fixed(2 * time.Second)},
	{"watch.rescan_interval", "How often folders are rescanned for nested repositories", fixed(30 * time.Second)},
	{"watch.rescan_depth", "How deep a folder rescan descends", fixed(3)},
	{"watch.respect_gitignore", "Drop changes to ignored paths", fixed(true)},

	{"git.workers", "Concurrent git status probes", fixed(4)},
	{"git.timeout", "Deadline for one git invocation", fixed(15 * time.Second)},

	{"forge.enabled", "Poll pull-request counts with the gh CLI", fixed(true)},
	{"forge.poll_interval", "Time between polls of one repository", fixed(2 * time.Minute)},
	{"forge.max_backoff", "Longest wait after repeated failures", fixed(15 * time.Minute)},
	{"forge.workers", "Concurrent forge requests", fixed(2)},
	{"forge.hosts", "Remote hosts the gh CLI is asked about", fixed([]string{"github.com"})},

	{"server.port", "Port of the API served by 'forest run'", fixed(7420)},

	{"log.level", "debug, info, warn or error", fixed("info")},
	{"log.format", "text or json", fixed("text")},
}

func envVar(key string) string {
	return "FOREST_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage forest configuration.

Running bare 'forest config' is the same as 'forest config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file holding the current values",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective values and where each comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// yamlScalar converts values viper hands back into their config file form.
func yamlScalar(v any) any {
	if d, ok := v.(time.Duration); ok {
		return d.String()
	}
	return v
}

// renderConfig writes every setting's effective value as commented YAML,
// grouped by section in declaration order.
func renderConfig() ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	sections := map[string]*yaml.Node{}

	for _, s := range settings {
		parent, leaf := root, s.Key
		if section, rest, ok := strings.Cut(s.Key, "."); ok {
			if sections[section] == nil {
				sections[section] = &yaml.Node{Kind: yaml.MappingNode}
				root.Content = append(root.Content,
					&yaml.Node{Kind: yaml.ScalarNode, Value: section},
					sections[section])
			}
			parent, leaf = sections[section], rest
		}

		value := &yaml.Node{}
		if err := value.Encode(yamlScalar(viper.Get(s.Key))); err != nil {
			return nil, fmt.Errorf("encode %s: %w", s.Key, err)
		}
		parent.Content = append(parent.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: leaf, HeadComment: "# " + s.Help},
			value)
	}

	var buf bytes.Buffer
	buf.WriteString("# forest configuration\n# See 'forest config show' for effective values and their sources.\n\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting %s", cfgPath)
	}

	data, err := renderConfig()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would write %s", cfgPath)
		fmt.Fprintf(ui.Out, "\n%s", data)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(cfgPath, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	ui.Success("Wrote %s", cfgPath)
	return nil
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	inFile, err := fileKeys(cfgPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		ui.Info("Config file: (none)")
	case err != nil:
		ui.Warning("Config file %s: %v", cfgPath, err)
	default:
		ui.Info("Config file: %s", cfgPath)
	}

	table := ui.Table([]string{"Key", "Value", "Source"})
	for _, s := range settings {
		if err := table.Append([]string{
			s.Key,
			fmt.Sprint(viper.Get(s.Key)),
			detectSource(s.Key, inFile),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

// fileKeys returns the dotted keys present in a YAML config file.
func fileKeys(path string) (map[string]bool, error) {
	keys := map[string]bool{}
	data, err := os.ReadFile(path)
	if err != nil {
		return keys, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return keys, fmt.Errorf("parse: %w", err)
	}
	if len(doc.Content) > 0 {
		collectKeys("", doc.Content[0], keys)
	}
	return keys, nil
}

func collectKeys(prefix string, n *yaml.Node, keys map[string]bool) {
	if n.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		if prefix != "" {
			key = prefix + "." + key
		}
		if child := n.Content[i+1]; child.Kind == yaml.MappingNode {
			collectKeys(key, child, keys)
		} else {
			keys[key] = true
		}
	}
}

// detectSource reports whether key comes from the environment, the config
// file or its default.
func detectSource(key string, inFile map[string]bool) string {
	if _, ok := os.LookupEnv(envVar(key)); ok {
		return "env " + envVar(key)
	}
	if inFile[key] {
		return "file"
	}
	return "default"
}

func editorCommand() (string, error) {
	for _, name := range []string{"EDITOR", "VISUAL"} {
		if v := os.Getenv(name); v != "" {
			return v, nil
		}
	}
	return "", errors.New("$EDITOR is not set; export EDITOR=vim or similar")
}

func configEditRun() error {
	editor, err := editorCommand()
	if err != nil {
		return err
	}
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config file not found: %s (run 'forest config init' first)", cfgPath)
	}
	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	c := exec.Command(editor, cfgPath)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	return c.Run()
}

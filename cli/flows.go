package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"flow.evalgo.org/common"
	"flow.evalgo.org/db"
	"flow.evalgo.org/events"
	"flow.evalgo.org/flow"
)

func init() {
	flowsListCmd.Flags().String("name", "", "filter by name substring")
	flowsListCmd.Flags().Bool("published", false, "only published flows")
	flowsListCmd.Flags().Int("limit", 50, "maximum rows")

	flowsExportCmd.Flags().StringP("out", "o", "", "output file (default: stdout)")

	flowsPublishCmd.Flags().String("version", "", "version to publish as (default: bump the minor)")
	flowsPublishCmd.Flags().String("by", "cli", "publisher recorded on the flow")

	flowsCloneCmd.Flags().String("name", "", "name of the clone (required)")
	flowsCloneCmd.Flags().String("version", "", "version of the clone (default: source version)")
	_ = flowsCloneCmd.MarkFlagRequired("name")

	flowsCmd.AddCommand(flowsListCmd, flowsExportCmd, flowsImportCmd, flowsPublishCmd, flowsCloneCmd)
	RootCmd.AddCommand(flowsCmd)
}

var flowsCmd = &cobra.Command{
	Use:   "flows",
	Short: "manage flow definitions",
}

// openAuthoring opens the gorm-backed flow store for one-shot commands.
func openAuthoring(ctx context.Context) (*db.FlowStore, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	gdb, err := db.NewGorm(cfg.Database.DSN(), false)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db.NewFlowStore(gdb, events.DefaultChannel), nil
}

var flowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "list flows",
	Run: func(cmd *cobra.Command, args []string) {
		log := common.ComponentLogger("flows")

		store, err := openAuthoring(cmd.Context())
		if err != nil {
			log.Fatalf("%v", err)
		}

		name, _ := cmd.Flags().GetString("name")
		publishedOnly, _ := cmd.Flags().GetBool("published")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := db.FlowFilter{Name: name, Limit: limit}
		if publishedOnly {
			t := true
			filter.Published = &t
		}

		flows, err := store.ListFlows(cmd.Context(), filter)
		if err != nil {
			log.Fatalf("failed to list flows: %v", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tVERSION\tPUBLISHED\tACTIVE\tUPDATED")
		for _, f := range flows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\n",
				f.ID, f.Name, f.Version, f.IsPublished, f.IsActive, humanize.Time(f.UpdatedAt))
		}
		w.Flush()
	},
}

var flowsExportCmd = &cobra.Command{
	Use:   "export <flow-id>",
	Short: "export a flow as YAML",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := common.ComponentLogger("flows")

		store, err := openAuthoring(cmd.Context())
		if err != nil {
			log.Fatalf("%v", err)
		}

		f, err := store.GetFlowWithNodes(cmd.Context(), args[0])
		if err != nil {
			log.Fatalf("failed to load flow: %v", err)
		}

		data, err := flow.FileFromFlow(f).Marshal()
		if err != nil {
			log.Fatalf("failed to encode flow: %v", err)
		}

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			cmd.OutOrStdout().Write(data)
			return
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			log.Fatalf("failed to write %s: %v", out, err)
		}
		log.Infof("exported flow %q (%s) to %s", f.Name, humanize.Bytes(uint64(len(data))), out)
	},
}

var flowsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "import a YAML flow definition",
	Long: `import reads a YAML flow definition and creates it as a new,
unpublished flow. The file's id field, if any, is ignored; the created
flow gets a fresh id, printed on stdout.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := common.ComponentLogger("flows")

		data, err := os.ReadFile(args[0])
		if err != nil {
			log.Fatalf("failed to read %s: %v", args[0], err)
		}
		file, err := flow.ParseFile(data)
		if err != nil {
			log.Fatalf("invalid flow definition: %v", err)
		}

		store, err := openAuthoring(cmd.Context())
		if err != nil {
			log.Fatalf("%v", err)
		}

		created, err := store.CreateFlow(cmd.Context(), file.Materialize())
		if err != nil {
			log.Fatalf("failed to create flow: %v", err)
		}

		log.Infof("imported flow %q with %d nodes", created.Name, len(created.Nodes))
		fmt.Fprintln(cmd.OutOrStdout(), created.ID)
	},
}

var flowsPublishCmd = &cobra.Command{
	Use:   "publish <flow-id>",
	Short: "publish a flow",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := common.ComponentLogger("flows")

		store, err := openAuthoring(cmd.Context())
		if err != nil {
			log.Fatalf("%v", err)
		}

		newVersion, _ := cmd.Flags().GetString("version")
		publisher, _ := cmd.Flags().GetString("by")
		if newVersion == "" {
			current, err := store.GetFlow(cmd.Context(), args[0])
			if err != nil {
				log.Fatalf("failed to load flow: %v", err)
			}
			newVersion = flow.BumpMinor(current.Version)
		}

		published, err := store.PublishFlow(cmd.Context(), args[0], publisher, newVersion)
		if err != nil {
			log.Fatalf("failed to publish flow: %v", err)
		}
		log.Infof("published flow %q as version %s", published.Name, published.Version)
	},
}

var flowsCloneCmd = &cobra.Command{
	Use:   "clone <flow-id>",
	Short: "clone a flow under a new name",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := common.ComponentLogger("flows")

		store, err := openAuthoring(cmd.Context())
		if err != nil {
			log.Fatalf("%v", err)
		}

		name, _ := cmd.Flags().GetString("name")
		newVersion, _ := cmd.Flags().GetString("version")

		clone, err := store.CloneFlow(cmd.Context(), args[0], name, newVersion)
		if err != nil {
			log.Fatalf("failed to clone flow: %v", err)
		}
		log.Infof("cloned flow into %q (unpublished)", clone.Name)
		fmt.Fprintln(cmd.OutOrStdout(), clone.ID)
	},
}

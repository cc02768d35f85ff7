package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"filmdesk/internal/app"
	"filmdesk/internal/bus"
	"filmdesk/internal/config"
	"filmdesk/internal/db"
	"filmdesk/internal/domain"
	"filmdesk/internal/engine"
	"filmdesk/internal/inventory"
	"filmdesk/internal/migrate"
	"filmdesk/internal/repo"
	"filmdesk/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fd",
	Short: "Filmdesk CLI",
	Long: `Filmdesk runs the day-to-day operations of a paint protection film shop.
- Workspace: the .filmdesk directory holding the database; shop config lives in the DB and is imported explicitly.
- Tasks: jobs on vehicles; statuses move quote -> scheduled -> in_progress -> completed, with paused and cancelled exits. Every change is recorded in an append-only history.
- Interventions: the on-site work session for a task, with an ordered step checklist, photos, observations, and planned materials. Finalizing one completes its task.
- Materials: consumables tracked with a non-negative stock level and a movement ledger; finalized interventions consume their planned quantities.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FILMDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("shop", "", "shop id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("shop", rootCmd.PersistentFlags().Lookup("shop"))
}

func registerCommands() {
	rootCmd.AddCommand(shopCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(interventionCmd())
	rootCmd.AddCommand(materialCmd())
	rootCmd.AddCommand(serveCmd())
}

func shopCmd() *cobra.Command {
	shop := &cobra.Command{Use: "shop", Short: "Shop status and config"}
	shop.AddCommand(shopStatusCmd())
	shop.AddCommand(shopConfigCmd())
	return shop
}

func shopStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show shop status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilter{})
				if err != nil {
					return err
				}
				counts := map[string]int{}
				for _, t := range tasks {
					counts[t.Status]++
				}
				low, err := e.LowStock(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"shop_id":     e.Config.Shop.ID,
					"task_counts": counts,
					"low_stock":   low,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Shop: %s\n", e.Config.Shop.ID)
				fmt.Println("Tasks:")
				for st, c := range counts {
					fmt.Printf("  %s: %d\n", st, c)
				}
				if len(low) > 0 {
					fmt.Println("Low stock:")
					for _, m := range low {
						fmt.Printf("  %s: %.2f %s\n", m.Name, m.CurrentStock, m.Unit)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func shopConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect shop config",
		Long:  "Config is the shop rulebook (stored in DB): workflow presets with their step checklists, low-stock thresholds, and webhook notifications. Import from filmdesk.yml if desired.",
	}
	cfg.AddCommand(shopConfigShowCmd())
	cfg.AddCommand(shopConfigValidateCmd())
	cfg.AddCommand(shopConfigImportCmd())
	return cfg
}

func shopConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrIndent(e.Config)
			})
		},
	}
	return cmd
}

func shopConfigValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func shopConfigImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from a YAML file into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := file
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := r.UpsertShopConfig(ctx, cfg.Shop.ID, now, cfg); err != nil {
					return err
				}
				fmt.Printf("imported config for shop %s from %s\n", cfg.Shop.ID, path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file path (defaults to the workspace filmdesk.yml)")
	return cmd
}

func clientCmd() *cobra.Command {
	c := &cobra.Command{Use: "client", Short: "Manage clients"}
	c.AddCommand(clientCreateCmd())
	c.AddCommand(clientListCmd())
	c.AddCommand(clientShowCmd())
	return c
}

func clientCreateCmd() *cobra.Command {
	var id, name, phone, email, plate, model string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create client",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateClient(ctx, engine.ClientCreateOptions{
					ID:           id,
					Name:         name,
					Phone:        phone,
					Email:        email,
					VehiclePlate: plate,
					VehicleModel: model,
				})
				if err != nil {
					return err
				}
				return printJSONOrIndent(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "client id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "client name")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&plate, "plate", "", "vehicle plate")
	cmd.Flags().StringVar(&model, "model", "", "vehicle model")
	return cmd
}

func clientListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListClients(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Phone", "Plate", "Model"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, c.Phone, c.VehiclePlate, c.VehicleModel})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func clientShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <client-id>",
		Short: "Show client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetClient(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(c)
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage tasks"}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskUpdateCmd())
	t.AddCommand(taskTransitionCmd())
	t.AddCommand(taskHistoryCmd())
	t.AddCommand(taskDeleteCmd())
	return t
}

func taskCreateCmd() *cobra.Command {
	var id, title, technician, clientID, workflow, start, end string
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.TaskCreateOptions{
					ID:             id,
					Title:          title,
					TechnicianID:   technician,
					ClientID:       clientID,
					Workflow:       workflow,
					ScheduledStart: start,
					ScheduledEnd:   end,
				}
				if cmd.Flags().Changed("priority") {
					opts.Priority = &priority
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority 1-5")
	cmd.Flags().StringVar(&technician, "technician", "", "technician id")
	cmd.Flags().StringVar(&clientID, "client", "", "client id")
	cmd.Flags().StringVar(&workflow, "workflow", "", "workflow preset")
	cmd.Flags().StringVar(&start, "start", "", "scheduled start (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "scheduled end (RFC3339)")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Technician", "Scheduled"})
				for _, t := range tasks {
					technician := ""
					if t.TechnicianID != nil {
						technician = *t.TechnicianID
					}
					scheduled := ""
					if t.ScheduledStart != nil {
						scheduled = *t.ScheduledStart
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, technician, scheduled})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.TechnicianID, "technician", "", "technician filter")
	cmd.Flags().StringVar(&f.ClientID, "client", "", "client filter")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, technician, clientID, start, end string
	var priority int
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Update task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.TaskUpdateOptions{ID: args[0]}
				if cmd.Flags().Changed("title") {
					opts.Title = &title
				}
				if cmd.Flags().Changed("priority") {
					opts.Priority = &priority
				}
				if cmd.Flags().Changed("technician") {
					opts.TechnicianID = &technician
				}
				if cmd.Flags().Changed("client") {
					opts.ClientID = &clientID
				}
				if cmd.Flags().Changed("start") {
					opts.ScheduledStart = &start
				}
				if cmd.Flags().Changed("end") {
					opts.ScheduledEnd = &end
				}
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority 1-5")
	cmd.Flags().StringVar(&technician, "technician", "", "technician id")
	cmd.Flags().StringVar(&clientID, "client", "", "client id")
	cmd.Flags().StringVar(&start, "start", "", "scheduled start (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "scheduled end (RFC3339)")
	return cmd
}

func taskTransitionCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "transition <task-id> <status>",
		Short: "Move a task to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.TransitionTask(ctx, args[0], args[1], reason)
				if err != nil {
					return err
				}
				for _, w := range res.Warnings {
					fmt.Fprintln(os.Stderr, "warning:", w)
				}
				return printJSONOrIndent(res.Task)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in history")
	return cmd
}

func taskHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <task-id>",
		Short: "Show task status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetTask(ctx, args[0]); err != nil {
					return err
				}
				items, err := r.ListTaskHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "From", "To", "Reason"})
				for _, h := range items {
					tw.AppendRow(table.Row{h.ChangedAt, h.OldStatus, h.NewStatus, h.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteTask(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
	return cmd
}

func interventionCmd() *cobra.Command {
	iv := &cobra.Command{Use: "intervention", Short: "Manage interventions"}
	iv.AddCommand(interventionStartCmd())
	iv.AddCommand(interventionShowCmd())
	iv.AddCommand(interventionActiveCmd())
	iv.AddCommand(interventionStepCmd())
	iv.AddCommand(interventionNoteCmd())
	iv.AddCommand(interventionFinalizeCmd())
	iv.AddCommand(interventionDeleteCmd())
	return iv
}

// parseMaterialArgs turns id=qty pairs into planned materials.
func parseMaterialArgs(pairs []string) ([]domain.InterventionMaterial, error) {
	var out []domain.InterventionMaterial
	for _, pair := range pairs {
		id, qtyStr, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("material %q must be <id>=<quantity>", pair)
		}
		var qty float64
		if _, err := fmt.Sscanf(qtyStr, "%g", &qty); err != nil {
			return nil, fmt.Errorf("material %q has invalid quantity: %w", pair, err)
		}
		out = append(out, domain.InterventionMaterial{MaterialID: id, Quantity: qty})
	}
	return out, nil
}

func interventionStartCmd() *cobra.Command {
	var technician, workflow, observations string
	var materials []string
	cmd := &cobra.Command{
		Use:   "start <task-id>",
		Short: "Start an intervention on a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("task id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				planned, err := parseMaterialArgs(materials)
				if err != nil {
					return err
				}
				tech := technician
				if tech == "" {
					tech = viper.GetString("actor-id")
				}
				iv, steps, err := e.StartIntervention(ctx, engine.StartInterventionOptions{
					TaskID:       args[0],
					TechnicianID: tech,
					Workflow:     workflow,
					Materials:    planned,
					Observations: observations,
				})
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{"intervention": iv, "steps": steps})
			})
		},
	}
	cmd.Flags().StringVar(&technician, "technician", "", "technician id (defaults to --actor-id)")
	cmd.Flags().StringVar(&workflow, "workflow", "", "workflow preset")
	cmd.Flags().StringVar(&observations, "observations", "", "initial observations")
	cmd.Flags().StringArrayVar(&materials, "material", nil, "planned material as <id>=<quantity> (repeatable)")
	return cmd
}

func interventionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <intervention-id>",
		Short: "Show intervention",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				iv, steps, err := e.GetIntervention(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{"intervention": iv, "steps": steps})
			})
		},
	}
	return cmd
}

func interventionActiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "active <task-id>",
		Short: "Show the active intervention for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				iv, steps, err := e.ActiveInterventionByTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{"intervention": iv, "steps": steps})
			})
		},
	}
	return cmd
}

func interventionStepCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "step <intervention-id> <step-id>",
		Short: "Complete a checklist step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var stepID int64
				if _, err := fmt.Sscanf(args[1], "%d", &stepID); err != nil {
					return fmt.Errorf("invalid step id %q", args[1])
				}
				iv, err := e.UpdateIntervention(ctx, engine.InterventionUpdateOptions{
					ID:           args[0],
					CompleteStep: stepID,
					StepNotes:    notes,
				})
				if err != nil {
					return err
				}
				return printJSONOrIndent(iv)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "step notes")
	return cmd
}

func interventionNoteCmd() *cobra.Command {
	var photos int
	cmd := &cobra.Command{
		Use:   "note <intervention-id> <observations>",
		Short: "Record observations on an intervention",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.InterventionUpdateOptions{ID: args[0]}
				if len(args) > 1 {
					obs := strings.Join(args[1:], " ")
					opts.Observations = &obs
				}
				if cmd.Flags().Changed("photos") {
					opts.Photos = &photos
				}
				iv, err := e.UpdateIntervention(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(iv)
			})
		},
	}
	cmd.Flags().IntVar(&photos, "photos", 0, "photo count")
	return cmd
}

func interventionFinalizeCmd() *cobra.Command {
	var observations, signature string
	var photos, satisfaction, quality int
	cmd := &cobra.Command{
		Use:   "finalize <intervention-id>",
		Short: "Finalize an intervention and complete its task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.FinalizeInterventionOptions{
					ID:           args[0],
					Observations: observations,
					Photos:       photos,
					Signature:    signature,
				}
				if cmd.Flags().Changed("satisfaction") {
					opts.Satisfaction = &satisfaction
				}
				if cmd.Flags().Changed("quality") {
					opts.Quality = &quality
				}
				iv, err := e.FinalizeIntervention(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(iv)
			})
		},
	}
	cmd.Flags().StringVar(&observations, "observations", "", "final observations")
	cmd.Flags().IntVar(&photos, "photos", 0, "photo count")
	cmd.Flags().IntVar(&satisfaction, "satisfaction", 0, "client satisfaction 1-5")
	cmd.Flags().IntVar(&quality, "quality", 0, "quality rating 1-5")
	cmd.Flags().StringVar(&signature, "signature", "", "client signature reference")
	return cmd
}

func interventionDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <intervention-id>",
		Short: "Delete a non-finalized intervention",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteIntervention(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
	return cmd
}

func materialCmd() *cobra.Command {
	m := &cobra.Command{Use: "material", Short: "Manage materials and stock"}
	m.AddCommand(materialCreateCmd())
	m.AddCommand(materialListCmd())
	m.AddCommand(materialShowCmd())
	m.AddCommand(materialAdjustCmd())
	m.AddCommand(materialMovementsCmd())
	m.AddCommand(materialReconcileCmd())
	return m
}

func materialCreateCmd() *cobra.Command {
	var id, name, mtype, unit string
	var stock float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create material",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || unit == "" {
				return fmt.Errorf("--name and --unit required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMaterial(ctx, engine.MaterialCreateOptions{
					ID:           id,
					Name:         name,
					Type:         mtype,
					Unit:         unit,
					InitialStock: stock,
				})
				if err != nil {
					return err
				}
				return printJSONOrIndent(m)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "material id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "material name")
	cmd.Flags().StringVar(&mtype, "type", "", "material type")
	cmd.Flags().StringVar(&unit, "unit", "", "unit of measure")
	cmd.Flags().Float64Var(&stock, "stock", 0, "initial stock level")
	return cmd
}

func materialListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List materials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListMaterials(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Stock", "Unit"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Name, m.Type, fmt.Sprintf("%.2f", m.CurrentStock), m.Unit})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func materialShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <material-id>",
		Short: "Show material",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				m, err := r.GetMaterial(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(m)
			})
		},
	}
	return cmd
}

func materialAdjustCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "adjust <material-id> <delta>",
		Short: "Apply a stock delta",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var delta float64
				if _, err := fmt.Sscanf(args[1], "%g", &delta); err != nil {
					return fmt.Errorf("invalid delta %q", args[1])
				}
				m, err := e.AdjustStock(ctx, args[0], delta, "manual", "", reason)
				if err != nil {
					return err
				}
				return printJSONOrIndent(m)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the ledger")
	return cmd
}

func materialMovementsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "movements <material-id>",
		Short: "Show the stock movement ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListMovements(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Delta", "Doc", "Reason"})
				for _, mv := range items {
					doc := mv.DocType
					if mv.DocID != "" {
						doc += ":" + mv.DocID
					}
					tw.AppendRow(table.Row{mv.CreatedAt, fmt.Sprintf("%+.2f", mv.QtyDelta), doc, mv.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	return cmd
}

func materialReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare stock levels against the movement ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ReconcileStock(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Material", "Stock", "Ledger", "Divergence"})
				for _, rec := range items {
					tw.AppendRow(table.Row{
						rec.Material.Name,
						fmt.Sprintf("%.2f", rec.Material.CurrentStock),
						fmt.Sprintf("%+.2f", rec.LedgerSum),
						fmt.Sprintf("%+.2f", rec.Divergence),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveShopAndConfig(cmd.Context(), viper.GetString("shop"), r)
			if err != nil {
				return err
			}
			b := bus.New()
			e := engine.New(conn, b, cfg)
			b.Subscribe(inventory.Consumer{Materials: e.Repo, Stock: e})
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("FILMDESK_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FILMDESK_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Filmdesk API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			// let in-flight event handlers finish before the DB closes
			b.Wait()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8776", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveShopAndConfig(ctx, viper.GetString("shop"), r)
	if err != nil {
		return err
	}
	b := bus.New()
	e := engine.New(conn, b, cfg)
	b.Subscribe(inventory.Consumer{Materials: e.Repo, Stock: e})
	err = fn(ctx, e)
	// events published by the command (a finalize, for one) must land
	// before the connection closes
	b.Wait()
	return err
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printJSONOrIndent(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"riskline/internal/app"
	"riskline/internal/config"
	"riskline/internal/db"
	"riskline/internal/domain"
	"riskline/internal/engine"
	"riskline/internal/migrate"
	"riskline/internal/notify"
	"riskline/internal/repo"
	"riskline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Riskline CLI",
	Long: `Riskline manages task risk analyses (TRA) and last minute risk assessments (LMRA).
- Workspace: your .riskline directory holding the database; the org config lives in riskline.yml.
- TRA: a risk analysis document with task steps and Kinney & Wiruth scored hazards; flows draft -> in_review -> active -> expired.
- Approval chain: framework-defined steps (safety officer, operations manager, ...) each approving, rejecting or skipping.
- LMRA: a field execution session walking location, environment, personnel, equipment, hazard review, decision, documentation and signatures.
- Stop-work: the safety-critical decision; it terminates the session and fires a notification exactly once.
- Sync: offline mutations queue per session and reconcile by sequence number.
- Event log: the compliance audit trail, view with 'rl log tail'.`,
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
	viper.SetEnvPrefix("RISKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "org id (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
}

func registerCommands() {
	rootCmd.AddCommand(traCmd())
	rootCmd.AddCommand(lmraCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(rolesCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func traCmd() *cobra.Command {
	tra := &cobra.Command{
		Use:   "tra",
		Short: "Manage task risk analyses",
		Long:  "TRAs break a job into task steps, score each hazard with effect x exposure x probability, and pass through the framework approval chain before field work may start.",
	}
	tra.AddCommand(traCreateCmd())
	tra.AddCommand(traListCmd())
	tra.AddCommand(traShowCmd())
	tra.AddCommand(traUpdateCmd())
	tra.AddCommand(traSubmitCmd())
	tra.AddCommand(traDecideCmd())
	tra.AddCommand(traArchiveCmd())
	tra.AddCommand(traReopenCmd())
	tra.AddCommand(traExpireSweepCmd())
	return tra
}

func traCreateCmd() *cobra.Command {
	var title, description, framework, stepsFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a TRA draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			var steps []domain.TaskStep
			if err := readJSONFile(stepsFile, &steps); err != nil {
				return fmt.Errorf("read task steps: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTRA(ctx, engine.TRACreateOptions{
					OrgID:       e.Config.Org.ID,
					Title:       title,
					Description: description,
					Framework:   framework,
					TaskSteps:   steps,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "TRA title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&framework, "framework", "vca", "compliance framework")
	cmd.Flags().StringVar(&stepsFile, "steps-file", "", "path to task steps JSON")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("steps-file")
	return cmd
}

func traListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List TRAs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTRAs(ctx, e.Config.Org.ID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Framework", "Status", "Valid Until", "Version"})
				for _, t := range items {
					until := ""
					if t.ValidUntil != nil {
						until = *t.ValidUntil
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Framework, t.Status, until, t.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func traShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <tra-id>",
		Short: "Show a TRA with its workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTRA(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"tra": t}
				if wf, err := e.Repo.GetWorkflowByTRA(ctx, t.ID); err == nil {
					out["workflow"] = wf
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func traUpdateCmd() *cobra.Command {
	var title, description, stepsFile string
	var version int64
	cmd := &cobra.Command{
		Use:   "update <tra-id>",
		Short: "Update a TRA draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var steps []domain.TaskStep
			if stepsFile != "" {
				if err := readJSONFile(stepsFile, &steps); err != nil {
					return fmt.Errorf("read task steps: %w", err)
				}
			}
			opts := engine.TRAUpdateOptions{
				ID:              args[0],
				ExpectedVersion: version,
				TaskSteps:       steps,
				ActorID:         viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTRA(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&stepsFile, "steps-file", "", "path to replacement task steps JSON")
	cmd.Flags().Int64Var(&version, "version", 0, "expected TRA version")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func traSubmitCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "submit <tra-id>",
		Short: "Submit a TRA for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, wf, warnings, err := e.Submit(ctx, args[0], version, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"tra": t, "workflow": wf, "warnings": warnings})
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 1, "expected TRA version")
	return cmd
}

func traDecideCmd() *cobra.Command {
	var step int
	var decision, role, comments string
	var version int64
	cmd := &cobra.Command{
		Use:   "decide <tra-id>",
		Short: "Record an approval decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, wf, err := e.RecordApprovalDecision(ctx, engine.DecisionOptions{
					TRAID:           args[0],
					ExpectedVersion: version,
					StepNumber:      step,
					Decision:        decision,
					ActorID:         viper.GetString("actor-id"),
					ActorRole:       role,
					Comments:        comments,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"tra": t, "workflow": wf})
			})
		},
	}
	cmd.Flags().IntVar(&step, "step", 0, "step number (chain order, from 0)")
	cmd.Flags().StringVar(&decision, "decision", "", "approve, reject or skip")
	cmd.Flags().StringVar(&role, "role", "", "acting role")
	cmd.Flags().StringVar(&comments, "comments", "", "comments")
	cmd.Flags().Int64Var(&version, "version", 0, "expected TRA version")
	_ = cmd.MarkFlagRequired("decision")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func traArchiveCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "archive <tra-id>",
		Short: "Archive a TRA",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Archive(ctx, args[0], version, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "expected TRA version")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func traReopenCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "reopen <tra-id>",
		Short: "Reopen a rejected TRA as draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ReopenRejected(ctx, args[0], version, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "expected TRA version")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func traExpireSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expire-sweep",
		Short: "Expire active TRAs past their validity window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ExpireSweep(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"expired": n})
			})
		},
	}
	return cmd
}

func lmraCmd() *cobra.Command {
	lmra := &cobra.Command{
		Use:   "lmra",
		Short: "Run LMRA field sessions",
		Long:  "An LMRA session executes an active TRA on site, stage by stage. Each stage command takes --session and --version so offline clients can detect conflicts.",
	}
	lmra.AddCommand(lmraStartCmd())
	lmra.AddCommand(lmraShowCmd())
	lmra.AddCommand(lmraListCmd())
	lmra.AddCommand(lmraLocationCmd())
	lmra.AddCommand(lmraEnvironmentCmd())
	lmra.AddCommand(lmraPersonnelCmd())
	lmra.AddCommand(lmraEquipmentCmd())
	lmra.AddCommand(lmraHazardsCmd())
	lmra.AddCommand(lmraDecisionCmd())
	lmra.AddCommand(lmraDocumentCmd())
	lmra.AddCommand(lmraSignCmd())
	lmra.AddCommand(lmraAnnotateCmd())
	return lmra
}

func lmraStartCmd() *cobra.Command {
	var traID, teamFile string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a session against an active TRA",
		RunE: func(cmd *cobra.Command, args []string) error {
			var members []domain.TeamMember
			if err := readJSONFile(teamFile, &members); err != nil {
				return fmt.Errorf("read team members: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.StartSession(ctx, engine.SessionStartOptions{
					TRAID:       traID,
					ActorID:     viper.GetString("actor-id"),
					TeamMembers: members,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&traID, "tra", "", "TRA id")
	cmd.Flags().StringVar(&teamFile, "team-file", "", "path to team members JSON")
	_ = cmd.MarkFlagRequired("tra")
	_ = cmd.MarkFlagRequired("team-file")
	return cmd
}

func lmraShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func lmraListCmd() *cobra.Command {
	var traID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions for a TRA",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSessionsByTRA(ctx, traID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Stage", "Assessment", "Completed", "Version"})
				for _, s := range items {
					assessment, completed := "", ""
					if s.OverallAssessment != nil {
						assessment = *s.OverallAssessment
					}
					if s.CompletedAt != nil {
						completed = *s.CompletedAt
					}
					tw.AppendRow(table.Row{s.ID, s.Stage, assessment, completed, s.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&traID, "tra", "", "TRA id")
	_ = cmd.MarkFlagRequired("tra")
	return cmd
}

// sessionStageCmd wires the shared --session/--version flags for a stage.
func sessionStageCmd(use, short string, run func(ctx context.Context, e engine.Engine, sessionID string, version int64) (domain.LMRASession, error)) *cobra.Command {
	var sessionID string
	var version int64
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := run(ctx, e, sessionID, version)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().Int64Var(&version, "version", 0, "expected session version")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func lmraLocationCmd() *cobra.Command {
	var lat, lon, accuracy float64
	var override string
	cmd := sessionStageCmd("location", "Record GPS verification", func(ctx context.Context, e engine.Engine, sessionID string, version int64) (domain.LMRASession, error) {
		return e.CompleteLocationStage(ctx, sessionID, version, domain.LocationVerification{
			Latitude:       lat,
			Longitude:      lon,
			AccuracyMeters: accuracy,
			OverrideReason: override,
		}, viper.GetString("actor-id"))
	})
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude")
	cmd.Flags().Float64Var(&accuracy, "accuracy", 0, "GPS accuracy in meters")
	cmd.Flags().StringVar(&override, "override-reason", "", "reason when accuracy exceeds the threshold")
	return cmd
}

func lmraEnvironmentCmd() *cobra.Command {
	var checksFile string
	cmd := sessionStageCmd("environment", "Record environment checks", func(ctx context.Context, e engine.Engine, sessionID string, version int64) (domain.LMRASession, error) {
		var checks []domain.Check
		if err := readJSONFile(checksFile, &checks); err != nil {
			return domain.LMRASession{}, err
		}
		return e.CompleteEnvironmentStage(ctx, sessionID, version, checks, nil, viper.GetString("actor-id"))
	})
	cmd.Flags().StringVar(&checksFile, "checks-file", "", "path to checks JSON")
	_ = cmd.MarkFlagRequired("checks-file")
	return cmd
}

func lmraPersonnelCmd() *cobra.Command {
	var teamFile string
	cmd := sessionStageCmd("personnel", "Verify team check-in and competencies", func(ctx context.Context, e engine.Engine, sessionID string, version int64) (domain.LMRASession, error) {
		var members []domain.TeamMember
		if teamFile != "" {
			if err := readJSONFile(teamFile, &members); err != nil {
				return domain.LMRASession{}, err
			}
		}
		return e.CompletePersonnelStage(ctx, sessionID, version, members, viper.GetString("actor-id"))
	})
	cmd.Flags().StringVar(&teamFile, "team-file", "", "path to updated team members JSON (optional)")
	return cmd
}

func lmraEquipmentCmd() *cobra.Command {
	var equipmentFile string
	cmd := sessionStageCmd("equipment", "Record equipment inspection", func(ctx context.Context, e engine.Engine, sessionID string, version int64) (domain.LMRASession, error) {
		var items []domain.EquipmentItem
		if err := readJSONFile(equipmentFile, &items); err != nil {
			return domain.LMRASession{}, err
		}
		return e.CompleteEquipmentStage(ctx, sessionID, version, items, viper.GetString("actor-id"))
	})
	cmd.Flags().StringVar(&equipmentFile, "equipment-file", "", "path to equipment JSON")
	_ = cmd.MarkFlagRequired("equipment-file")
	return cmd
}

func lmraHazardsCmd() *cobra.Command {
	var ids []string
	cmd := sessionStageCmd("hazards", "Confirm hazard review", func(ctx context.Context, e engine.Engine, sessionID string, version int64) (domain.LMRASession, error) {
		return e.CompleteHazardReview(ctx, sessionID, version, ids, viper.GetString("actor-id"))
	})
	cmd.Flags().StringArrayVar(&ids, "hazard", []string{}, "reviewed hazard id (repeatable)")
	return cmd
}

func lmraDecisionCmd() *cobra.Command {
	var assessment, reason string
	cmd := sessionStageCmd("decision", "Record the overall assessment", func(ctx context.Context, e engine.Engine, sessionID string, version int64) (domain.LMRASession, error) {
		return e.CompleteDecisionStage(ctx, engine.DecisionStageOptions{
			SessionID:       sessionID,
			ExpectedVersion: version,
			Assessment:      assessment,
			StopWorkReason:  reason,
			ActorID:         viper.GetString("actor-id"),
		})
	})
	cmd.Flags().StringVar(&assessment, "assessment", "", "safe_to_proceed, proceed_with_caution or stop_work")
	cmd.Flags().StringVar(&reason, "reason", "", "stop-work reason (required for stop_work)")
	_ = cmd.MarkFlagRequired("assessment")
	return cmd
}

func lmraDocumentCmd() *cobra.Command {
	var notes, photosFile string
	cmd := sessionStageCmd("document", "Attach execution notes and photos", func(ctx context.Context, e engine.Engine, sessionID string, version int64) (domain.LMRASession, error) {
		var photos []domain.Photo
		if photosFile != "" {
			if err := readJSONFile(photosFile, &photos); err != nil {
				return domain.LMRASession{}, err
			}
		}
		return e.CompleteDocumentationStage(ctx, sessionID, version, notes, photos, viper.GetString("actor-id"))
	})
	cmd.Flags().StringVar(&notes, "notes", "", "execution notes")
	cmd.Flags().StringVar(&photosFile, "photos-file", "", "path to photos JSON (optional)")
	_ = cmd.MarkFlagRequired("notes")
	return cmd
}

func lmraSignCmd() *cobra.Command {
	var signaturesFile string
	cmd := sessionStageCmd("sign", "Collect signatures and close the session", func(ctx context.Context, e engine.Engine, sessionID string, version int64) (domain.LMRASession, error) {
		var sigs []domain.Signature
		if err := readJSONFile(signaturesFile, &sigs); err != nil {
			return domain.LMRASession{}, err
		}
		return e.CompleteSignatureStage(ctx, sessionID, version, sigs, viper.GetString("actor-id"))
	})
	cmd.Flags().StringVar(&signaturesFile, "signatures-file", "", "path to signatures JSON")
	_ = cmd.MarkFlagRequired("signatures-file")
	return cmd
}

func lmraAnnotateCmd() *cobra.Command {
	var text string
	cmd := sessionStageCmd("annotate", "Append an audit note", func(ctx context.Context, e engine.Engine, sessionID string, version int64) (domain.LMRASession, error) {
		return e.Annotate(ctx, sessionID, version, viper.GetString("actor-id"), text)
	})
	cmd.Flags().StringVar(&text, "text", "", "annotation text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func syncCmd() *cobra.Command {
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Offline mutation queue",
		Long:  "Field devices queue mutations offline; 'sync queue' stores them (idempotent by mutation id) and 'sync run' reconciles them in sequence order.",
	}
	sync.AddCommand(syncQueueCmd())
	sync.AddCommand(syncRunCmd())
	return sync
}

func syncQueueCmd() *cobra.Command {
	var sessionID, mutationID, payloadFile string
	var seq int64
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Queue one offline mutation",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload domain.MutationPayload
			if err := readJSONFile(payloadFile, &payload); err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				queued, err := e.QueueMutation(ctx, domain.OfflineMutation{
					ID:        mutationID,
					SessionID: sessionID,
					Seq:       seq,
					Payload:   payload,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]bool{"queued": queued})
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&mutationID, "id", "", "mutation id")
	cmd.Flags().Int64Var(&seq, "seq", 0, "client sequence number")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "path to payload JSON")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("seq")
	_ = cmd.MarkFlagRequired("payload-file")
	return cmd
}

func syncRunCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile queued mutations for a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Reconcile(ctx, sessionID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func rolesCmd() *cobra.Command {
	roles := &cobra.Command{
		Use:   "roles",
		Short: "Manage org roles",
	}
	roles.AddCommand(rolesGrantCmd())
	roles.AddCommand(rolesRevokeCmd())
	roles.AddCommand(rolesListCmd())
	return roles
}

func rolesGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.EnsureActor(ctx, tx, target, now); err != nil {
					return err
				}
				if err := e.Repo.AssignOrgRole(ctx, tx, e.Config.Org.ID, target, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rolesRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.RevokeOrgRole(ctx, e.Config.Org.ID, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rolesListCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actor roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = viper.GetString("actor-id")
				}
				roles, err := e.Repo.ActorRoles(ctx, e.Config.Org.ID, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(roles)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id (defaults to --actor-id)")
	return cmd
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys for the HTTP API",
	}
	keys.AddCommand(keysCreateCmd())
	keys.AddCommand(keysRevokeCmd())
	return keys
}

func keysCreateCmd() *cobra.Command {
	var target, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "rlk_" + hex.EncodeToString(raw)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.EnsureActor(ctx, tx, target, now); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   target,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: now,
				}
				if err := e.Repo.CreateAPIKey(ctx, key); err != nil {
					return err
				}
				// The secret is shown once; only the hash is stored.
				return printJSONOrTable(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func keysRevokeCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, id)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect org config",
		Long:  "Config is riskline.yml: frameworks and approval chains, risk bands, hazard categories, LMRA catalogs and webhooks.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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

func configInitCmd() *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default riskline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(orgID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org-id", "default-org", "org id to seed")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit event log",
		Long:  "The compliance trail: TRA lifecycle changes, approval decisions, LMRA stage completions and stop-work events.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var events []domain.Event
				var err error
				if entityKind != "" && entityID != "" {
					events, err = e.Repo.EventsForEntity(ctx, entityKind, entityID)
				} else {
					events, err = e.Repo.ListEvents(ctx, e.Config.Org.ID, n)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Severity", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.Severity, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
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
			orgID, cfg, err := app.ResolveOrgAndConfig(cmd.Context(), workspace, viper.GetString("org"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("RISKLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("RISKLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			notify.Start(r, orgID, cfg.Webhooks)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Riskline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

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
	_, cfg, err := app.ResolveOrgAndConfig(ctx, workspace, viper.GetString("org"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func printJSONOrTable(v any) error {
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

func readJSONFile(path string, v any) error {
	if path == "" {
		return fmt.Errorf("file path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldflow/dispatch/app"
	"github.com/fieldflow/dispatch/config"
	"github.com/fieldflow/dispatch/core/dispatch"
	"github.com/fieldflow/dispatch/core/model"
)

var (
	submitTenant   string
	submitPriority string
	submitSkills   []string
	submitArea     string
	submitMinutes  int
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Inject a test job through the intake path",
	RunE:  submitJob,
}

func init() {
	submitCmd.Flags().StringVar(&submitTenant, "tenant", "default", "tenant identifier")
	submitCmd.Flags().StringVar(&submitPriority, "priority", "normal", "job priority (low, normal, urgent, emergency)")
	submitCmd.Flags().StringSliceVar(&submitSkills, "skills", []string{"general"}, "required skills")
	submitCmd.Flags().StringVar(&submitArea, "area", "default", "service area")
	submitCmd.Flags().IntVar(&submitMinutes, "minutes", 120, "job duration in minutes")
	rootCmd.AddCommand(submitCmd)
}

func submitJob(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	prio := model.ParsePriority(submitPriority)
	svc, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	job, outcome, err := svc.Manager.Submit(ctx, dispatch.JobRequest{
		TenantID:       submitTenant,
		Priority:       prio,
		Skills:         submitSkills,
		Area:           submitArea,
		Duration:       time.Duration(submitMinutes) * time.Minute,
		IdempotencyKey: fmt.Sprintf("cli:%d", time.Now().UnixNano()),
	})
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Printf("job %s (%s) outcome=%s status=%s technician=%s\n",
		job.ID, job.ConfirmationCode, outcome, job.Status, job.TechnicianID)
	return nil
}

// Command hiesyncctl publishes sync commands to a running worker and reads
// document query status.
//
//	hiesyncctl identity --tenant t1 --patient p1 --facility f1 --op update
//	hiesyncctl documents --tenant t1 --patient p1 --facility f1 [--override]
//	hiesyncctl status --tenant t1 --patient p1
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirillkom/hiesync/internal/config"
	"github.com/kirillkom/hiesync/internal/core/domain"
	"github.com/kirillkom/hiesync/internal/core/ports"
	"github.com/kirillkom/hiesync/internal/infrastructure/queue/nats"
)

type target struct {
	tenantID  string
	patientID string
	timeout   time.Duration
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	t := &target{}
	root := &cobra.Command{
		Use:          "hiesyncctl",
		Short:        "Drive the HIE sync worker over NATS",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&t.tenantID, "tenant", "", "tenant id")
	root.PersistentFlags().StringVar(&t.patientID, "patient", "", "patient id")
	root.PersistentFlags().DurationVar(&t.timeout, "timeout", 10*time.Second, "request timeout")
	_ = root.MarkPersistentFlagRequired("tenant")
	_ = root.MarkPersistentFlagRequired("patient")

	root.AddCommand(identityCmd(t))
	root.AddCommand(documentsCmd(t))
	root.AddCommand(statusCmd(t))
	return root
}

func identityCmd(t *target) *cobra.Command {
	var facilityID, op string
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Publish an identity sync command",
		RunE: func(cmd *cobra.Command, _ []string) error {
			operation := domain.IdentityOperation(op)
			if !operation.Valid() {
				return fmt.Errorf("unknown operation %q", op)
			}
			return withQueue(cmd.Context(), t, func(ctx context.Context, queue *nats.Queue) error {
				return queue.PublishIdentitySync(ctx, ports.IdentitySyncCommand{
					TenantID:   t.tenantID,
					PatientID:  t.patientID,
					FacilityID: facilityID,
					Operation:  operation,
				})
			})
		},
	}
	cmd.Flags().StringVar(&facilityID, "facility", "", "facility id")
	cmd.Flags().StringVar(&op, "op", string(domain.OperationUpdate), "identity operation: create, update or delete")
	_ = cmd.MarkFlagRequired("facility")
	return cmd
}

func documentsCmd(t *target) *cobra.Command {
	var facilityID string
	var override bool
	cmd := &cobra.Command{
		Use:   "documents",
		Short: "Publish a document query command",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd.Context(), t, func(ctx context.Context, queue *nats.Queue) error {
				return queue.PublishDocumentQuery(ctx, ports.DocumentQueryCommand{
					TenantID:   t.tenantID,
					PatientID:  t.patientID,
					FacilityID: facilityID,
					Override:   override,
				})
			})
		},
	}
	cmd.Flags().StringVar(&facilityID, "facility", "", "facility id")
	cmd.Flags().BoolVar(&override, "override", false, "re-download documents already in the content store")
	_ = cmd.MarkFlagRequired("facility")
	return cmd
}

func statusCmd(t *target) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the patient's document query status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd.Context(), t, func(ctx context.Context, queue *nats.Queue) error {
				reply, err := queue.RequestQueryStatus(ctx, ports.QueryStatusRequest{TenantID: t.tenantID, PatientID: t.patientID})
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(reply)
			})
		},
	}
}

func withQueue(parent context.Context, t *target, fn func(context.Context, *nats.Queue) error) error {
	cfg := config.Load()
	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubjectPrefix, nats.Options{Name: "hiesyncctl"})
	if err != nil {
		return err
	}
	defer queue.Close()

	ctx, cancel := context.WithTimeout(parent, t.timeout)
	defer cancel()
	return fn(ctx, queue)
}

package main

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"shopfloor.dev/internal/app"
	"shopfloor.dev/internal/auth"
	"shopfloor.dev/internal/config"
	"shopfloor.dev/internal/grpcapi"
	"shopfloor.dev/internal/workflow"
)

func newItemsCommand(ctx *commandContext) *cobra.Command {
	itemsCmd := &cobra.Command{
		Use:   "items",
		Short: "Inspect work items",
	}
	itemsCmd.AddCommand(newItemsListCommand(ctx))
	itemsCmd.AddCommand(newItemsShowCommand(ctx))
	return itemsCmd
}

func newItemsListCommand(ctx *commandContext) *cobra.Command {
	var stageFlag string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items in a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := workflow.ParseStage(stageFlag)
			if err != nil {
				return err
			}
			return ctx.withStore(cmd.Context(), func(_ *config.Config, store app.Store) error {
				items, err := store.Items().ListByStage(cmd.Context(), stage)
				if err != nil {
					return err
				}
				if items == nil {
					items = []workflow.WorkItem{}
				}
				rows := make([][]string, 0, len(items))
				for _, it := range items {
					rows = append(rows, []string{
						it.ID,
						it.WorkOrderRef,
						it.ProductType,
						string(it.Stage),
						it.TemplateRef,
						it.BundleID,
						strconv.FormatInt(it.Version, 10),
						it.UpdatedAt.Local().Format(time.DateTime),
					})
				}
				headers := []string{"ID", "Work order", "Product", "Stage", "Template", "Bundle", "Version", "Updated"}
				aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft}
				return emit(cmd, ctx, items, headers, rows, aligns)
			})
		},
	}
	cmd.Flags().StringVar(&stageFlag, "stage", string(workflow.StageWIPEntry), "Stage to list")
	return cmd
}

func newItemsShowCommand(ctx *commandContext) *cobra.Command {
	var grpcAddr, token string
	cmd := &cobra.Command{
		Use:   "show <id|work-order>",
		Short: "Show a work item and its stage history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			render := func(item workflow.WorkItem) error {
				rows := make([][]string, 0, len(item.History))
				for i, h := range item.History {
					rows = append(rows, []string{
						strconv.Itoa(i + 1),
						string(h.Stage),
						h.EnteredAt.Local().Format(time.RFC3339Nano),
						h.ActorID,
						h.Note,
					})
				}
				headers := []string{"#", "Stage", "Entered", "Actor", "Note"}
				return emit(cmd, ctx, item, headers, rows, []columnAlignment{alignRight})
			}
			if grpcAddr != "" {
				if token == "" {
					token = os.Getenv("SHOPFLOOR_TOKEN")
				}
				client, err := grpcapi.Dial(grpcAddr)
				if err != nil {
					return err
				}
				defer client.Close()
				callCtx, cancel := context.WithTimeout(auth.ContextWithToken(cmd.Context(), token), 10*time.Second)
				defer cancel()
				item, err := client.GetWorkItem(callCtx, args[0])
				if err != nil {
					return err
				}
				return render(item)
			}
			return ctx.withStore(cmd.Context(), func(_ *config.Config, store app.Store) error {
				item, err := store.Items().Get(cmd.Context(), args[0])
				if errors.Is(err, workflow.ErrNotFound) {
					item, err = store.Items().GetByWorkOrder(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				return render(item)
			})
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "Query a running server at this gRPC address instead of the database")
	cmd.Flags().StringVar(&token, "token", "", "Access token for --grpc (default $SHOPFLOOR_TOKEN)")
	return cmd
}

package main

import (
	"strings"
	"time"

	farmagent "github.com/emufarm/FarmAgent"
	"github.com/emufarm/FarmAgent/internal/config"
	"github.com/emufarm/FarmAgent/internal/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// seed exists for bring-up and local testing: it writes an active account
// with immediately-due task configs so `farmagent scan` has work to find.
func newSeedCmd() *cobra.Command {
	var (
		dbPath    string
		accountID string
		taskList  string
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert or refresh an account with immediately-due task configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if strings.TrimSpace(accountID) == "" {
				return errors.New("--account is required")
			}
			st, err := store.Open(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.UpsertAccount(ctx, accountID, farmagent.AccountActive); err != nil {
				return err
			}
			now := time.Now()
			count := 0
			for _, raw := range strings.Split(taskList, ",") {
				taskType := farmagent.TaskType(strings.TrimSpace(raw))
				if taskType == "" {
					continue
				}
				cfg := &farmagent.TaskConfig{
					SchemaVersion: farmagent.TaskConfigSchemaVersion,
					Enabled:       true,
					NextDueAt:     now,
					Reschedule:    farmagent.RescheduleRule{Mode: farmagent.RescheduleOffset, Offset: 24 * time.Hour},
				}
				if err := st.UpsertTaskConfig(ctx, accountID, taskType, cfg); err != nil {
					return err
				}
				count++
			}
			log.Info().
				Str("account_id", accountID).
				Int("tasks", count).
				Str("db", dbPath).
				Msg("account seeded")
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", config.String("FARMAGENT_DB_PATH", "farmagent.sqlite"), "account database path, overrides FARMAGENT_DB_PATH")
	cmd.Flags().StringVar(&accountID, "account", "", "account ID to seed")
	cmd.Flags().StringVar(&taskList, "tasks", "mail_collect,harvest,daily_quest", "comma-separated task types to enable")
	return cmd
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ai-workflows/backend/internal/auth"
	"ai-workflows/backend/internal/config"
	"ai-workflows/backend/internal/services"
	"ai-workflows/backend/pkg/models"
)

var seedOpts struct {
	user     string
	courseID string
	unitID   string
}

// demoConversation is written oldest first.
var demoConversation = []struct {
	role    models.Role
	content string
}{
	{models.RoleUser, "What is the difference between a list and a tuple?"},
	{models.RoleAssistant, "A list is mutable and a tuple is not. Tuples suit fixed records; lists suit collections that grow."},
	{models.RoleUser, "Can a tuple hold a list?"},
	{models.RoleAssistant, "Yes. The tuple cannot be reassigned, but the list inside it can still change."},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write a demo conversation into the configured session store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		if cfg.Session.Backend == "memory" {
			logger.Warn("Session backend is memory; seeded turns are lost on exit")
		}

		rc := models.RunContext{CourseID: seedOpts.courseID, UnitID: seedOpts.unitID}
		profile, err := services.NewConfigResolver(cfg.Profiles).Resolve(ctx, rc)
		if err != nil {
			return err
		}
		if profile == nil {
			return fmt.Errorf("no profile matches course %q", seedOpts.courseID)
		}

		st, err := openStores(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		session := models.SessionHandle{WorkflowID: profile.ID, UserID: seedOpts.user, ContextKey: rc.Key()}
		start := time.Now().Add(-time.Duration(len(demoConversation)) * time.Minute)
		for i, msg := range demoConversation {
			turn, err := st.sessions.Append(ctx, session, models.ConversationTurn{
				Role:      msg.role,
				Content:   msg.content,
				Timestamp: start.Add(time.Duration(i) * time.Minute),
			})
			if err != nil {
				return fmt.Errorf("append turn %d: %w", i, err)
			}
			logger.Debug("Seeded turn", "index", turn.OriginalIndex, "role", turn.Role)
		}
		logger.Info("Seeding complete", "profile", profile.ID, "user", seedOpts.user, "turns", len(demoConversation))
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedOpts.user, "user", auth.DevUser, "user id owning the conversation")
	seedCmd.Flags().StringVar(&seedOpts.courseID, "course", "", "course id used to resolve the profile")
	seedCmd.Flags().StringVar(&seedOpts.unitID, "unit", "", "unit id of the conversation")
	_ = seedCmd.MarkFlagRequired("course")
	rootCmd.AddCommand(seedCmd)
}

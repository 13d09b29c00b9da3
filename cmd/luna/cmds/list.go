package cmds

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/go-go-golems/luna/pkg/conversation"
	"github.com/go-go-golems/luna/pkg/models"
	"github.com/go-go-golems/luna/pkg/settings"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func NewListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			n, err := st.Count(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "%d conversations\n", n)
			if n == 0 {
				return nil
			}
			summaries, err := st.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tUPDATED\tMODEL\tMESSAGES\tTITLE")
			for _, s := range summaries {
				_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
					s.ID,
					s.UpdateTime.Local().Format(time.DateTime),
					s.ModelID,
					s.MessageCount,
					s.Title,
				)
			}
			return w.Flush()
		},
	}
}

func NewShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid conversation id %q", args[0])
			}
			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			chat, err := st.Get(cmd.Context(), conversation.ChatID(id))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "# %s\n", chat.DisplayTitle())
			_, _ = fmt.Fprintf(out, "model: %s, created: %s\n\n", chat.ModelID, chat.CreatedAt.Local().Format(time.DateTime))
			for _, m := range chat.Messages {
				_, _ = fmt.Fprintln(out, m.String())
			}
			return nil
		},
	}
}

func NewModelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models of the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			catalog, err := s.Catalog()
			if err != nil {
				return err
			}
			selected := models.Unknown()
			if cfg, err := s.RuntimeConfig(catalog); err == nil {
				selected = cfg.SelectedModel()
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "\tID\tNAME\tPROVIDER\tCONTEXT")
			for _, r := range catalog.Records() {
				marker := ""
				if r.ID == selected.ID && !selected.IsUnknown() {
					marker = "*"
				}
				window := "-"
				if r.HasContextWindow() {
					window = fmt.Sprintf("%d", r.ContextWindow)
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", marker, r.ID, r.Name, r.Provider, window)
			}
			return w.Flush()
		},
	}
}

func loadSettings() (*settings.Settings, error) {
	return settings.Load(viper.GetViper())
}

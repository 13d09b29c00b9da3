package cmds

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"
)

var errResetAborted = errors.New("reset aborted")

func NewResetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all conversations",
		Long: "Delete all conversations and messages and reinitialize an empty database.\n" +
			"Previously saved conversations will be lost.",
		RunE: func(cmd *cobra.Command, args []string) error {
			yes, _ := cmd.Flags().GetBool("yes")

			s, st, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			path, err := s.DatabasePath()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !yes {
				if !isatty.IsTerminal(os.Stdin.Fd()) {
					return errors.New("refusing to reset without a terminal, pass --yes")
				}
				ok, err := confirmReset(os.Stdin, out, path)
				if err != nil {
					return err
				}
				if !ok {
					return errResetAborted
				}
			}

			if err := st.Reset(cmd.Context()); err != nil {
				return err
			}
			log.Info().Str("database", path).Msg("database reset")
			_, _ = fmt.Fprintf(out, "Database reset @ %s\n", path)
			return nil
		},
	}
	cmd.Flags().Bool("yes", false, "Do not ask for confirmation")
	return cmd
}

func confirmReset(in io.Reader, out io.Writer, path string) (bool, error) {
	_, _ = fmt.Fprintf(out, "\nWarning! This will delete all messages and chats.\n\n"+
		"You may wish to create a backup of %q before continuing.\n", path)

	ui := &input.UI{
		Writer: out,
		Reader: in,
	}
	answer, err := ui.Ask("Delete all chats? [y/n]", &input.Options{
		Default:  "n",
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N":
				return nil
			default:
				return fmt.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, err
	}
	return answer == "y" || answer == "Y", nil
}

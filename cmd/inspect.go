package cmd

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/plmops/eco-todo-sync/duetime"
	"github.com/plmops/eco-todo-sync/mailparse"
	"github.com/plmops/eco-todo-sync/mboxfile"
	"github.com/plmops/eco-todo-sync/model"
)

var (
	inspectKeyword  string
	inspectDueWeeks int
	inspectDueHour  int
)

// InspectCmd runs the filter and extraction stages over an mbox archive
// and prints what the pipeline would have seen, without touching IMAP,
// DingTalk or the registry. Useful for validating the label patterns
// against real mail before deploying.
var InspectCmd = &cobra.Command{
	Use:   "inspect [mbox file]",
	Short: "Extract ECO fields from an mbox archive without creating tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mboxPath := args[0]

		calc := duetime.Calculator{
			DueWeeks: inspectDueWeeks,
			Hour:     inspectDueHour,
		}
		now := time.Now()
		emptyRegistry := map[string]string{}

		total, err := mboxfile.Count(mboxPath)
		if err != nil {
			return err
		}
		pterm.Info.Printf("Messages in archive: %d\n", total)

		accepted := 0
		rejected := map[mailparse.RejectReason]int{}
		unparsable := 0

		err = mboxfile.Read(mboxPath, func(raw []byte) error {
			msg, err := mailparse.Parse(raw)
			if err != nil {
				unparsable++
				return nil
			}

			reason := mailparse.FilterReason(msg, emptyRegistry, calc, inspectKeyword, now)
			if reason != mailparse.ReasonNone {
				rejected[reason]++
				return nil
			}
			accepted++

			fields := mailparse.Extract(msg)
			pterm.DefaultSection.Println(fields.Subject)

			data := pterm.TableData{
				{"Field", "Value"},
				{"Message-ID", fields.MessageID},
				{"Sent", fields.SentAt.Format(time.RFC3339)},
				{"Due", time.UnixMilli(calc.DueTime(fields.SentAt, now)).Format(time.RFC3339)},
			}
			for _, field := range model.BodyFields {
				value, ok := fields.Body[field]
				if !ok {
					value = "(not found)"
				}
				data = append(data, []string{field, value})
			}

			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
		if err != nil {
			return err
		}

		pterm.Println()
		pterm.Info.Printf("Accepted: %d\n", accepted)
		for reason, count := range rejected {
			pterm.Info.Printf("Rejected (%s): %d\n", reason, count)
		}
		if unparsable > 0 {
			pterm.Warning.Printf("Unparsable: %d\n", unparsable)
		}

		if accepted == 0 {
			fmt.Println("No messages matched; check --keyword and the archive contents.")
		}

		return nil
	},
}

func init() {
	flags := InspectCmd.Flags()
	flags.StringVar(&inspectKeyword, "keyword", "ECO审批流程", "Subject substring a message must carry")
	flags.IntVar(&inspectDueWeeks, "due-weeks", 1, "Weeks between the creation date and the task due date")
	flags.IntVar(&inspectDueHour, "due-hour", 18, "Hour of day for task due times")
}

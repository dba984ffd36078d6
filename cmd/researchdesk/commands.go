package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"researchdesk/internal/api/v1/dto"
	"researchdesk/internal/model"
	"researchdesk/internal/poller"
	"researchdesk/internal/service"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	analyzeFocus  string
	listQuery     string
	listLimit     int
	exportIDs     []string
	exportOut     string
	exportUpload  bool
	reconcilePlan string
	checkoutPlan  string
	eventsWait    time.Duration
	eventsAck     bool
	eventsLimit   int
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file.pdf>",
	Short: "Analyze a paper into a bibliography entry",
	Long: `Upload a PDF, wait for the analysis and save it as a new bibliography entry.

The run counts one entry against your plan. Press Ctrl-C to stop waiting; a job that
already finished on the server is still recorded the next time it is fetched.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

var entriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "List and export bibliography entries",
}

var entriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entries, newest first",
	RunE:  runEntriesList,
}

var entriesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export entries as a Word document",
	RunE:  runEntriesExport,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Sync the subscription after a checkout",
	Long: `Poll the payment backend until the purchased plan is visible. When the backend
never confirms it, the plan recorded at checkout is applied locally on the last attempt.`,
	RunE: runReconcile,
}

var checkoutCmd = &cobra.Command{
	Use:   "checkout",
	Short: "Start a checkout for a paid plan and print its URL",
	RunE:  runCheckout,
}

var portalCmd = &cobra.Command{
	Use:   "portal",
	Short: "Print a billing portal URL",
	RunE:  runPortal,
}

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Show available plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()
		data := pterm.TableData{{"Plan", "Price", "Entries"}}
		for _, p := range e.app.Subscriptions.Plans() {
			data = append(data, []string{p.Name, fmt.Sprintf("$%d.%02d", p.PriceCents/100, p.PriceCents%100), limitText(p.EntriesLimit, p.IsLifetime)})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show your recent activity from the events queue",
	Long: `Read pending domain events (entries created, content completed, subscriptions
reconciled) from the pgmq queue named by EVENTS_QUEUE. Only your own events are read.
With --ack the shown events are archived; otherwise they stay in the queue untouched.`,
	RunE: runEvents,
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeFocus, "focus", "f", "", "Research focus (3-100 characters)")
	_ = analyzeCmd.MarkFlagRequired("focus")

	entriesListCmd.Flags().StringVarP(&listQuery, "q", "q", "", "Only entries matching this term")
	entriesListCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "Maximum number of entries")
	entriesExportCmd.Flags().StringSliceVar(&exportIDs, "ids", nil, "Entry IDs to export (default: all)")
	entriesExportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (default: generated name)")
	entriesExportCmd.Flags().BoolVar(&exportUpload, "upload", false, "Upload to storage and print a download link")
	entriesCmd.AddCommand(entriesListCmd, entriesExportCmd)

	reconcileCmd.Flags().StringVarP(&reconcilePlan, "plan", "p", "", "Plan just purchased (default: the plan recorded at checkout)")
	checkoutCmd.Flags().StringVarP(&checkoutPlan, "plan", "p", "", "Plan to buy: student or researcher")
	_ = checkoutCmd.MarkFlagRequired("plan")

	eventsCmd.Flags().DurationVarP(&eventsWait, "wait", "w", 5*time.Second, "How long to wait for the first event")
	eventsCmd.Flags().BoolVar(&eventsAck, "ack", false, "Archive the events after showing them")
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 20, "Maximum number of events")
}

func limitText(limit int, lifetime bool) string {
	if limit == model.UnlimitedEntries {
		return "unlimited"
	}
	if lifetime {
		return strconv.Itoa(limit) + " total"
	}
	return strconv.Itoa(limit) + " per month"
}

func printSubscription(sub model.Subscription) {
	d := dto.NewSubscriptionDTO(sub)
	used := fmt.Sprintf("%d of %s", d.EntriesUsed, limitText(d.EntriesLimit, d.IsLifetime))
	pterm.Info.Printfln("Plan: %s (%s), entries used: %s", pterm.LightCyan(d.PlanName), d.Status, used)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	bar, _ := pterm.DefaultProgressbar.WithTotal(len(poller.Stages) - 1).WithTitle("Uploading " + filepath.Base(path)).Start()
	shown := 0
	obs := poller.ObserverFuncs{
		State: func(_, to poller.State) {
			if to == poller.StatePolling {
				bar.UpdateTitle(poller.Stages[0])
			}
		},
		Progress: func(step, _ int) {
			if step > shown {
				bar.UpdateTitle(poller.Stages[step])
				bar.Add(step - shown)
				shown = step
			}
		},
	}

	entry, _, err := e.app.Entries.Analyze(ctx, e.session, poller.Input{
		FileName:      filepath.Base(path),
		ContentType:   mime.TypeByExtension(filepath.Ext(path)),
		Data:          data,
		ResearchFocus: analyzeFocus,
	}, obs)
	_, _ = bar.Stop()
	if err != nil {
		if errors.Is(err, service.ErrQuotaExceeded) {
			return errors.New("you have reached your plan limit, run `researchdesk checkout --plan student` to upgrade")
		}
		return errors.New(poller.UserMessage(err))
	}

	pterm.Success.Printfln("Saved entry %s", entry.ID)
	pterm.Println(pterm.Bold.Sprint(entry.CitationText()))
	if entry.NarrativeOverview != "" {
		pterm.Println(entry.NarrativeOverview)
	}
	printSubscription(e.session.Subscription())
	return nil
}

func runEntriesList(cmd *cobra.Command, _ []string) error {
	e, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	entries, err := e.app.Entries.List(cmd.Context(), e.session.UserID(), listQuery, listLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		pterm.Info.Println("No entries yet")
		return nil
	}
	data := pterm.TableData{{"ID", "Created", "Focus", "Citation"}}
	for i := range entries {
		citation := truncate(entries[i].CitationText(), 70)
		data = append(data, []string{entries[i].ID, entries[i].CreatedAt.Format("2006-01-02"), entries[i].ResearchFocus, citation})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// truncate shortens s to at most limit runes, marking the cut with an ellipsis.
func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}

func runEntriesExport(cmd *cobra.Command, _ []string) error {
	e, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	file, err := e.app.Exports.Export(cmd.Context(), e.session.UserID(), exportIDs, exportUpload)
	if err != nil {
		return err
	}
	if exportUpload {
		pterm.Success.Printfln("Exported %d entries: %s", file.Entries, file.URL)
		return nil
	}
	out := exportOut
	if out == "" {
		out = file.FileName
	}
	if err := os.WriteFile(out, file.Data, 0o644); err != nil {
		return err
	}
	pterm.Success.Printfln("Exported %d entries to %s", file.Entries, out)
	return nil
}

// terminalNotifier prints reconciliation notices as they happen.
type terminalNotifier struct{}

func (terminalNotifier) Notify(_ context.Context, n model.Notice) {
	switch n.Level {
	case model.NoticeSuccess:
		pterm.Success.Println(n.Message)
	case model.NoticeError:
		pterm.Error.Println(n.Message)
	case model.NoticeWarning:
		pterm.Warning.Println(n.Message)
	default:
		pterm.Info.Println(n.Message)
	}
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	var plan model.Plan
	if reconcilePlan != "" {
		p, ok := model.ParsePlan(reconcilePlan)
		if !ok {
			return fmt.Errorf("unknown plan %q", reconcilePlan)
		}
		plan = p
	}

	spinner, _ := pterm.DefaultSpinner.Start("Waiting for the payment to be confirmed...")
	res := e.app.Subscriptions.Reconcile(ctx, e.session, plan, terminalNotifier{})
	_ = spinner.Stop()

	printSubscription(e.session.Subscription())
	if !res.Converged {
		return fmt.Errorf("subscription not confirmed after %d attempts", res.Attempts)
	}
	return nil
}

func runCheckout(cmd *cobra.Command, _ []string) error {
	e, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	url, err := e.app.Billing.CreateCheckoutSession(cmd.Context(), e.session, model.Plan(checkoutPlan), "", "")
	if err != nil {
		return err
	}
	pterm.Info.Println("Complete the payment in your browser, then run `researchdesk reconcile`:")
	pterm.Println(url)
	return nil
}

func runPortal(cmd *cobra.Command, _ []string) error {
	e, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	url, err := e.app.Billing.CreatePortalSession(cmd.Context(), e.session, "")
	if err != nil {
		return err
	}
	pterm.Println(url)
	return nil
}

func runEvents(cmd *cobra.Command, _ []string) error {
	e, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()
	if e.app.Queue == nil {
		return errors.New("events queue is not configured: set EVENTS_QUEUE (and leave GCP_PROJECT_ID empty)")
	}
	queue := e.app.Config.EventsQueue

	// Peeked events stay visible; acked ones are hidden until archived.
	var visibility time.Duration
	if eventsAck {
		visibility = 30 * time.Second
	}
	mine := map[string]string{"user_id": e.session.UserID()}
	msgs, err := e.app.Queue.ReadWithPoll(cmd.Context(), queue, mine, visibility, eventsWait, eventsLimit)
	if err != nil {
		return err
	}
	data := pterm.TableData{{"ID", "Time", "Event", "Task"}}
	for _, m := range msgs {
		data = append(data, []string{strconv.FormatInt(m.ID, 10), m.Event.OccurredAt.Local().Format(time.DateTime), m.Event.Type, m.Event.TaskID})
		if eventsAck {
			if err := e.app.Queue.Archive(cmd.Context(), queue, m.ID); err != nil {
				e.logger.Warn().Err(err).Int64("msg_id", m.ID).Msg("Failed to archive event")
			}
		}
	}
	if len(data) == 1 {
		pterm.Info.Println("No new events")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

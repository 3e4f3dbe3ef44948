package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"civicsync/internal/bulk"
	"civicsync/internal/feed"
	"civicsync/internal/models"
	"civicsync/internal/notify"
)

var (
	apiAddr   string
	redisAddr string
	userID    string
	userRole  string

	bulkIDs   []string
	bulkNotes string
)

func main() {
	root := &cobra.Command{
		Use:   "civicctl",
		Short: "Admin CLI for the civicsync issue portal",
	}
	root.PersistentFlags().StringVar(&apiAddr, "api", "http://localhost:8080", "portal API base URL")
	root.PersistentFlags().StringVar(&redisAddr, "redis", "localhost:6379", "redis address for the change feed")
	root.PersistentFlags().StringVar(&userID, "user", "admin", "acting user id")
	root.PersistentFlags().StringVar(&userRole, "role", "admin", "acting user role (worker|admin)")

	root.AddCommand(newBulkCmd(), newWatchCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newBulkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Run a bulk mutation across report IDs",
	}
	cmd.PersistentFlags().StringSliceVar(&bulkIDs, "ids", nil, "report IDs to mutate")
	cmd.PersistentFlags().StringVar(&bulkNotes, "notes", "", "resolution notes (required for resolved/closed)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status <target-status>",
			Short: "Change status for every listed report",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return runBulk(bulk.KindStatusUpdate, bulk.Params{Status: models.Status(args[0]), Notes: bulkNotes})
			},
		},
		&cobra.Command{
			Use:   "assign <worker-id>",
			Short: "Assign every listed report to a worker",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return runBulk(bulk.KindAssignWorker, bulk.Params{WorkerID: args[0]})
			},
		},
		&cobra.Command{
			Use:   "priority <low|medium|high>",
			Short: "Set priority for every listed report",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return runBulk(bulk.KindSetPriority, bulk.Params{Priority: models.Priority(args[0])})
			},
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Delete every listed report",
			RunE: func(_ *cobra.Command, _ []string) error {
				return runBulk(bulk.KindDelete, bulk.Params{})
			},
		},
	)
	return cmd
}

func runBulk(kind bulk.Kind, params bulk.Params) error {
	if len(bulkIDs) == 0 {
		return fmt.Errorf("--ids is required")
	}
	body, err := json.Marshal(map[string]any{
		"kind":   kind,
		"ids":    bulkIDs,
		"params": params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(apiAddr, "/")+"/bulk", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", userID)
	req.Header.Set("X-User-Role", userRole)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("call portal: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var msg bytes.Buffer
		_, _ = msg.ReadFrom(resp.Body)
		return fmt.Errorf("portal returned %s: %s", resp.Status, strings.TrimSpace(msg.String()))
	}

	var result bulk.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	printResult(result)
	return nil
}

func printResult(res bulk.Result) {
	if res.Success {
		color.Green("ok: %d processed", res.ProcessedCount)
		return
	}
	color.Yellow("partial: %d processed, %d failed", res.ProcessedCount, res.FailedCount)
	for _, e := range res.Errors {
		color.Red("  %s: %s", e.ItemID, e.Reason)
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Tail the live change feed and notifications",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			client := redis.NewClient(&redis.Options{Addr: redisAddr})
			transport := feed.NewRedisTransport(client)
			registry := feed.NewRegistry(transport, func(err error) {
				color.Red("feed error: %v", err)
			})
			defer registry.Close()

			unsubReports := registry.Subscribe(ctx, "reports", "", feed.Handlers{
				OnInsert: func(ev feed.Event) { printEvent("new", ev) },
				OnUpdate: func(ev feed.Event) { printEvent("update", ev) },
				OnDelete: func(ev feed.Event) { printEvent("delete", ev) },
				OnStatus: func(s feed.Status) {
					color.Cyan("feed status: %s", s)
				},
			})
			defer unsubReports()

			router := notify.NewRouter(
				notify.StaticPreferences{Prefs: models.DefaultPreferences("")},
				terminalNotifier{},
				nil,
				func(err error) { color.Red("notify error: %v", err) },
			)
			unsubNotify := router.Attach(ctx, registry, userID)
			defer unsubNotify()

			color.White("watching reports and notifications (ctrl-c to stop)")
			<-ctx.Done()
			return nil
		},
	}
}

func printEvent(label string, ev feed.Event) {
	payload := ev.New
	if len(payload) == 0 {
		payload = ev.Old
	}
	fmt.Printf("%s %s %s\n", color.MagentaString("[%s]", label), ev.RecordID, string(payload))
}

// terminalNotifier stands in for the OS notification sink when watching
// from a terminal.
type terminalNotifier struct{}

func (terminalNotifier) Show(title, body string, _ map[string]string) {
	color.Yellow("notification: %s: %s", title, body)
}

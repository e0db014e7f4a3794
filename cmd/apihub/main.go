package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/apihub-kr/apihub/internal/client"
	"github.com/apihub-kr/apihub/internal/providers"
	"github.com/apihub-kr/apihub/internal/registry"
	"github.com/apihub-kr/apihub/internal/token"
	"github.com/apihub-kr/apihub/pkg/domain"
	"github.com/apihub-kr/apihub/pkg/hub"
)

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
}

func newUI() *ui {
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func main() {
	storeURL := getenv("APIHUB_STORE_URL", "redis://localhost:6379/15")
	storePassword := getenv("APIHUB_STORE_PASSWORD", "")
	ui := newUI()

	root := &cobra.Command{
		Use:   "apihub",
		Short: "apihub CLI",
		Long:  "apihub CLI for dispatching market data requests through the hub.",
	}
	root.SilenceUsage = true
	root.PersistentFlags().StringVar(&storeURL, "store", storeURL, "Store URL (redis://...)")
	root.PersistentFlags().StringVar(&storePassword, "store-password", storePassword, "Store password")

	root.AddCommand(execCmd(&storeURL, &storePassword, ui))
	root.AddCommand(batchCmd(&storeURL, &storePassword, ui))
	root.AddCommand(queuesCmd(&storeURL, &storePassword, ui))
	root.AddCommand(opsCmd(ui))
	root.AddCommand(tokenCmd(&storeURL, &storePassword, ui))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.err("[ERROR]"), err.Error())
		os.Exit(1)
	}
}

func sdkClient(storeURL, storePassword string) (*hub.Client, error) {
	rdb, err := providers.NewRedisProvider(storeURL, storePassword)
	if err != nil {
		return nil, err
	}
	return hub.NewClient(rdb, nil), nil
}

func statusColor(ui *ui, status domain.ResultStatus) string {
	switch status {
	case domain.StatusSuccess:
		return ui.ok(string(status))
	case domain.StatusRateLimited, domain.StatusRejected:
		return ui.warn(string(status))
	default:
		return ui.err(string(status))
	}
}

func execCmd(storeURL, storePassword *string, ui *ui) *cobra.Command {
	var (
		provider string
		opID     string
		params   string
		priority string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:     "exec",
		Short:   "Dispatch one operation and wait for its result",
		Example: `apihub exec --provider KIS --op FHKST01010400 --params '{"symbol":"005930"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var paramsObj map[string]any
			if params != "" {
				if err := json.Unmarshal([]byte(params), &paramsObj); err != nil {
					return fmt.Errorf("invalid params JSON: %w", err)
				}
			}

			c, err := sdkClient(*storeURL, *storePassword)
			if err != nil {
				return err
			}

			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Waiting for result..."
			spin.Start()
			env, err := c.Execute(context.Background(), hub.Request{
				Provider:    domain.Provider(strings.ToUpper(provider)),
				OperationID: opID,
				Params:      paramsObj,
				Priority:    domain.Priority(strings.ToUpper(priority)),
				Timeout:     timeout,
			})
			spin.Stop()
			if err != nil {
				return err
			}

			fmt.Printf("%s %s\n", ui.title("status:"), statusColor(ui, env.Status))
			if env.Reason != "" {
				fmt.Printf("%s %s\n", ui.title("reason:"), env.Reason)
			}
			if env.Data != nil {
				out, _ := json.MarshalIndent(env.Data, "", "  ")
				fmt.Println(string(out))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "KIS", "Provider (KIS|KIWOOM)")
	cmd.Flags().StringVar(&opID, "op", "", "Operation id (tr_id or api-id)")
	cmd.Flags().StringVar(&params, "params", "", "JSON params")
	cmd.Flags().StringVar(&priority, "priority", "NORMAL", "Priority (HIGH|NORMAL)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Wait timeout")
	_ = cmd.MarkFlagRequired("op")
	return cmd
}

// batchFile is the exec request list format for `apihub batch`.
type batchFile struct {
	Requests []struct {
		Provider    string         `json:"provider"`
		OperationID string         `json:"operation_id"`
		Params      map[string]any `json:"params"`
		Priority    string         `json:"priority"`
	} `json:"requests"`
}

func batchCmd(storeURL, storePassword *string, ui *ui) *cobra.Command {
	var (
		file    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:     "batch",
		Short:   "Dispatch a file of requests",
		Example: "apihub batch --file requests.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var bf batchFile
			if err := json.Unmarshal(data, &bf); err != nil {
				return fmt.Errorf("invalid batch file: %w", err)
			}
			if len(bf.Requests) == 0 {
				return errors.New("batch file has no requests")
			}

			c, err := sdkClient(*storeURL, *storePassword)
			if err != nil {
				return err
			}

			reqs := make([]hub.Request, len(bf.Requests))
			for i, r := range bf.Requests {
				reqs[i] = hub.Request{
					Provider:    domain.Provider(strings.ToUpper(r.Provider)),
					OperationID: r.OperationID,
					Params:      r.Params,
					Priority:    domain.Priority(strings.ToUpper(r.Priority)),
					Timeout:     timeout,
				}
			}

			bar := progressbar.NewOptions(len(reqs),
				progressbar.OptionSetDescription("Dispatching"),
				progressbar.OptionSetWidth(18),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)

			results := c.ExecuteBatch(context.Background(), reqs)
			var ok, failed int
			for _, r := range results {
				_ = bar.Add(1)
				if r.Err != nil || r.Envelope == nil || r.Envelope.Status != domain.StatusSuccess {
					failed++
					continue
				}
				ok++
			}
			_ = bar.Finish()
			fmt.Printf("%s %d succeeded, %d failed of %d\n",
				ui.info("[DONE]"), ok, failed, len(results))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON file with requests")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Per-request wait timeout")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func queuesCmd(storeURL, storePassword *string, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show queue depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := sdkClient(*storeURL, *storePassword)
			if err != nil {
				return err
			}
			prio, normal, err := c.QueueLengths(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d | %s: %d\n",
				ui.warn("PRIORITY"), prio,
				ui.info("NORMAL"), normal)
			return nil
		},
	}
}

func opsCmd(ui *ui) *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "List registered operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ops := registry.List(domain.Provider(strings.ToUpper(provider)), "")
			if len(ops) == 0 {
				return errors.New("no operations registered for that filter")
			}
			for _, op := range ops {
				fmt.Printf("%s  %-8s %-18s %s %s\n",
					ui.ok(fmt.Sprintf("%-14s", op.ID)),
					op.Provider,
					op.Category,
					op.Method,
					ui.dim(op.Description))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "Filter by provider (KIS|KIWOOM)")
	return cmd
}

func tokenCmd(storeURL, storePassword *string, ui *ui) *cobra.Command {
	tok := &cobra.Command{
		Use:   "token",
		Short: "Token operations",
	}

	var provider string
	status := &cobra.Command{
		Use:   "status",
		Short: "Show the stored token record",
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, err := providers.NewRedisProvider(*storeURL, *storePassword)
			if err != nil {
				return err
			}
			p := domain.Provider(strings.ToUpper(provider))
			if !p.Valid() {
				return fmt.Errorf("invalid provider: %s", provider)
			}
			m := token.NewManager(rdb, nil, "apihub-cli", nil)
			rec, err := m.Status(context.Background(), p)
			if err != nil {
				return err
			}
			if rec == nil {
				fmt.Printf("%s no token issued for %s\n", ui.warn("[WARN]"), p)
				return nil
			}
			remaining := rec.ValidFor(time.Now().Unix())
			state := ui.ok("valid")
			if remaining <= 0 {
				state = ui.err("expired")
			} else if remaining < 300 {
				state = ui.warn("expiring")
			}
			fmt.Printf("%s %s (%s)\n", ui.title(string(p)), state, ui.dim(fmt.Sprintf("%ds left", remaining)))
			fmt.Printf("%s refreshed_at=%d refresh_count=%d\n", ui.info("•"), rec.RefreshedAt, rec.RefreshCount)
			return nil
		},
	}
	status.Flags().StringVar(&provider, "provider", "KIS", "Provider (KIS|KIWOOM)")

	var (
		refreshProvider string
		baseURL         string
	)
	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Force a token refresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := domain.Provider(strings.ToUpper(refreshProvider))
			if !p.Valid() {
				return fmt.Errorf("invalid provider: %s", refreshProvider)
			}

			appKey, appSecret, err := credentialsFor(p)
			if err != nil {
				return err
			}
			if baseURL == "" {
				baseURL = defaultBaseURL(p)
			}

			rdb, err := providers.NewRedisProvider(*storeURL, *storePassword)
			if err != nil {
				return err
			}
			m := token.NewManager(rdb, map[domain.Provider]token.Refresher{
				p: token.NewOAuthRefresher(baseURL, appKey, appSecret),
			}, "apihub-cli", nil)

			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Refreshing token..."
			spin.Start()
			_, err = m.ForceRefresh(context.Background(), p)
			spin.Stop()
			if err != nil {
				return err
			}
			fmt.Printf("%s token refreshed for %s\n", ui.ok("[OK]"), p)
			return nil
		},
	}
	refresh.Flags().StringVar(&refreshProvider, "provider", "KIS", "Provider (KIS|KIWOOM)")
	refresh.Flags().StringVar(&baseURL, "base-url", "", "Override provider base URL")

	tok.AddCommand(status, refresh)
	return tok
}

func defaultBaseURL(p domain.Provider) string {
	if p == domain.ProviderKiwoom {
		return client.DefaultKiwoomBaseURL
	}
	return client.DefaultKISBaseURL
}

// credentialsFor reads the provider credentials from the environment,
// prompting for the secret when only the key is set.
func credentialsFor(p domain.Provider) (string, string, error) {
	prefix := "KIS"
	if p == domain.ProviderKiwoom {
		prefix = "KIWOOM"
	}
	appKey := strings.TrimSpace(os.Getenv(prefix + "_APP_KEY"))
	appSecret := strings.TrimSpace(os.Getenv(prefix + "_APP_SECRET"))
	if appKey == "" {
		return "", "", fmt.Errorf("%s_APP_KEY is not set", prefix)
	}
	if appSecret == "" {
		s, err := promptSecret(fmt.Sprintf("%s app secret", p))
		if err != nil {
			return "", "", err
		}
		appSecret = s
	}
	if appSecret == "" {
		return "", "", fmt.Errorf("%s_APP_SECRET is required", prefix)
	}
	return appKey, appSecret, nil
}

func promptSecret(label string) (string, error) {
	fmt.Printf("%s: ", label)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		return strings.TrimSpace(line), err
	}
	b, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
